package storage

import "encoding/binary"

// Entry flag values as stored on disk.
const (
	flagValue     = 0
	flagTombstone = 1
)

// EncodedEntrySize is the fixed on-disk size of one entry:
// key (4 bytes) + flag (1 byte) + value (4 bytes).
const EncodedEntrySize = 9

// Entry is a single observation of a key: either a value or a tombstone.
// Seq is the engine-wide write counter assigned at ingestion time; it is not
// persisted in SSTables (table recency resolves shadowing there) but travels
// through the WAL and the memtable so that in-flight merges order correctly.
type Entry struct {
	Key       uint32
	Value     uint32
	Seq       uint64
	Tombstone bool
}

// EncodeEntry appends the 9-byte wire form of e to dst and returns the
// extended slice.
func EncodeEntry(dst []byte, e Entry) []byte {
	var buf [EncodedEntrySize]byte
	binary.LittleEndian.PutUint32(buf[0:4], e.Key)
	if e.Tombstone {
		buf[4] = flagTombstone
	} else {
		buf[4] = flagValue
	}
	binary.LittleEndian.PutUint32(buf[5:9], e.Value)
	return append(dst, buf[:]...)
}

// DecodeEntry parses the 9-byte wire form at the start of b.
// The caller must guarantee len(b) >= EncodedEntrySize.
func DecodeEntry(b []byte) (Entry, error) {
	flag := b[4]
	if flag != flagValue && flag != flagTombstone {
		return Entry{}, ErrCorrupt
	}
	return Entry{
		Key:       binary.LittleEndian.Uint32(b[0:4]),
		Value:     binary.LittleEndian.Uint32(b[5:9]),
		Tombstone: flag == flagTombstone,
	}, nil
}
