package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"golang.org/x/exp/mmap"
)

const (
	sstableMagic      = "LSMT"
	sstableVersion    = 1
	sstableHeaderSize = 8
	sstableFooterSize = 40
	sstableTrailerLen = 8
)

// SSTable is an immutable, sorted on-disk run of entries with an in-memory
// bloom filter and sparse index. Instances are reference counted: the level
// set holds one reference, and every LevelsView holds one more per table.
// The backing file is removed once an obsolete table's count reaches zero.
type SSTable struct {
	id   uint64
	path string
	r    *mmap.ReaderAt

	index []indexEntry
	bloom *BloomFilter

	blockEntries int
	count        uint64
	minKey       uint32
	maxKey       uint32
	dataSize     uint64 // Bytes of entry data

	refs     atomic.Int32
	obsolete atomic.Bool
}

// OpenSSTable memory-maps the table at path, loads the footer, sparse index
// and bloom filter, and validates the format invariants. Any mismatch
// returns ErrCorrupt.
func OpenSSTable(path string, id uint64) (*SSTable, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sstable: %w", err)
	}

	t, err := loadSSTable(r, path, id)
	if err != nil {
		r.Close()
		return nil, err
	}
	t.refs.Store(1)
	return t, nil
}

func loadSSTable(r *mmap.ReaderAt, path string, id uint64) (*SSTable, error) {
	size := int64(r.Len())
	if size < sstableHeaderSize+sstableFooterSize+sstableTrailerLen {
		return nil, fmt.Errorf("%w: %s: file too small", ErrCorrupt, path)
	}

	var header [sstableHeaderSize]byte
	if _, err := r.ReadAt(header[:], 0); err != nil {
		return nil, err
	}
	if string(header[0:4]) != sstableMagic {
		return nil, fmt.Errorf("%w: %s: bad magic", ErrCorrupt, path)
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != sstableVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorrupt, path, v)
	}

	var trailer [sstableTrailerLen]byte
	if _, err := r.ReadAt(trailer[:], size-sstableTrailerLen); err != nil {
		return nil, err
	}
	footerOffset := binary.LittleEndian.Uint64(trailer[:])
	if footerOffset < sstableHeaderSize || int64(footerOffset) != size-sstableTrailerLen-sstableFooterSize {
		return nil, fmt.Errorf("%w: %s: bad footer offset", ErrCorrupt, path)
	}

	var footer [sstableFooterSize]byte
	if _, err := r.ReadAt(footer[:], int64(footerOffset)); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint64(footer[0:8])
	indexCount := binary.LittleEndian.Uint64(footer[8:16])
	bloomBits := binary.LittleEndian.Uint64(footer[16:24])
	indexOffset := binary.LittleEndian.Uint64(footer[24:32])
	bloomOffset := binary.LittleEndian.Uint64(footer[32:40])

	// Cross-check the section layout before trusting any offset.
	if count == 0 || indexCount == 0 {
		return nil, fmt.Errorf("%w: %s: empty table", ErrCorrupt, path)
	}
	if indexOffset != sstableHeaderSize+count*EncodedEntrySize {
		return nil, fmt.Errorf("%w: %s: index offset mismatch", ErrCorrupt, path)
	}
	if bloomOffset != indexOffset+indexCount*8 {
		return nil, fmt.Errorf("%w: %s: bloom offset mismatch", ErrCorrupt, path)
	}
	if footerOffset != bloomOffset+(bloomBits+7)/8 {
		return nil, fmt.Errorf("%w: %s: section sizes disagree", ErrCorrupt, path)
	}

	indexData := make([]byte, indexCount*8)
	if _, err := r.ReadAt(indexData, int64(indexOffset)); err != nil {
		return nil, err
	}
	index := make([]indexEntry, indexCount)
	for i := range index {
		index[i] = indexEntry{
			firstKey:    binary.LittleEndian.Uint32(indexData[i*8:]),
			blockOffset: binary.LittleEndian.Uint32(indexData[i*8+4:]),
		}
	}

	bloomData := make([]byte, (bloomBits+7)/8)
	if _, err := r.ReadAt(bloomData, int64(bloomOffset)); err != nil {
		return nil, err
	}

	t := &SSTable{
		id:           id,
		path:         path,
		r:            r,
		index:        index,
		bloom:        RestoreBloomFilter(bloomData, bloomBits, count),
		count:        count,
		dataSize:     count * EncodedEntrySize,
		blockEntries: blockEntriesFromIndex(index, count),
	}

	if err := t.validateEntries(); err != nil {
		return nil, err
	}
	return t, nil
}

// blockEntriesFromIndex recovers the index granularity from the byte gap
// between consecutive block offsets. With a single block the granularity is
// the whole table.
func blockEntriesFromIndex(index []indexEntry, count uint64) int {
	if len(index) < 2 {
		return int(count)
	}
	return int(index[1].blockOffset-index[0].blockOffset) / EncodedEntrySize
}

// validateEntries scans the entry region once, checking strictly increasing
// key order and agreement with the sparse index, and records min/max keys.
func (t *SSTable) validateEntries() error {
	if t.blockEntries <= 0 {
		return fmt.Errorf("%w: %s: bad block size", ErrCorrupt, t.path)
	}
	expectIndex := (t.count + uint64(t.blockEntries) - 1) / uint64(t.blockEntries)
	if expectIndex != uint64(len(t.index)) {
		return fmt.Errorf("%w: %s: index count mismatch", ErrCorrupt, t.path)
	}
	var prev uint32
	for i := uint64(0); i < t.count; i++ {
		e, err := t.entryAt(i)
		if err != nil {
			return err
		}
		if i > 0 && e.Key <= prev {
			return fmt.Errorf("%w: %s: keys not strictly increasing", ErrCorrupt, t.path)
		}
		if i%uint64(t.blockEntries) == 0 {
			ie := t.index[i/uint64(t.blockEntries)]
			if ie.firstKey != e.Key || uint64(ie.blockOffset) != sstableHeaderSize+i*EncodedEntrySize {
				return fmt.Errorf("%w: %s: sparse index disagrees with entries", ErrCorrupt, t.path)
			}
		}
		if i == 0 {
			t.minKey = e.Key
		}
		prev = e.Key
	}
	t.maxKey = prev
	return nil
}

// entryAt reads the i-th entry from the mapped file.
func (t *SSTable) entryAt(i uint64) (Entry, error) {
	var buf [EncodedEntrySize]byte
	if _, err := t.r.ReadAt(buf[:], int64(sstableHeaderSize+i*EncodedEntrySize)); err != nil {
		return Entry{}, err
	}
	e, err := DecodeEntry(buf[:])
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %s: bad entry flag", ErrCorrupt, t.path)
	}
	return e, nil
}

// Get returns the entry for key if this table contains one (value or
// tombstone). The bloom filter short-circuits definite misses; otherwise the
// sparse index narrows the search to one block, which is scanned.
func (t *SSTable) Get(key uint32) (Entry, bool, error) {
	if key < t.minKey || key > t.maxKey {
		return Entry{}, false, nil
	}
	if !t.bloom.MayContain(key) {
		return Entry{}, false, nil
	}

	// Last block whose first key is <= key.
	blockIdx := sort.Search(len(t.index), func(i int) bool {
		return t.index[i].firstKey > key
	})
	if blockIdx == 0 {
		return Entry{}, false, nil
	}
	blockIdx--

	start := uint64(blockIdx) * uint64(t.blockEntries)
	end := start + uint64(t.blockEntries)
	if end > t.count {
		end = t.count
	}

	for i := start; i < end; i++ {
		e, err := t.entryAt(i)
		if err != nil {
			return Entry{}, false, err
		}
		if e.Key == key {
			return e, true, nil
		}
		if e.Key > key {
			break
		}
	}
	return Entry{}, false, nil
}

// MinKey returns the smallest key in the table.
func (t *SSTable) MinKey() uint32 { return t.minKey }

// MaxKey returns the largest key in the table.
func (t *SSTable) MaxKey() uint32 { return t.maxKey }

// EntryCount returns the number of entries in the table.
func (t *SSTable) EntryCount() uint64 { return t.count }

// SizeBytes returns the bytes of entry data (excluding index and footer).
func (t *SSTable) SizeBytes() uint64 { return t.dataSize }

// ID returns the table's file id.
func (t *SSTable) ID() uint64 { return t.id }

// Path returns the file path.
func (t *SSTable) Path() string { return t.path }

// Overlaps reports whether the table's key range intersects [lo, hi].
func (t *SSTable) Overlaps(lo, hi uint32) bool {
	return t.maxKey >= lo && t.minKey <= hi
}

// Retain adds a reference. Every LevelsView retains the tables it exposes.
func (t *SSTable) Retain() {
	t.refs.Add(1)
}

// Release drops a reference. When the count reaches zero the mapping is
// closed and, if the table was retired from the level set, the file is
// deleted.
func (t *SSTable) Release() {
	if t.refs.Add(-1) == 0 {
		t.r.Close()
		if t.obsolete.Load() {
			os.Remove(t.path)
		}
	}
}

// MarkObsolete schedules file deletion once the last reference is released.
func (t *SSTable) MarkObsolete() {
	t.obsolete.Store(true)
}
