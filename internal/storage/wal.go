package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/golang/snappy"
)

// WAL (Write-Ahead Log) provides durability for memtable writes.
// Every accepted PUT/DELETE is appended here before the memtable insert is
// acknowledged. Each memtable has its own segment (wal-<id>.log); the
// segment is removed once the memtable lands as an L0 table.
//
// Record format:
//   - CRC32 of the compressed payload (4 bytes)
//   - Compressed payload length (4 bytes)
//   - Payload, snappy-compressed: seq u64, key u32, flag u8, value u32
type WAL struct {
	file     *os.File
	writer   *bufio.Writer
	path     string
	mu       sync.Mutex
	size     int64
	syncMode SyncMode
}

// SyncMode determines when WAL writes are synced to disk.
type SyncMode int

const (
	// SyncNone - no explicit sync (fastest, least durable)
	SyncNone SyncMode = iota
	// SyncBatch - sync at flush boundaries and shutdown
	SyncBatch
	// SyncAlways - fsync after every append (slowest, most durable)
	SyncAlways
)

const walPayloadSize = 17 // seq u64 + key u32 + flag u8 + value u32

// walSegmentName returns the segment file name for a memtable id.
func walSegmentName(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%06d.log", id))
}

// OpenWAL opens or creates a WAL segment.
func OpenWAL(path string, mode SyncMode) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriterSize(file, 64*1024),
		path:     path,
		size:     info.Size(),
		syncMode: mode,
	}, nil
}

// Append writes one entry record. The record reaches the OS before Append
// returns; whether it also reaches the platter depends on the sync mode.
func (w *WAL) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var payload [walPayloadSize]byte
	binary.LittleEndian.PutUint64(payload[0:8], e.Seq)
	binary.LittleEndian.PutUint32(payload[8:12], e.Key)
	if e.Tombstone {
		payload[12] = flagTombstone
	}
	binary.LittleEndian.PutUint32(payload[13:17], e.Value)

	compressed := snappy.Encode(nil, payload[:])

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], crc32.ChecksumIEEE(compressed))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(compressed)))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(compressed); err != nil {
		return err
	}
	w.size += int64(len(header) + len(compressed))

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if w.syncMode == SyncAlways {
		return w.file.Sync()
	}
	return nil
}

// Sync flushes and fsyncs the segment.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Size returns the current segment size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close flushes and closes the segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Remove closes and deletes the segment (called after the memtable it
// covers has been flushed to an L0 table).
func (w *WAL) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	return os.Remove(w.path)
}

// ReplayWAL reads all intact records from a segment. A torn or corrupt tail
// ends replay silently: those records were never acknowledged.
func ReplayWAL(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var entries []Entry

	for {
		var header [8]byte
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			break
		}
		checksum := binary.LittleEndian.Uint32(header[0:4])
		length := binary.LittleEndian.Uint32(header[4:8])
		if length == 0 || int(length) > snappy.MaxEncodedLen(walPayloadSize) {
			break
		}

		compressed := make([]byte, length)
		if _, err := io.ReadFull(reader, compressed); err != nil {
			break
		}
		if crc32.ChecksumIEEE(compressed) != checksum {
			break
		}

		payload, err := snappy.Decode(nil, compressed)
		if err != nil || len(payload) != walPayloadSize {
			break
		}

		entries = append(entries, Entry{
			Seq:       binary.LittleEndian.Uint64(payload[0:8]),
			Key:       binary.LittleEndian.Uint32(payload[8:12]),
			Tombstone: payload[12] == flagTombstone,
			Value:     binary.LittleEndian.Uint32(payload[13:17]),
		})
	}

	return entries, nil
}

// walSegments lists existing segment paths under dir in ascending id order.
func walSegments(dir string) ([]string, []uint64, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if err != nil {
		return nil, nil, err
	}

	type seg struct {
		path string
		id   uint64
	}
	var segs []seg
	for _, path := range matches {
		var id uint64
		if _, err := fmt.Sscanf(filepath.Base(path), "wal-%d.log", &id); err != nil {
			continue
		}
		segs = append(segs, seg{path: path, id: id})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })

	paths := make([]string, len(segs))
	ids := make([]uint64, len(segs))
	for i, s := range segs {
		paths[i] = s.path
		ids[i] = s.id
	}
	return paths, ids, nil
}
