package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
)

// SSTableBuilder writes a new SSTable file from a strictly increasing
// sequence of entries. Used by memtable flush and by compaction.
//
// File layout:
//
//	Header:  magic "LSMT" (4) + version (4)
//	Entries: N × 9 bytes (key u32 LE, flag u8, value u32 LE)
//	Index:   M × 8 bytes (first_key u32 LE, block_offset u32 LE)
//	Bloom:   ⌈m/8⌉ bytes, little-endian within each byte
//	Footer:  entry_count u64, index_count u64, bloom_bits u64,
//	         index_offset u64, bloom_offset u64 (40 bytes)
//	Trailer: footer offset u64 at EOF-8
type SSTableBuilder struct {
	file   *os.File
	writer *bufio.Writer
	path   string

	blockEntries int
	fpRate       float64

	index   []indexEntry
	keys    []uint32 // All keys, for sizing the bloom filter at finalize
	offset  uint64   // Next write position
	lastKey uint32
	minKey  uint32
	maxKey  uint32
	count   uint64
}

type indexEntry struct {
	firstKey    uint32
	blockOffset uint32
}

// NewSSTableBuilder creates a builder writing to path. blockEntries is the
// sparse index granularity (one index entry per that many entries).
func NewSSTableBuilder(path string, blockEntries int, fpRate float64) (*SSTableBuilder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create sstable: %w", err)
	}

	b := &SSTableBuilder{
		file:         file,
		writer:       bufio.NewWriterSize(file, 64*1024),
		path:         path,
		blockEntries: blockEntries,
		fpRate:       fpRate,
	}

	var header [sstableHeaderSize]byte
	copy(header[0:4], sstableMagic)
	binary.LittleEndian.PutUint32(header[4:8], sstableVersion)
	if _, err := b.writer.Write(header[:]); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	b.offset = sstableHeaderSize

	return b, nil
}

// Add appends one entry. Keys must be strictly increasing; an out-of-order
// key returns ErrNonMonotonic.
func (b *SSTableBuilder) Add(e Entry) error {
	if b.count > 0 && e.Key <= b.lastKey {
		return ErrNonMonotonic
	}
	if b.count == 0 {
		b.minKey = e.Key
	}

	// A new block starts every blockEntries entries.
	if b.count%uint64(b.blockEntries) == 0 {
		b.index = append(b.index, indexEntry{
			firstKey:    e.Key,
			blockOffset: uint32(b.offset),
		})
	}

	var buf [EncodedEntrySize]byte
	if _, err := b.writer.Write(EncodeEntry(buf[:0], e)); err != nil {
		return err
	}
	b.offset += EncodedEntrySize

	b.keys = append(b.keys, e.Key)
	b.lastKey = e.Key
	b.maxKey = e.Key
	b.count++
	return nil
}

// Count returns the number of entries added so far.
func (b *SSTableBuilder) Count() uint64 {
	return b.count
}

// SizeBytes returns the bytes of entry data written so far.
func (b *SSTableBuilder) SizeBytes() uint64 {
	return b.count * EncodedEntrySize
}

// Finish writes the sparse index, bloom filter, footer, and trailer, then
// syncs and closes the file.
func (b *SSTableBuilder) Finish() error {
	indexOffset := b.offset

	var scratch [8]byte
	for _, ie := range b.index {
		binary.LittleEndian.PutUint32(scratch[0:4], ie.firstKey)
		binary.LittleEndian.PutUint32(scratch[4:8], ie.blockOffset)
		if _, err := b.writer.Write(scratch[:]); err != nil {
			return err
		}
		b.offset += 8
	}

	// The bloom filter is sized from the exact key count so that the probe
	// count re-derived at open from (bloom_bits, entry_count) matches.
	bloom := NewBloomFilter(len(b.keys), b.fpRate)
	for _, k := range b.keys {
		bloom.Add(k)
	}
	bloomOffset := b.offset
	if _, err := b.writer.Write(bloom.Bits()); err != nil {
		return err
	}
	b.offset += uint64(len(bloom.Bits()))

	footerOffset := b.offset
	var footer [sstableFooterSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], b.count)
	binary.LittleEndian.PutUint64(footer[8:16], uint64(len(b.index)))
	binary.LittleEndian.PutUint64(footer[16:24], bloom.BitCount())
	binary.LittleEndian.PutUint64(footer[24:32], indexOffset)
	binary.LittleEndian.PutUint64(footer[32:40], bloomOffset)
	if _, err := b.writer.Write(footer[:]); err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(scratch[:8], footerOffset)
	if _, err := b.writer.Write(scratch[:8]); err != nil {
		return err
	}

	if err := b.writer.Flush(); err != nil {
		return err
	}
	if err := b.file.Sync(); err != nil {
		return err
	}
	return b.file.Close()
}

// Abort closes and deletes the partially written file.
func (b *SSTableBuilder) Abort() error {
	b.file.Close()
	return os.Remove(b.path)
}

// Path returns the file path.
func (b *SSTableBuilder) Path() string {
	return b.path
}
