package storage

import "sort"

// EntryIterator is the ordered-sequence contract shared by the memtable, the
// flushing memtable, and SSTables. Next returns entries in strictly
// ascending key order until exhausted. Iterators are finite and not
// restartable.
type EntryIterator interface {
	Next() (Entry, bool)
	Close()
}

// sstableIter yields a table's entries in ascending key order, reading the
// mapped file block by block. With bounded=true it stops at keys >= hi.
type sstableIter struct {
	t       *SSTable
	pos     uint64
	hi      uint32
	bounded bool
	err     error
}

// Iter returns an iterator over every entry in the table (used by
// compaction). The iterator holds a table reference until Close.
func (t *SSTable) Iter() EntryIterator {
	t.Retain()
	return &sstableIter{t: t}
}

// IterRange returns an iterator over entries with key in [lo, hi).
// It positions at the first block that can contain a key >= lo.
func (t *SSTable) IterRange(lo, hi uint32) EntryIterator {
	t.Retain()
	it := &sstableIter{t: t, hi: hi, bounded: true}

	// Last block whose first key is <= lo; earlier blocks cannot contain lo.
	blockIdx := sort.Search(len(t.index), func(i int) bool {
		return t.index[i].firstKey > lo
	})
	if blockIdx > 0 {
		blockIdx--
	}
	it.pos = uint64(blockIdx) * uint64(t.blockEntries)

	// Skip entries below lo within the starting block.
	for it.pos < t.count {
		e, err := t.entryAt(it.pos)
		if err != nil {
			it.err = err
			break
		}
		if e.Key >= lo {
			break
		}
		it.pos++
	}
	return it
}

func (it *sstableIter) Next() (Entry, bool) {
	if it.err != nil || it.pos >= it.t.count {
		return Entry{}, false
	}
	e, err := it.t.entryAt(it.pos)
	if err != nil {
		it.err = err
		return Entry{}, false
	}
	if it.bounded && e.Key >= it.hi {
		it.pos = it.t.count
		return Entry{}, false
	}
	it.pos++
	return e, true
}

func (it *sstableIter) Close() {
	it.t.Release()
}
