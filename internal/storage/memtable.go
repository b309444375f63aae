package storage

import (
	"sync/atomic"
)

// MemTable is an in-memory buffer of recent writes, ordered by key.
// It wraps a skip list and tracks size for flush threshold decisions.
// At most one entry exists per key; the newest observation wins.
type MemTable struct {
	sl     *SkipList
	id     uint64      // Unique ID, shared with the memtable's WAL segment
	frozen atomic.Bool // Whether this memtable is sealed (no more writes)
}

// NewMemTable creates a new memtable. id ties the memtable to its WAL segment
// so recovery can replay segments in creation order.
func NewMemTable(id uint64) *MemTable {
	return &MemTable{
		sl: NewSkipList(),
		id: id,
	}
}

// Put inserts or overwrites a key-value pair.
// Returns an error if the memtable is sealed.
func (m *MemTable) Put(key, value uint32, seq uint64) error {
	if m.frozen.Load() {
		return ErrMemTableFrozen
	}
	m.sl.Set(Entry{Key: key, Value: value, Seq: seq})
	return nil
}

// Delete inserts a tombstone for key, shadowing any older value.
func (m *MemTable) Delete(key uint32, seq uint64) error {
	if m.frozen.Load() {
		return ErrMemTableFrozen
	}
	m.sl.Set(Entry{Key: key, Seq: seq, Tombstone: true})
	return nil
}

// Get returns the entry for key (value or tombstone) and whether one exists.
func (m *MemTable) Get(key uint32) (Entry, bool) {
	return m.sl.Get(key)
}

// Size returns the approximate memory usage in bytes.
func (m *MemTable) Size() int64 {
	return m.sl.Size()
}

// Count returns the number of entries (including tombstones).
func (m *MemTable) Count() int64 {
	return m.sl.Count()
}

// ID returns the identifier shared with this memtable's WAL segment.
func (m *MemTable) ID() uint64 {
	return m.id
}

// Freeze seals the memtable. No more writes allowed.
func (m *MemTable) Freeze() {
	m.frozen.Store(true)
}

// IsFrozen returns whether the memtable is sealed.
func (m *MemTable) IsFrozen() bool {
	return m.frozen.Load()
}

// Entries returns all entries in ascending key order (for flushing).
// The memtable should be frozen before calling this.
func (m *MemTable) Entries() []Entry {
	entries := make([]Entry, 0, m.sl.Count())
	iter := m.sl.NewIterator()
	defer iter.Close()

	for iter.Next() {
		entries = append(entries, iter.Entry())
	}
	return entries
}

// memTableRangeIter yields entries with key in [lo, hi) in ascending order.
// It holds the skip list's read lock until Close; the caller's request bounds
// its lifetime.
type memTableRangeIter struct {
	it     *Iterator
	hi     uint32
	primed bool
	done   bool
}

// IterRange returns an iterator over entries with key in [lo, hi).
func (m *MemTable) IterRange(lo, hi uint32) EntryIterator {
	it := m.sl.NewIterator()
	ri := &memTableRangeIter{it: it, hi: hi}
	if !it.Seek(lo) {
		ri.done = true
	} else {
		ri.primed = true
	}
	return ri
}

func (r *memTableRangeIter) Next() (Entry, bool) {
	if r.done {
		return Entry{}, false
	}
	if r.primed {
		r.primed = false
	} else if !r.it.Next() {
		r.done = true
		return Entry{}, false
	}
	e := r.it.Entry()
	if e.Key >= r.hi {
		r.done = true
		return Entry{}, false
	}
	return e, true
}

func (r *memTableRangeIter) Close() {
	r.it.Close()
}
