package storage

import "container/heap"

// mergeSource pairs an iterator with its recency rank. Lower rank means
// newer data: the mutable memtable is rank 0, the flushing memtable rank 1,
// then L0 tables newest first, then deeper levels.
type mergeSource struct {
	entry Entry
	it    EntryIterator
	rank  int
}

type mergeHeap []mergeSource

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].entry.Key != h[j].entry.Key {
		return h[i].entry.Key < h[j].entry.Key
	}
	// Equal keys: the newer source wins.
	return h[i].rank < h[j].rank
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeSource)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// MergeIterator performs a k-way merge over ordered entry sequences,
// emitting exactly one entry per key: the one from the newest source.
// Shadowed duplicates are consumed and dropped. Tombstones are emitted;
// callers decide whether to suppress or preserve them.
type MergeIterator struct {
	h       mergeHeap
	sources []EntryIterator
}

// NewMergeIterator builds a merger over its, which must be ordered newest
// first. Ownership of the iterators transfers; Close closes them all.
func NewMergeIterator(its []EntryIterator) *MergeIterator {
	m := &MergeIterator{sources: its}
	for rank, it := range its {
		if e, ok := it.Next(); ok {
			m.h = append(m.h, mergeSource{entry: e, it: it, rank: rank})
		}
	}
	heap.Init(&m.h)
	return m
}

// Next returns the winning entry for the smallest remaining key.
func (m *MergeIterator) Next() (Entry, bool) {
	if m.h.Len() == 0 {
		return Entry{}, false
	}

	src := heap.Pop(&m.h).(mergeSource)
	winner := src.entry
	m.advance(src)

	// Consume older shadows of the same key.
	for m.h.Len() > 0 && m.h[0].entry.Key == winner.Key {
		dup := heap.Pop(&m.h).(mergeSource)
		m.advance(dup)
	}

	return winner, true
}

func (m *MergeIterator) advance(src mergeSource) {
	if e, ok := src.it.Next(); ok {
		src.entry = e
		heap.Push(&m.h, src)
	}
}

// Close closes all underlying iterators.
func (m *MergeIterator) Close() {
	for _, it := range m.sources {
		it.Close()
	}
}
