package storage

import "testing"

func TestSkipList_BasicOperations(t *testing.T) {
	sl := NewSkipList()

	sl.Set(Entry{Key: 1, Value: 100, Seq: 1})
	sl.Set(Entry{Key: 2, Value: 200, Seq: 2})
	sl.Set(Entry{Key: 3, Value: 300, Seq: 3})

	if e, ok := sl.Get(1); !ok || e.Value != 100 {
		t.Errorf("expected 100, got %v, ok=%v", e.Value, ok)
	}
	if e, ok := sl.Get(2); !ok || e.Value != 200 {
		t.Errorf("expected 200, got %v, ok=%v", e.Value, ok)
	}

	// Missing key
	if _, ok := sl.Get(42); ok {
		t.Error("expected not found for missing key")
	}

	// Overwrite keeps one entry per key
	sl.Set(Entry{Key: 1, Value: 111, Seq: 4})
	if e, _ := sl.Get(1); e.Value != 111 || e.Seq != 4 {
		t.Errorf("expected overwritten entry, got %+v", e)
	}
	if sl.Count() != 3 {
		t.Errorf("expected 3 entries after overwrite, got %d", sl.Count())
	}

	// Tombstones are entries too
	sl.Set(Entry{Key: 2, Seq: 5, Tombstone: true})
	if e, ok := sl.Get(2); !ok || !e.Tombstone {
		t.Error("expected tombstone entry for key 2")
	}
}

func TestSkipList_IteratorOrder(t *testing.T) {
	sl := NewSkipList()

	// Insert in random order
	for _, k := range []uint32{30, 10, 50, 20, 40} {
		sl.Set(Entry{Key: k, Value: k * 2})
	}

	iter := sl.NewIterator()
	defer iter.Close()

	expected := []uint32{10, 20, 30, 40, 50}
	i := 0
	for iter.Next() {
		if iter.Entry().Key != expected[i] {
			t.Errorf("expected key %d at position %d, got %d", expected[i], i, iter.Entry().Key)
		}
		i++
	}
	if i != 5 {
		t.Errorf("expected 5 entries, got %d", i)
	}
}

func TestSkipList_Seek(t *testing.T) {
	sl := NewSkipList()
	for _, k := range []uint32{10, 20, 30} {
		sl.Set(Entry{Key: k})
	}

	iter := sl.NewIterator()
	defer iter.Close()

	if !iter.Seek(15) || iter.Entry().Key != 20 {
		t.Errorf("Seek(15) should land on 20, got %d", iter.Entry().Key)
	}
	if !iter.Seek(30) || iter.Entry().Key != 30 {
		t.Errorf("Seek(30) should land on 30")
	}
	if iter.Seek(31) {
		t.Error("Seek(31) should be exhausted")
	}
}

func TestSkipList_SizeGrows(t *testing.T) {
	sl := NewSkipList()
	if sl.Size() != 0 {
		t.Errorf("empty list should have size 0, got %d", sl.Size())
	}
	sl.Set(Entry{Key: 1, Value: 1})
	one := sl.Size()
	if one <= 0 {
		t.Error("size should grow after insert")
	}
	// Overwrite should not grow the footprint
	sl.Set(Entry{Key: 1, Value: 2})
	if sl.Size() != one {
		t.Errorf("overwrite changed size from %d to %d", one, sl.Size())
	}
}
