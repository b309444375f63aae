package storage

import "testing"

func TestMemTable_BasicOperations(t *testing.T) {
	mt := NewMemTable(1)

	mt.Put(7, 70, 1)
	if e, ok := mt.Get(7); !ok || e.Value != 70 {
		t.Errorf("expected 70, got %+v ok=%v", e, ok)
	}

	mt.Delete(7, 2)
	e, ok := mt.Get(7)
	if !ok || !e.Tombstone {
		t.Error("expected tombstone after delete")
	}

	mt.Put(7, 71, 3)
	if e, _ := mt.Get(7); e.Tombstone || e.Value != 71 {
		t.Errorf("expected live value 71 after re-put, got %+v", e)
	}
}

func TestMemTable_Freeze(t *testing.T) {
	mt := NewMemTable(1)
	mt.Put(1, 1, 1)
	mt.Freeze()

	if err := mt.Put(2, 2, 2); err != ErrMemTableFrozen {
		t.Errorf("expected ErrMemTableFrozen, got %v", err)
	}
	if err := mt.Delete(1, 3); err != ErrMemTableFrozen {
		t.Errorf("expected ErrMemTableFrozen, got %v", err)
	}

	// Reads still work
	if _, ok := mt.Get(1); !ok {
		t.Error("frozen memtable should still serve reads")
	}
}

func TestMemTable_Entries_Sorted(t *testing.T) {
	mt := NewMemTable(1)
	for i, k := range []uint32{9, 3, 5, 1} {
		mt.Put(k, k*10, uint64(i+1))
	}
	mt.Delete(5, 5)

	entries := mt.Entries()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	expect := []uint32{1, 3, 5, 9}
	for i, e := range entries {
		if e.Key != expect[i] {
			t.Errorf("entry %d: expected key %d, got %d", i, expect[i], e.Key)
		}
	}
	if !entries[2].Tombstone {
		t.Error("key 5 should be a tombstone")
	}
}

func TestMemTable_IterRange(t *testing.T) {
	mt := NewMemTable(1)
	for _, k := range []uint32{1, 3, 5, 7, 9} {
		mt.Put(k, k, 1)
	}

	it := mt.IterRange(3, 8)
	defer it.Close()

	var got []uint32
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, e.Key)
	}
	want := []uint32{3, 5, 7}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestMemTable_IterRange_Empty(t *testing.T) {
	mt := NewMemTable(1)
	mt.Put(10, 10, 1)

	it := mt.IterRange(11, 20)
	defer it.Close()
	if _, ok := it.Next(); ok {
		t.Error("expected empty range")
	}
}
