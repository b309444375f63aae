package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// buildTable writes entries to a new table file and opens it.
func buildTable(t *testing.T, dir string, id uint64, entries []Entry) *SSTable {
	t.Helper()
	path := filepath.Join(dir, "test.sst")
	builder, err := NewSSTableBuilder(path, 128, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if err := builder.Add(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := builder.Finish(); err != nil {
		t.Fatal(err)
	}
	table, err := OpenSSTable(path, id)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func seqEntries(n int) []Entry {
	entries := make([]Entry, n)
	for i := range entries {
		entries[i] = Entry{Key: uint32(i * 3), Value: uint32(i * 30)}
	}
	return entries
}

func TestSSTable_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	entries := seqEntries(1000) // Several index blocks at B=128
	table := buildTable(t, dir, 1, entries)
	defer table.Release()

	if table.EntryCount() != 1000 {
		t.Errorf("expected 1000 entries, got %d", table.EntryCount())
	}
	if table.MinKey() != 0 || table.MaxKey() != 999*3 {
		t.Errorf("bad key range [%d, %d]", table.MinKey(), table.MaxKey())
	}

	// Every key present
	for _, e := range entries {
		got, ok, err := table.Get(e.Key)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || got.Value != e.Value {
			t.Fatalf("key %d: expected %d, got %+v ok=%v", e.Key, e.Value, got, ok)
		}
	}

	// Keys between entries are definitive misses
	for _, k := range []uint32{1, 2, 4, 500, 2996} {
		if _, ok, _ := table.Get(k); ok {
			t.Errorf("key %d should be absent", k)
		}
	}
}

func TestSSTable_Tombstones(t *testing.T) {
	dir := t.TempDir()
	table := buildTable(t, dir, 1, []Entry{
		{Key: 1, Value: 10},
		{Key: 2, Tombstone: true},
		{Key: 3, Value: 30},
	})
	defer table.Release()

	e, ok, err := table.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !e.Tombstone {
		t.Error("tombstone entry should be returned as authoritative")
	}
}

func TestSSTableBuilder_NonMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.sst")
	builder, err := NewSSTableBuilder(path, 128, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	defer builder.Abort()

	if err := builder.Add(Entry{Key: 10}); err != nil {
		t.Fatal(err)
	}
	if err := builder.Add(Entry{Key: 10}); !errors.Is(err, ErrNonMonotonic) {
		t.Errorf("duplicate key: expected ErrNonMonotonic, got %v", err)
	}
	if err := builder.Add(Entry{Key: 5}); !errors.Is(err, ErrNonMonotonic) {
		t.Errorf("descending key: expected ErrNonMonotonic, got %v", err)
	}
}

func TestSSTable_IterRange(t *testing.T) {
	dir := t.TempDir()
	table := buildTable(t, dir, 1, seqEntries(300))
	defer table.Release()

	it := table.IterRange(30, 60) // keys 30,33,...,57
	defer it.Close()

	var got []uint32
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, e.Key)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 keys, got %v", got)
	}
	if got[0] != 30 || got[len(got)-1] != 57 {
		t.Errorf("bad bounds: %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Errorf("not strictly ascending: %v", got)
		}
	}
}

func TestSSTable_Iter_All(t *testing.T) {
	dir := t.TempDir()
	entries := seqEntries(257) // Crosses block boundaries
	table := buildTable(t, dir, 1, entries)
	defer table.Release()

	it := table.Iter()
	defer it.Close()

	n := 0
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		if e.Key != entries[n].Key {
			t.Fatalf("entry %d: expected key %d, got %d", n, entries[n].Key, e.Key)
		}
		n++
	}
	if n != len(entries) {
		t.Errorf("expected %d entries, got %d", len(entries), n)
	}
}

func TestOpenSSTable_Corrupt(t *testing.T) {
	dir := t.TempDir()
	table := buildTable(t, dir, 1, seqEntries(10))
	path := table.Path()
	table.Release()

	// Flip the magic
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[0] = 'X'
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSSTable(path, 1); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for bad magic, got %v", err)
	}

	// Truncated file
	short := filepath.Join(dir, "short.sst")
	if err := os.WriteFile(short, data[:20], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSSTable(short, 2); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for truncated file, got %v", err)
	}
}

func TestOpenSSTable_RejectsOutOfOrderEntries(t *testing.T) {
	dir := t.TempDir()
	table := buildTable(t, dir, 1, seqEntries(4))
	path := table.Path()
	table.Release()

	// Swap the first two entries in place (header is 8 bytes, entries 9).
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < EncodedEntrySize; i++ {
		data[8+i], data[8+EncodedEntrySize+i] = data[8+EncodedEntrySize+i], data[8+i]
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSSTable(path, 1); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for out-of-order entries, got %v", err)
	}
}
