package storage

import (
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MemTableMaxBytes = entryFootprint * 16 // Seal at 16 entries when no flush is in flight
	cfg.L0CompactionTrigger = 3
	cfg.LevelBaseTargetBytes = 4 * 1024
	cfg.SSTableTargetBytes = 1024
	cfg.NumLevels = 4
	cfg.CompactionPollInterval = 10 * time.Millisecond
	return cfg
}

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(dir, testConfig(), slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustGet(t *testing.T, e *Engine, key, want uint32) {
	t.Helper()
	got, found, err := e.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if !found || got != want {
		t.Fatalf("key %d: expected %d, got %d found=%v", key, want, got, found)
	}
}

func mustMiss(t *testing.T, e *Engine, key uint32) {
	t.Helper()
	_, found, err := e.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatalf("key %d: expected miss", key)
	}
}

func TestEngine_Basic(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	e.Put(1, 100)
	e.Put(2, 200)
	mustGet(t, e, 1, 100)
	mustGet(t, e, 2, 200)
	mustMiss(t, e, 3)
}

func TestEngine_OverwriteAndDelete(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	e.Put(7, 1)
	e.Put(7, 2)
	mustGet(t, e, 7, 2)

	e.Delete(7)
	mustMiss(t, e, 7)

	e.Put(7, 3)
	mustGet(t, e, 7, 3)
}

func TestEngine_Range(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	e.Put(5, 50)
	e.Put(3, 30)
	e.Put(9, 90)
	e.Put(4, 40)

	pairs, err := e.Range(3, 9)
	if err != nil {
		t.Fatal(err)
	}
	want := []KV{{3, 30}, {4, 40}, {5, 50}}
	if len(pairs) != len(want) {
		t.Fatalf("expected %v, got %v", want, pairs)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, pairs)
		}
	}
}

func TestEngine_RangeSuppressesTombstones(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	for k := uint32(1); k <= 5; k++ {
		e.Put(k, k*10)
	}
	e.Delete(3)

	pairs, err := e.Range(0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 4 {
		t.Fatalf("expected 4 live keys, got %v", pairs)
	}
	for _, kv := range pairs {
		if kv.Key == 3 {
			t.Error("deleted key 3 appeared in range")
		}
	}
}

func TestEngine_FlushAndRead(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	const n = 100
	for k := uint32(0); k < n; k++ {
		if err := e.Put(k, k+1000); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "first flush", func() bool {
		return e.Stats().Flushes >= 1
	})

	// At least one table file exists
	matches, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 {
		t.Fatal("expected .sst files after flush")
	}

	// All keys still readable after flushing
	for k := uint32(0); k < n; k++ {
		mustGet(t, e, k, k+1000)
	}
}

func TestEngine_CompactionCorrectness(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	const n = 400
	for k := uint32(0); k < n; k++ {
		if err := e.Put(k, k*2); err != nil {
			t.Fatal(err)
		}
		// No memtable is sealed while a flush is in flight, so let each
		// flush land; back-to-back puts would leave too few L0 tables to
		// reach the compaction trigger.
		waitFor(t, "flush", func() bool { return !e.Stats().Flushing })
	}

	waitFor(t, "compaction", func() bool {
		return e.Stats().Compactions >= 1
	})

	// Sampled reads all survive compaction
	for k := uint32(0); k < n; k += 7 {
		mustGet(t, e, k, k*2)
	}

	// Levels >= 1 hold pairwise disjoint key ranges
	view := e.levels.Snapshot()
	defer view.Release()
	for level := 1; level < view.NumLevels(); level++ {
		tables := view.Level(level)
		for i := 1; i < len(tables); i++ {
			if tables[i].MinKey() <= tables[i-1].MaxKey() {
				t.Errorf("L%d tables overlap: [%d,%d] and [%d,%d]", level,
					tables[i-1].MinKey(), tables[i-1].MaxKey(),
					tables[i].MinKey(), tables[i].MaxKey())
			}
		}
	}
}

func TestEngine_DeleteSurvivesFlush(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	e.Put(42, 1)
	e.Delete(42)

	// Push the tombstone through a flush with filler writes.
	for k := uint32(1000); k < 1100; k++ {
		e.Put(k, k)
	}
	waitFor(t, "flush", func() bool { return e.Stats().Flushes >= 1 })

	mustMiss(t, e, 42)
}

func TestEngine_RestartRecovers(t *testing.T) {
	dir := t.TempDir()

	e := openTestEngine(t, dir)
	const n = 200
	for k := uint32(0); k < n; k++ {
		if err := e.Put(k, k+7); err != nil {
			t.Fatal(err)
		}
	}
	e.Delete(5)
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	e = openTestEngine(t, dir)
	defer e.Close()

	for k := uint32(0); k < n; k++ {
		if k == 5 {
			mustMiss(t, e, k)
			continue
		}
		mustGet(t, e, k, k+7)
	}
}

func TestEngine_WALRecovery(t *testing.T) {
	dir := t.TempDir()

	// Simulate a crash: a WAL segment exists but was never flushed.
	wal, err := OpenWAL(walSegmentName(dir, 1), SyncAlways)
	if err != nil {
		t.Fatal(err)
	}
	wal.Append(Entry{Key: 10, Value: 100, Seq: 1})
	wal.Append(Entry{Key: 20, Value: 200, Seq: 2})
	wal.Append(Entry{Key: 10, Value: 101, Seq: 3})
	wal.Append(Entry{Key: 20, Seq: 4, Tombstone: true})
	wal.Close()

	e := openTestEngine(t, dir)
	defer e.Close()

	mustGet(t, e, 10, 101)
	mustMiss(t, e, 20)

	// Recovered segments are retired.
	paths, _, err := walSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 {
		t.Errorf("expected only the fresh active segment, got %v", paths)
	}

	// New writes continue past the recovered sequence.
	if err := e.Put(30, 300); err != nil {
		t.Fatal(err)
	}
	if e.Stats().Seq <= 4 {
		t.Errorf("sequence did not advance past recovered entries: %d", e.Stats().Seq)
	}
}

func TestEngine_Load(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	path := filepath.Join(dir, "bulk.bin")
	buf := make([]byte, 0, 10*8)
	for k := uint32(0); k < 10; k++ {
		var rec [8]byte
		binary.LittleEndian.PutUint32(rec[0:4], k)
		binary.LittleEndian.PutUint32(rec[4:8], k*k)
		buf = append(buf, rec[:]...)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	count, err := e.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if count != 10 {
		t.Errorf("expected 10 pairs, got %d", count)
	}
	mustGet(t, e, 3, 9)
	mustGet(t, e, 9, 81)
}

func TestEngine_LoadTruncated(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	// Two full pairs plus a dangling half record.
	buf := make([]byte, 0, 20)
	for k := uint32(1); k <= 2; k++ {
		var rec [8]byte
		binary.LittleEndian.PutUint32(rec[0:4], k)
		binary.LittleEndian.PutUint32(rec[4:8], k*10)
		buf = append(buf, rec[:]...)
	}
	buf = append(buf, 0xAB, 0xCD, 0xEF)

	path := filepath.Join(dir, "trunc.bin")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	count, err := e.Load(path)
	if err == nil {
		t.Fatal("expected BadLoadFile error")
	}
	if count != 2 {
		t.Errorf("expected 2 pairs ingested before the error, got %d", count)
	}
	// Partial effects stay visible.
	mustGet(t, e, 1, 10)
	mustGet(t, e, 2, 20)
}

func TestEngine_ShuttingDown(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	e.Put(1, 1)
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	if err := e.Put(2, 2); err != ErrShuttingDown {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
	if _, _, err := e.Get(1); err != ErrShuttingDown {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

func TestEngine_DirLock(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	if _, err := Open(dir, testConfig(), nil); err != ErrLocked {
		t.Errorf("expected ErrLocked for second open, got %v", err)
	}
}

func TestEngine_StatsShape(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	e.Put(1, 1)
	e.Get(1)

	st := e.Stats()
	if st.Writes != 1 || st.Reads != 1 {
		t.Errorf("expected 1 write / 1 read, got %d / %d", st.Writes, st.Reads)
	}
	if len(st.TablesPerLevel) != testConfig().NumLevels {
		t.Errorf("expected %d levels, got %d", testConfig().NumLevels, len(st.TablesPerLevel))
	}
	if st.Seq == 0 {
		t.Error("sequence should advance on writes")
	}
}

func TestEngine_RangeAcrossFlushedAndMemtable(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	// Older generation, pushed to disk.
	for k := uint32(0); k < 50; k++ {
		e.Put(k, 1)
	}
	waitFor(t, "flush", func() bool { return e.Stats().Flushes >= 1 })

	// Newer overwrites living in the memtable.
	for k := uint32(10); k < 20; k++ {
		e.Put(k, 2)
	}

	pairs, err := e.Range(0, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 50 {
		t.Fatalf("expected 50 keys, got %d", len(pairs))
	}
	for _, kv := range pairs {
		want := uint32(1)
		if kv.Key >= 10 && kv.Key < 20 {
			want = 2
		}
		if kv.Value != want {
			t.Errorf("key %d: expected %d, got %d", kv.Key, want, kv.Value)
		}
	}
	// Strictly ascending, no duplicates
	for i := 1; i < len(pairs); i++ {
		if pairs[i].Key <= pairs[i-1].Key {
			t.Errorf("range output not strictly ascending at %d", i)
		}
	}
}

func BenchmarkEngine_Put(b *testing.B) {
	cfg := DefaultConfig()
	cfg.WALSyncMode = SyncNone
	e, err := Open(b.TempDir(), cfg, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		b.Fatal(err)
	}
	defer e.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Put(uint32(i), uint32(i))
	}
}

func BenchmarkEngine_Get(b *testing.B) {
	cfg := DefaultConfig()
	cfg.WALSyncMode = SyncNone
	e, err := Open(b.TempDir(), cfg, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		b.Fatal(err)
	}
	defer e.Close()

	const keys = 100000
	for i := 0; i < keys; i++ {
		e.Put(uint32(i), uint32(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Get(uint32(i % keys))
	}
}
