package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures the engine.
type Config struct {
	// MemTableMaxBytes is the flush threshold for the mutable memtable.
	MemTableMaxBytes int64
	// NumLevels is the number of on-disk levels (L0..Ln-1).
	NumLevels int
	// L0CompactionTrigger is the L0 table count that triggers compaction.
	L0CompactionTrigger int
	// LevelBaseTargetBytes is the base size B: level i targets B times
	// LevelSizeRatio^i bytes. Matches the L0 per-table (memtable) size.
	LevelBaseTargetBytes uint64
	// LevelSizeRatio is the size ratio between adjacent levels.
	LevelSizeRatio uint64
	// SSTableTargetBytes bounds individual tables produced by compaction.
	SSTableTargetBytes uint64
	// BlockEntries is the sparse index granularity.
	BlockEntries int
	// BloomFPRate is the bloom filter false positive rate per table.
	BloomFPRate float64
	// WALSyncMode determines when WAL appends are fsynced.
	WALSyncMode SyncMode
	// CompactionPollInterval bounds how long the compactor sleeps between
	// checks when not nudged.
	CompactionPollInterval time.Duration
	// ManifestRewriteBytes triggers a manifest rewrite past this size.
	ManifestRewriteBytes int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MemTableMaxBytes:       1 << 20, // 1 MiB
		NumLevels:              7,
		L0CompactionTrigger:    4,
		LevelBaseTargetBytes:   1 << 20, // Matches MemTableMaxBytes
		LevelSizeRatio:         10,
		SSTableTargetBytes:     2 << 20, // 2 MiB
		BlockEntries:           128,
		BloomFPRate:            0.01,
		WALSyncMode:            SyncBatch,
		CompactionPollInterval: time.Second,
		ManifestRewriteBytes:   1 << 20,
	}
}

type engineStats struct {
	writes       atomic.Int64
	reads        atomic.Int64
	flushes      atomic.Int64
	compactions  atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

// Stats is a point-in-time snapshot of engine statistics.
type Stats struct {
	MemTableBytes   int64
	MemTableEntries int64
	Flushing        bool
	TablesPerLevel  []int
	EntriesPerLevel []uint64
	Seq             uint64
	Writes          int64
	Reads           int64
	Flushes         int64
	Compactions     int64
	BytesRead       int64
	BytesWritten    int64
}

// KV is one key-value result of a range scan.
type KV struct {
	Key   uint32
	Value uint32
}

// Engine is the storage facade: it owns the memtables, the WAL, the level
// set, and the background flush and compaction workers, and serves the
// point and range operations consumed by the network layer.
type Engine struct {
	mu  sync.RWMutex // Guards mem/imm pointers and the active WAL
	mem *MemTable
	imm *MemTable // Sealed memtable being flushed, nil when none

	wal    *WAL
	immWAL *WAL

	levels    *LevelManager
	manifest  *Manifest
	compactor *Compactor

	cfg     Config
	dataDir string
	log     *slog.Logger

	seq    atomic.Uint64
	nextID atomic.Uint64 // Shared id space for memtables/WAL segments/tables

	lock *os.File

	flushChan chan struct{}
	closeChan chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool

	stats engineStats
}

// Open creates or opens an engine at dataDir. The manifest is replayed to
// rebuild the level set, WAL segments are replayed and flushed, and the
// background workers are started. Corruption here is fatal to startup.
func Open(dataDir string, cfg Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock, err := acquireDirLock(dataDir)
	if err != nil {
		return nil, err
	}

	manifest, state, err := OpenManifest(dataDir)
	if err != nil {
		releaseDirLock(lock)
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}

	e := &Engine{
		levels:    NewLevelManager(cfg.NumLevels, cfg.L0CompactionTrigger, cfg.LevelBaseTargetBytes, cfg.LevelSizeRatio),
		manifest:  manifest,
		cfg:       cfg,
		dataDir:   dataDir,
		log:       log,
		lock:      lock,
		flushChan: make(chan struct{}, 1),
		closeChan: make(chan struct{}),
	}
	e.seq.Store(state.Seq)
	e.nextID.Store(state.MaxID + 1)

	if err := e.loadTables(state); err != nil {
		e.levels.CloseAll()
		manifest.Close()
		releaseDirLock(lock)
		return nil, err
	}

	if err := e.recoverWAL(); err != nil {
		e.levels.CloseAll()
		manifest.Close()
		releaseDirLock(lock)
		return nil, err
	}

	id := e.nextID.Add(1)
	e.mem = NewMemTable(id)
	e.wal, err = OpenWAL(walSegmentName(dataDir, id), cfg.WALSyncMode)
	if err != nil {
		e.levels.CloseAll()
		manifest.Close()
		releaseDirLock(lock)
		return nil, err
	}

	e.compactor = newCompactor(e.levels, manifest, dataDir, cfg, log, &e.stats, func() uint64 {
		return e.nextID.Add(1)
	})

	e.wg.Add(1)
	go e.flushWorker()
	go e.compactor.run()

	e.compactor.Nudge()
	log.Info("engine opened", "dir", dataDir, "tables", len(state.Adds), "seq", state.Seq)
	return e, nil
}

// loadTables opens every table named by the manifest, in chronological add
// order so L0 recency is preserved.
func (e *Engine) loadTables(state ManifestState) error {
	for _, a := range state.Adds {
		t, err := OpenSSTable(sstablePath(e.dataDir, a.ID), a.ID)
		if err != nil {
			return fmt.Errorf("failed to open table %d: %w", a.ID, err)
		}
		e.levels.Add(a.Level, t)
	}
	return nil
}

// recoverWAL replays surviving segments in id order into a fresh memtable,
// flushes it to L0 if non-empty, and removes the segments. A later record
// for the same key wins only if its sequence is newer.
func (e *Engine) recoverWAL() error {
	paths, ids, err := walSegments(e.dataDir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}

	id := e.nextID.Add(1)
	mt := NewMemTable(id)
	maxSeq := e.seq.Load()

	for _, path := range paths {
		entries, err := ReplayWAL(path)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if prev, ok := mt.Get(entry.Key); ok && prev.Seq > entry.Seq {
				continue
			}
			mt.sl.Set(entry)
			if entry.Seq > maxSeq {
				maxSeq = entry.Seq
			}
		}
	}
	e.seq.Store(maxSeq)
	for _, segID := range ids {
		if segID >= e.nextID.Load() {
			e.nextID.Store(segID + 1)
		}
	}

	if mt.Count() > 0 {
		e.log.Info("recovered WAL entries", "segments", len(paths), "entries", mt.Count())
		mt.Freeze()
		if _, err := e.flushMemTable(mt); err != nil {
			return err
		}
	}

	for _, path := range paths {
		os.Remove(path)
	}
	return nil
}

// Put inserts or overwrites a key. The WAL append happens before the
// memtable insert; a Put that returns nil is durable per the sync mode and
// visible to all subsequent Gets.
func (e *Engine) Put(key, value uint32) error {
	if e.closed.Load() {
		return ErrShuttingDown
	}

	e.mu.Lock()
	seq := e.seq.Add(1)
	entry := Entry{Key: key, Value: value, Seq: seq}
	if err := e.wal.Append(entry); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("WAL append failed: %w", err)
	}
	e.mem.Put(key, value, seq)
	e.maybeRotateLocked()
	e.mu.Unlock()

	e.stats.writes.Add(1)
	return nil
}

// Delete inserts a tombstone for key.
func (e *Engine) Delete(key uint32) error {
	if e.closed.Load() {
		return ErrShuttingDown
	}

	e.mu.Lock()
	seq := e.seq.Add(1)
	entry := Entry{Key: key, Seq: seq, Tombstone: true}
	if err := e.wal.Append(entry); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("WAL append failed: %w", err)
	}
	e.mem.Delete(key, seq)
	e.maybeRotateLocked()
	e.mu.Unlock()

	e.stats.writes.Add(1)
	return nil
}

// maybeRotateLocked seals the memtable once it crosses the flush threshold
// and schedules the flush. At most one sealed memtable exists at a time; if
// the flusher is behind, writes keep landing in the oversized memtable.
func (e *Engine) maybeRotateLocked() {
	if e.mem.Size() < e.cfg.MemTableMaxBytes || e.imm != nil {
		return
	}

	id := e.nextID.Add(1)
	wal, err := OpenWAL(walSegmentName(e.dataDir, id), e.cfg.WALSyncMode)
	if err != nil {
		e.log.Error("failed to rotate WAL, delaying flush", "err", err)
		return
	}

	e.mem.Freeze()
	e.imm = e.mem
	e.immWAL = e.wal
	e.mem = NewMemTable(id)
	e.wal = wal

	select {
	case e.flushChan <- struct{}{}:
	default:
	}
}

// Get returns the value for key. The memtable and the flushing memtable are
// consulted first; then L0 newest-first, then one table per deeper level.
// The first authoritative entry (value or tombstone) wins.
func (e *Engine) Get(key uint32) (uint32, bool, error) {
	if e.closed.Load() {
		return 0, false, ErrShuttingDown
	}
	e.stats.reads.Add(1)

	e.mu.RLock()
	if entry, ok := e.mem.Get(key); ok {
		e.mu.RUnlock()
		return entry.Value, !entry.Tombstone, nil
	}
	if e.imm != nil {
		if entry, ok := e.imm.Get(key); ok {
			e.mu.RUnlock()
			return entry.Value, !entry.Tombstone, nil
		}
	}
	e.mu.RUnlock()

	view := e.levels.Snapshot()
	defer view.Release()

	// L0 tables may overlap; probe newest first.
	for _, t := range view.Level(0) {
		entry, ok, err := t.Get(key)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return entry.Value, !entry.Tombstone, nil
		}
	}

	// Deeper levels are disjoint: at most one table per level can hold key.
	for level := 1; level < view.NumLevels(); level++ {
		tables := view.Level(level)
		idx := sort.Search(len(tables), func(i int) bool {
			return tables[i].MaxKey() >= key
		})
		if idx >= len(tables) || tables[idx].MinKey() > key {
			continue
		}
		entry, ok, err := tables[idx].Get(key)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return entry.Value, !entry.Tombstone, nil
		}
	}

	return 0, false, nil
}

// Range returns all live key-value pairs with key in [lo, hi) in ascending
// key order. Tombstoned keys and shadowed duplicates are suppressed.
func (e *Engine) Range(lo, hi uint32) ([]KV, error) {
	if e.closed.Load() {
		return nil, ErrShuttingDown
	}
	if lo >= hi {
		return nil, nil
	}
	e.stats.reads.Add(1)

	var its []EntryIterator

	e.mu.RLock()
	its = append(its, e.mem.IterRange(lo, hi))
	if e.imm != nil {
		its = append(its, e.imm.IterRange(lo, hi))
	}
	e.mu.RUnlock()

	view := e.levels.Snapshot()
	for _, t := range view.Level(0) {
		if t.Overlaps(lo, hi-1) {
			its = append(its, t.IterRange(lo, hi))
		}
	}
	for level := 1; level < view.NumLevels(); level++ {
		for _, t := range view.Level(level) {
			if t.Overlaps(lo, hi-1) {
				its = append(its, t.IterRange(lo, hi))
			}
		}
	}
	// Each iterator holds its own table reference; the view itself is no
	// longer needed.
	view.Release()

	merger := NewMergeIterator(its)
	defer merger.Close()

	var out []KV
	for {
		entry, ok := merger.Next()
		if !ok {
			break
		}
		if entry.Tombstone {
			continue
		}
		out = append(out, KV{Key: entry.Key, Value: entry.Value})
	}
	return out, nil
}

// Load ingests a binary file of (key u32 LE, value u32 LE) pairs as ordinary
// Puts. Returns the number of pairs ingested. A truncated or unreadable file
// yields ErrBadLoadFile; pairs already ingested remain visible.
func (e *Engine) Load(path string) (int, error) {
	if e.closed.Load() {
		return 0, ErrShuttingDown
	}

	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadLoadFile, err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 64*1024)
	count := 0
	var rec [8]byte
	for {
		_, err := io.ReadFull(reader, rec[:])
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("%w: truncated at pair %d", ErrBadLoadFile, count)
		}
		key := binary.LittleEndian.Uint32(rec[0:4])
		value := binary.LittleEndian.Uint32(rec[4:8])
		if err := e.Put(key, value); err != nil {
			return count, err
		}
		count++
	}
}

// Stats returns a snapshot of engine statistics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	memBytes := e.mem.Size()
	memEntries := e.mem.Count()
	flushing := e.imm != nil
	e.mu.RUnlock()

	return Stats{
		MemTableBytes:   memBytes,
		MemTableEntries: memEntries,
		Flushing:        flushing,
		TablesPerLevel:  e.levels.TableCounts(),
		EntriesPerLevel: e.levels.EntryCounts(),
		Seq:             e.seq.Load(),
		Writes:          e.stats.writes.Load(),
		Reads:           e.stats.reads.Load(),
		Flushes:         e.stats.flushes.Load(),
		Compactions:     e.stats.compactions.Load(),
		BytesRead:       e.stats.bytesRead.Load(),
		BytesWritten:    e.stats.bytesWritten.Load(),
	}
}

// flushWorker materializes sealed memtables as L0 tables.
func (e *Engine) flushWorker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.closeChan:
			return
		case <-e.flushChan:
			e.flushImm()
		}
	}
}

// flushImm flushes the sealed memtable, commits it to the manifest and the
// level set, then retires its WAL segment. On failure the memtable is kept
// and the flush retried on the next signal.
func (e *Engine) flushImm() {
	e.mu.RLock()
	imm := e.imm
	immWAL := e.immWAL
	e.mu.RUnlock()
	if imm == nil {
		return
	}

	if _, err := e.flushMemTable(imm); err != nil {
		e.log.Error("flush failed, will retry", "err", err)
		time.Sleep(time.Second)
		select {
		case e.flushChan <- struct{}{}:
		default:
		}
		return
	}

	e.mu.Lock()
	e.imm = nil
	e.immWAL = nil
	e.mu.Unlock()

	if immWAL != nil {
		immWAL.Remove()
	}

	e.maybeRewriteManifest()
	e.compactor.Nudge()
}

// flushMemTable writes a sealed memtable as an L0 table and publishes it.
func (e *Engine) flushMemTable(mt *MemTable) (*SSTable, error) {
	entries := mt.Entries()
	if len(entries) == 0 {
		return nil, nil
	}

	id := e.nextID.Add(1)
	path := sstablePath(e.dataDir, id)

	builder, err := NewSSTableBuilder(path, e.cfg.BlockEntries, e.cfg.BloomFPRate)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if err := builder.Add(entry); err != nil {
			builder.Abort()
			return nil, err
		}
	}
	if err := builder.Finish(); err != nil {
		builder.Abort()
		return nil, err
	}
	e.stats.bytesWritten.Add(int64(len(entries) * EncodedEntrySize))

	t, err := OpenSSTable(path, id)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	if err := e.manifest.LogFlush(id, e.seq.Load()); err != nil {
		t.Release()
		os.Remove(path)
		return nil, err
	}

	e.levels.Add(0, t)
	e.stats.flushes.Add(1)
	e.log.Info("memtable flushed", "table", id, "entries", len(entries))
	return t, nil
}

// maybeRewriteManifest compacts the manifest once it grows past the
// configured threshold.
func (e *Engine) maybeRewriteManifest() {
	if e.manifest.Size() < e.cfg.ManifestRewriteBytes {
		return
	}
	if err := e.manifest.Rewrite(e.levels.TablesAt(), e.seq.Load()); err != nil {
		e.log.Error("manifest rewrite failed", "err", err)
	}
}

// Close drains the engine: new operations are rejected, the active memtable
// is flushed, the compactor quiesces, and final state is persisted.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	// Stop workers before the final flush so nothing races the shutdown
	// path.
	close(e.closeChan)
	e.wg.Wait()
	close(e.compactor.stop)
	<-e.compactor.done

	var firstErr error

	// Flush the sealed memtable first (it is older), then the active one.
	e.mu.Lock()
	imm, immWAL := e.imm, e.immWAL
	mem, wal := e.mem, e.wal
	e.imm, e.immWAL = nil, nil
	e.mu.Unlock()

	if imm != nil {
		if _, err := e.flushMemTable(imm); err != nil {
			firstErr = err
		} else if immWAL != nil {
			immWAL.Remove()
		}
	}

	mem.Freeze()
	if mem.Count() > 0 {
		if _, err := e.flushMemTable(mem); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			wal.Remove()
			wal = nil
		}
	}
	if wal != nil {
		wal.Sync()
		wal.Close()
	}

	if err := e.manifest.LogSeq(e.seq.Load()); err != nil && firstErr == nil {
		firstErr = err
	}

	e.levels.CloseAll()
	if err := e.manifest.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	releaseDirLock(e.lock)

	e.log.Info("engine closed", "seq", e.seq.Load())
	return firstErr
}
