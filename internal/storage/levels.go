package storage

import (
	"sort"
	"sync"
)

// LevelsView is an immutable snapshot of the live SSTable set. L0 tables are
// ordered newest first; deeper levels are sorted by key range and pairwise
// disjoint. The view retains a reference on every table it exposes, so
// concurrent compaction can never delete a file out from under a reader.
type LevelsView struct {
	levels [][]*SSTable
}

// Level returns the tables at the given level.
func (v *LevelsView) Level(i int) []*SSTable {
	return v.levels[i]
}

// NumLevels returns the number of levels in the view.
func (v *LevelsView) NumLevels() int {
	return len(v.levels)
}

// Release drops the view's reference on every table. After Release the view
// must not be used.
func (v *LevelsView) Release() {
	for _, level := range v.levels {
		for _, t := range level {
			t.Release()
		}
	}
}

// CompactionJob describes one unit of compaction work: merge inputs and
// replace them with new tables at dstLevel.
type CompactionJob struct {
	srcLevel  int
	dstLevel  int
	srcTables []*SSTable // From srcLevel, newest first
	dstTables []*SSTable // Overlapping tables already at dstLevel
	bottom    bool       // Tombstones may be dropped
}

// Inputs returns all input tables ordered newest first, which is the rank
// order the merge heap expects.
func (j *CompactionJob) Inputs() []*SSTable {
	inputs := make([]*SSTable, 0, len(j.srcTables)+len(j.dstTables))
	inputs = append(inputs, j.srcTables...)
	inputs = append(inputs, j.dstTables...)
	return inputs
}

// LevelManager owns the canonical set of live SSTables. The mutex guards
// only pointer swaps and bookkeeping; read work happens against snapshots.
type LevelManager struct {
	mu     sync.Mutex
	levels [][]*SSTable

	l0Trigger  int
	baseTarget uint64
	sizeRatio  uint64

	// Round-robin cursors for trigger-2 picks, one per level.
	cursors []uint32
}

// NewLevelManager creates a manager with numLevels empty levels.
func NewLevelManager(numLevels, l0Trigger int, baseTarget, sizeRatio uint64) *LevelManager {
	levels := make([][]*SSTable, numLevels)
	for i := range levels {
		levels[i] = make([]*SSTable, 0)
	}
	return &LevelManager{
		levels:     levels,
		l0Trigger:  l0Trigger,
		baseTarget: baseTarget,
		sizeRatio:  sizeRatio,
		cursors:    make([]uint32, numLevels),
	}
}

// NumLevels returns the configured level count.
func (lm *LevelManager) NumLevels() int {
	return len(lm.levels)
}

// Add registers a table. L0 tables are prepended (newest first); deeper
// levels are kept sorted by min key. The manager takes over the caller's
// reference.
func (lm *LevelManager) Add(level int, t *SSTable) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.addLocked(level, t)
}

func (lm *LevelManager) addLocked(level int, t *SSTable) {
	if level == 0 {
		lm.levels[0] = append([]*SSTable{t}, lm.levels[0]...)
		return
	}
	tables := append(lm.levels[level], t)
	sort.Slice(tables, func(i, j int) bool {
		return tables[i].MinKey() < tables[j].MinKey()
	})
	lm.levels[level] = tables
}

// Snapshot returns a consistent view of the current table set. The caller
// must Release it when done.
func (lm *LevelManager) Snapshot() *LevelsView {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	levels := make([][]*SSTable, len(lm.levels))
	for i, level := range lm.levels {
		levels[i] = make([]*SSTable, len(level))
		copy(levels[i], level)
		for _, t := range level {
			t.Retain()
		}
	}
	return &LevelsView{levels: levels}
}

// ApplyCompaction atomically removes the job's input tables and installs the
// outputs at the destination level. Removed tables are marked obsolete and
// their files are deleted once the last in-flight reader releases them.
func (lm *LevelManager) ApplyCompaction(job *CompactionJob, outputs []*SSTable) {
	lm.mu.Lock()
	removed := append(append([]*SSTable{}, job.srcTables...), job.dstTables...)
	lm.removeLocked(job.srcLevel, job.srcTables)
	lm.removeLocked(job.dstLevel, job.dstTables)
	for _, t := range outputs {
		lm.addLocked(job.dstLevel, t)
	}
	lm.mu.Unlock()

	for _, t := range removed {
		t.MarkObsolete()
		t.Release()
	}
}

func (lm *LevelManager) removeLocked(level int, gone []*SSTable) {
	if len(gone) == 0 {
		return
	}
	ids := make(map[uint64]bool, len(gone))
	for _, t := range gone {
		ids[t.ID()] = true
	}
	kept := lm.levels[level][:0]
	for _, t := range lm.levels[level] {
		if !ids[t.ID()] {
			kept = append(kept, t)
		}
	}
	lm.levels[level] = kept
}

// targetSize returns the size bound for a level. L0 is bounded by table
// count instead.
func (lm *LevelManager) targetSize(level int) uint64 {
	target := lm.baseTarget
	for i := 0; i < level; i++ {
		target *= lm.sizeRatio
	}
	return target
}

func levelSize(tables []*SSTable) uint64 {
	var total uint64
	for _, t := range tables {
		total += t.SizeBytes()
	}
	return total
}

// PickCompaction selects the next job per policy, or nil when no level needs
// work. Trigger 1: L0 holds l0Trigger or more tables. Trigger 2: some deeper
// level exceeds its size target; one table is picked round-robin by key
// range so repeated compactions make forward progress across the keyspace.
// Input table references are retained for the duration of the job.
func (lm *LevelManager) PickCompaction() *CompactionJob {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if len(lm.levels[0]) >= lm.l0Trigger {
		return lm.pickL0Locked()
	}

	for level := 1; level < len(lm.levels)-1; level++ {
		if levelSize(lm.levels[level]) > lm.targetSize(level) {
			return lm.pickLevelLocked(level)
		}
	}
	return nil
}

func (lm *LevelManager) pickL0Locked() *CompactionJob {
	src := make([]*SSTable, len(lm.levels[0]))
	copy(src, lm.levels[0]) // Already newest first

	lo, hi := keyRange(src)
	dst := overlapping(lm.levels[1], lo, hi)

	job := &CompactionJob{
		srcLevel:  0,
		dstLevel:  1,
		srcTables: src,
		dstTables: dst,
		bottom:    len(lm.levels) == 2,
	}
	retainAll(job)
	return job
}

func (lm *LevelManager) pickLevelLocked(level int) *CompactionJob {
	tables := lm.levels[level]

	// First table past the cursor, wrapping to the start.
	pick := tables[0]
	for _, t := range tables {
		if t.MinKey() > lm.cursors[level] {
			pick = t
			break
		}
	}
	lm.cursors[level] = pick.MaxKey()

	dst := overlapping(lm.levels[level+1], pick.MinKey(), pick.MaxKey())
	job := &CompactionJob{
		srcLevel:  level,
		dstLevel:  level + 1,
		srcTables: []*SSTable{pick},
		dstTables: dst,
		bottom:    level+1 == len(lm.levels)-1,
	}
	retainAll(job)
	return job
}

func retainAll(job *CompactionJob) {
	for _, t := range job.srcTables {
		t.Retain()
	}
	for _, t := range job.dstTables {
		t.Retain()
	}
}

// ReleaseJob drops the references retained by PickCompaction. Called after
// the job commits or is abandoned.
func (lm *LevelManager) ReleaseJob(job *CompactionJob) {
	for _, t := range job.srcTables {
		t.Release()
	}
	for _, t := range job.dstTables {
		t.Release()
	}
}

func keyRange(tables []*SSTable) (uint32, uint32) {
	lo, hi := tables[0].MinKey(), tables[0].MaxKey()
	for _, t := range tables[1:] {
		if t.MinKey() < lo {
			lo = t.MinKey()
		}
		if t.MaxKey() > hi {
			hi = t.MaxKey()
		}
	}
	return lo, hi
}

func overlapping(tables []*SSTable, lo, hi uint32) []*SSTable {
	var out []*SSTable
	for _, t := range tables {
		if t.Overlaps(lo, hi) {
			out = append(out, t)
		}
	}
	return out
}

// TableCounts returns the number of tables per level.
func (lm *LevelManager) TableCounts() []int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	counts := make([]int, len(lm.levels))
	for i, level := range lm.levels {
		counts[i] = len(level)
	}
	return counts
}

// EntryCounts returns the number of entries per level.
func (lm *LevelManager) EntryCounts() []uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	counts := make([]uint64, len(lm.levels))
	for i, level := range lm.levels {
		for _, t := range level {
			counts[i] += t.EntryCount()
		}
	}
	return counts
}

// TablesAt lists every live table with its level, for manifest rewrites.
func (lm *LevelManager) TablesAt() []TableAt {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var out []TableAt
	for level := len(lm.levels) - 1; level >= 0; level-- {
		tables := lm.levels[level]
		if level == 0 {
			// Oldest first, so replay re-creates the same recency order.
			for i := len(tables) - 1; i >= 0; i-- {
				out = append(out, TableAt{ID: tables[i].ID(), Level: 0})
			}
			continue
		}
		for _, t := range tables {
			out = append(out, TableAt{ID: t.ID(), Level: level})
		}
	}
	return out
}

// CloseAll releases the manager's reference on every table without deleting
// files. Used at shutdown.
func (lm *LevelManager) CloseAll() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for i, level := range lm.levels {
		for _, t := range level {
			t.Release()
		}
		lm.levels[i] = nil
	}
}
