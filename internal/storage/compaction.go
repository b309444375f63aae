package storage

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Compactor is the background task that merges runs into deeper levels.
// One compactor runs per engine; it polls the level manager for work and
// commits each job as a single atomic level transition.
type Compactor struct {
	lm       *LevelManager
	manifest *Manifest
	dir      string
	cfg      Config
	log      *slog.Logger
	stats    *engineStats
	nextID   func() uint64

	nudge chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

func newCompactor(lm *LevelManager, manifest *Manifest, dir string, cfg Config, log *slog.Logger, stats *engineStats, nextID func() uint64) *Compactor {
	return &Compactor{
		lm:       lm,
		manifest: manifest,
		dir:      dir,
		cfg:      cfg,
		log:      log,
		stats:    stats,
		nextID:   nextID,
		nudge:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Nudge wakes the compactor without waiting for the poll interval.
func (c *Compactor) Nudge() {
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

// run is the compactor goroutine. It drains all pending work after each
// wake-up, then sleeps until nudged or the poll tick fires. The stop flag is
// checked between jobs so shutdown never interrupts a commit.
func (c *Compactor) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.CompactionPollInterval)
	defer ticker.Stop()

	for {
		for c.runOnce() {
			select {
			case <-c.stop:
				return
			default:
			}
		}

		select {
		case <-c.stop:
			return
		case <-c.nudge:
		case <-ticker.C:
		}
	}
}

// runOnce performs at most one compaction job. Returns whether a job ran.
// Failures are logged; the level manager state is untouched and the job is
// retried on a later tick.
func (c *Compactor) runOnce() bool {
	job := c.lm.PickCompaction()
	if job == nil {
		return false
	}
	defer c.lm.ReleaseJob(job)

	start := time.Now()
	outputs, err := c.merge(job)
	if err != nil {
		c.log.Error("compaction failed",
			"level", job.srcLevel, "inputs", len(job.Inputs()), "err", err)
		return true
	}

	added := make([]TableAt, len(outputs))
	for i, t := range outputs {
		added[i] = TableAt{ID: t.ID(), Level: job.dstLevel}
	}
	removed := make([]uint64, 0, len(job.srcTables)+len(job.dstTables))
	for _, t := range job.Inputs() {
		removed = append(removed, t.ID())
	}

	if err := c.manifest.LogCompaction(added, removed); err != nil {
		c.log.Error("compaction commit failed", "err", err)
		for _, t := range outputs {
			t.MarkObsolete()
			t.Release()
		}
		return true
	}

	c.lm.ApplyCompaction(job, outputs)
	c.stats.compactions.Add(1)

	c.log.Info("compaction finished",
		"from", job.srcLevel, "to", job.dstLevel,
		"inputs", len(job.Inputs()), "outputs", len(outputs),
		"elapsed", time.Since(start))
	return true
}

// merge runs the k-way merge over the job's inputs, rolling output tables at
// the configured target size. On any error every partial output is deleted.
func (c *Compactor) merge(job *CompactionJob) (outputs []*SSTable, err error) {
	inputs := job.Inputs()
	its := make([]EntryIterator, len(inputs))
	for i, t := range inputs {
		its[i] = t.Iter()
		c.stats.bytesRead.Add(int64(t.SizeBytes()))
	}
	merger := NewMergeIterator(its)
	defer merger.Close()

	var builder *SSTableBuilder
	var builderID uint64

	fail := func(err error) ([]*SSTable, error) {
		if builder != nil {
			builder.Abort()
		}
		for _, t := range outputs {
			t.Release()
			os.Remove(t.Path())
		}
		return nil, err
	}

	finishCurrent := func() error {
		if builder == nil {
			return nil
		}
		if err := builder.Finish(); err != nil {
			builder.Abort()
			builder = nil
			return err
		}
		c.stats.bytesWritten.Add(int64(builder.SizeBytes()))
		path := builder.Path()
		builder = nil
		t, err := OpenSSTable(path, builderID)
		if err != nil {
			os.Remove(path)
			return err
		}
		outputs = append(outputs, t)
		return nil
	}

	for {
		e, ok := merger.Next()
		if !ok {
			break
		}

		// At the bottom level nothing deeper can be shadowed, so a winning
		// tombstone can be dropped outright.
		if job.bottom && e.Tombstone {
			continue
		}

		if builder == nil {
			builderID = c.nextID()
			path := sstablePath(c.dir, builderID)
			builder, err = NewSSTableBuilder(path, c.cfg.BlockEntries, c.cfg.BloomFPRate)
			if err != nil {
				return fail(err)
			}
		}

		if err := builder.Add(e); err != nil {
			return fail(err)
		}

		if builder.SizeBytes() >= c.cfg.SSTableTargetBytes {
			if err := finishCurrent(); err != nil {
				return fail(err)
			}
		}
	}

	if err := finishCurrent(); err != nil {
		return fail(err)
	}
	return outputs, nil
}

// sstablePath returns the file path for a table id.
func sstablePath(dir string, id uint64) string {
	return fmt.Sprintf("%s/%06d.sst", dir, id)
}
