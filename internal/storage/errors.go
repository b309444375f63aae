package storage

import "errors"

var (
	// ErrMemTableFrozen is returned when attempting to write to a frozen memtable.
	ErrMemTableFrozen = errors.New("memtable is frozen")

	// ErrNonMonotonic is returned when an SSTable builder receives keys out of order.
	ErrNonMonotonic = errors.New("keys are not strictly increasing")

	// ErrCorrupt is returned when an on-disk structure fails validation.
	ErrCorrupt = errors.New("corrupt sstable")

	// ErrCorruptManifest is returned when the MANIFEST cannot be replayed.
	ErrCorruptManifest = errors.New("corrupt manifest")

	// ErrBadLoadFile is returned when a LOAD input file is truncated or unreadable.
	ErrBadLoadFile = errors.New("bad load file")

	// ErrShuttingDown is returned for operations issued while the engine drains.
	ErrShuttingDown = errors.New("engine is shutting down")

	// ErrLocked is returned when another process holds the data directory lock.
	ErrLocked = errors.New("data directory is locked by another process")
)
