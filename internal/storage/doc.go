// Package storage implements a Log-Structured Merge (LSM) tree storage engine
// for fixed-width uint32 keys and values.
//
// The LSM-tree is optimized for high write throughput by buffering writes in an
// in-memory memtable before flushing to disk as immutable SSTables. Background
// compaction merges SSTables to reclaim space and improve read performance.
//
// Architecture:
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                         Engine                                   │
//	├─────────────────────────────────────────────────────────────────┤
//	│  Write Path:  Client → WAL → MemTable → (flush) → SSTable L0   │
//	│  Read Path:   Client → MemTable → flushing → L0 → L1 → ... Ln  │
//	├─────────────────────────────────────────────────────────────────┤
//	│  Compaction:  L0 → L1 → L2 → ... (exponential size ratio)      │
//	└─────────────────────────────────────────────────────────────────┘
//
// Key components:
//   - MemTable: In-memory skip list for fast writes and range scans
//   - WAL: Write-ahead log for durability before memtable flush
//   - SSTable: Immutable on-disk sorted run with bloom filter + sparse index
//   - Levels: Reference-counted, copy-on-write view of the live SSTable set
//   - Compactor: Background merge of SSTables to bound read amplification
//
// Readers never block on compaction: they acquire an immutable LevelsView once
// per request and read lock-free against it. SSTable files are deleted only
// after the last view referencing them is released.
package storage
