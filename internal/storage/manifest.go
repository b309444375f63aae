package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const manifestName = "MANIFEST"

// TableAt names a table and the level it lives at, for manifest records.
type TableAt struct {
	ID    uint64
	Level int
}

// ManifestState is the replayed description of the live table set.
type ManifestState struct {
	// Adds lists surviving tables in the chronological order they were
	// added. Replaying them in order rebuilds L0 recency.
	Adds []TableAt
	// Seq is the last persisted sequence checkpoint.
	Seq uint64
	// MaxID is the largest table id ever mentioned.
	MaxID uint64
}

// Manifest is an append-only log of level transitions: table adds/removes
// and sequence checkpoints at flush boundaries. Replayed at startup to
// reconstruct the level set; rewritten when the log grows past a threshold.
//
// Record lines:
//
//	add <level> <id>
//	del <id>
//	seq <n>
type Manifest struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	path string
	size int64
}

// OpenManifest opens or creates the manifest under dir and replays it.
// A missing manifest yields an empty state. Malformed records are fatal
// (ErrCorruptManifest), except for a torn final line, which is discarded.
func OpenManifest(dir string) (*Manifest, ManifestState, error) {
	path := filepath.Join(dir, manifestName)
	state := ManifestState{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, state, err
	}

	if len(data) > 0 {
		text := string(data)
		torn := !strings.HasSuffix(text, "\n")
		lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

		live := make(map[uint64]bool)
		for i, line := range lines {
			if i == len(lines)-1 && torn {
				break // Crash mid-append; the record was never acked.
			}
			if err := applyManifestLine(line, &state, live); err != nil {
				return nil, state, fmt.Errorf("%w: line %d: %q", ErrCorruptManifest, i+1, line)
			}
		}

		// Filter Adds down to tables that were not later removed.
		kept := state.Adds[:0]
		for _, a := range state.Adds {
			if live[a.ID] {
				kept = append(kept, a)
			}
		}
		state.Adds = kept
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, state, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, state, err
	}

	m := &Manifest{
		file: file,
		w:    bufio.NewWriter(file),
		path: path,
		size: info.Size(),
	}
	return m, state, nil
}

func applyManifestLine(line string, state *ManifestState, live map[uint64]bool) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return fmt.Errorf("empty record")
	}
	switch fields[0] {
	case "add":
		var level int
		var id uint64
		if len(fields) != 3 {
			return fmt.Errorf("bad add record")
		}
		if _, err := fmt.Sscanf(fields[1]+" "+fields[2], "%d %d", &level, &id); err != nil {
			return err
		}
		state.Adds = append(state.Adds, TableAt{ID: id, Level: level})
		live[id] = true
		if id > state.MaxID {
			state.MaxID = id
		}
	case "del":
		var id uint64
		if len(fields) != 2 {
			return fmt.Errorf("bad del record")
		}
		if _, err := fmt.Sscanf(fields[1], "%d", &id); err != nil {
			return err
		}
		delete(live, id)
		if id > state.MaxID {
			state.MaxID = id
		}
	case "seq":
		if len(fields) != 2 {
			return fmt.Errorf("bad seq record")
		}
		if _, err := fmt.Sscanf(fields[1], "%d", &state.Seq); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown record %q", fields[0])
	}
	return nil
}

// LogFlush records a memtable flush: the new L0 table plus a sequence
// checkpoint, synced before returning.
func (m *Manifest) LogFlush(id uint64, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.appendLocked(fmt.Sprintf("add 0 %d\nseq %d\n", id, seq)); err != nil {
		return err
	}
	return m.syncLocked()
}

// LogCompaction records a compaction commit: outputs added, inputs removed,
// as one synced append so readers at startup see either the old set or the
// new set.
func (m *Manifest) LogCompaction(added []TableAt, removed []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sb strings.Builder
	for _, a := range added {
		fmt.Fprintf(&sb, "add %d %d\n", a.Level, a.ID)
	}
	for _, id := range removed {
		fmt.Fprintf(&sb, "del %d\n", id)
	}
	if err := m.appendLocked(sb.String()); err != nil {
		return err
	}
	return m.syncLocked()
}

// LogSeq records a sequence checkpoint (used at shutdown).
func (m *Manifest) LogSeq(seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.appendLocked(fmt.Sprintf("seq %d\n", seq)); err != nil {
		return err
	}
	return m.syncLocked()
}

func (m *Manifest) appendLocked(s string) error {
	n, err := m.w.WriteString(s)
	m.size += int64(n)
	return err
}

func (m *Manifest) syncLocked() error {
	if err := m.w.Flush(); err != nil {
		return err
	}
	return m.file.Sync()
}

// Size returns the current manifest size in bytes.
func (m *Manifest) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Rewrite replaces the log with a compact snapshot of the current state.
// The replacement is written to a temp file and renamed over the old log.
func (m *Manifest) Rewrite(tables []TableAt, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tmp := m.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	for _, t := range tables {
		fmt.Fprintf(w, "add %d %d\n", t.Level, t.ID)
	}
	fmt.Fprintf(w, "seq %d\n", seq)
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return err
	}

	m.w.Flush()
	m.file.Close()
	replaced, err := os.OpenFile(m.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := replaced.Stat()
	if err != nil {
		replaced.Close()
		return err
	}
	m.file = replaced
	m.w = bufio.NewWriter(replaced)
	m.size = info.Size()
	return nil
}

// Close flushes and closes the manifest file.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.w.Flush(); err != nil {
		return err
	}
	return m.file.Close()
}
