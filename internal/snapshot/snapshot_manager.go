package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize the memory store's full state to a JSON snapshot file
// 2. Write atomically (temp file + fsync + rename + dir fsync) so a crash
//    leaves either the old or the new image, never half of one
// 3. Validate the schema version on load
//
// The image records the last journal sequence it includes (wal_seq); the
// store replays only newer journal events on top of it.
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/market-sizer/pkg/types"
)

// SchemaVersion is the only snapshot layout this build reads.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex // serializes file operations
}

// NewManager returns a manager for the snapshot at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the snapshot path.
func (m *Manager) Path() string {
	return m.path
}

// Write replaces the snapshot with data.
func (m *Manager) Write(data types.SnapshotData) error {
	data.SchemaVer = SchemaVersion
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := writeAtomic(m.path, raw); err != nil {
		return fmt.Errorf("write snapshot %s: %w", m.path, err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields an empty image, so the
// first start needs no special casing.
//
// Errors:
//   - ErrCorruptedSnapshot: the file is not valid JSON
//   - ErrIncompatibleVersion: the file was written by another layout
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	raw, err := os.ReadFile(m.path)
	m.mu.Unlock()

	if errors.Is(err, os.ErrNotExist) {
		return fill(types.SnapshotData{SchemaVer: SchemaVersion}), nil
	}
	if err != nil {
		return types.SnapshotData{}, fmt.Errorf("read snapshot: %w", err)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return fill(data), nil
}

func fill(data types.SnapshotData) types.SnapshotData {
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	if data.Segments == nil {
		data.Segments = make(map[types.JobID][]types.Segment)
	}
	if data.Results == nil {
		data.Results = make(map[types.JobID][]types.ResultRecord)
	}
	return data
}

// writeAtomic writes raw to <path>.tmp, fsyncs it, renames it over path
// and fsyncs the directory so the rename itself is durable.
func writeAtomic(path string, raw []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(raw); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
