package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"TradeEngine/internal/ledger"
)

const formatVersion = 1

// Snapshot is the on-disk document: the full portfolio state plus
// metadata for sanity checks at load time.
type Snapshot struct {
	FormatVersion int          `json:"format_version"`
	CreatedAt     time.Time    `json:"created_at"`
	State         ledger.State `json:"state"`
}

// Store writes snapshots with write-to-temp-then-rename so a crash mid
// write never corrupts the previous good snapshot.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save atomically replaces the snapshot file.
func (s *Store) Save(st ledger.State) error {
	snap := Snapshot{
		FormatVersion: formatVersion,
		CreatedAt:     time.Now().UTC(),
		State:         st,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads the latest snapshot. Returns ok=false on a cold start with
// no snapshot file.
func (s *Store) Load() (ledger.State, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ledger.State{}, false, nil
		}
		return ledger.State{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return ledger.State{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.FormatVersion != formatVersion {
		return ledger.State{}, false, fmt.Errorf("snapshot format version %d, want %d", snap.FormatVersion, formatVersion)
	}
	return snap.State, true, nil
}
