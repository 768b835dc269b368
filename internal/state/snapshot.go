package state

import (
	"os"
	"path/filepath"
	"time"

	"tradecore/internal/model"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

// Snapshot captures positions at a point in time.
type Snapshot struct {
	Timestamp  time.Time        `json:"timestamp"`
	LastFillAt time.Time        `json:"lastFillAt"`
	Positions  []model.Position `json:"positions"`
}

// Snapshot builds a snapshot from current positions.
func (t *Tracker) Snapshot(lastFillAt time.Time) Snapshot {
	return Snapshot{
		Timestamp:  time.Now().UTC(),
		LastFillAt: lastFillAt,
		Positions:  t.Positions(),
	}
}

// ApplySnapshot replaces positions with a snapshot.
func (t *Tracker) ApplySnapshot(snapshot Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.positions)
	for _, pos := range snapshot.Positions {
		t.positions[pos.Symbol] = pos
	}
}

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create snapshot dir %s", dir)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write snapshot %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename snapshot %s", path)
	}
	return nil
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "read snapshot %s", path)
	}
	var snap Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrapf(err, "decode snapshot %s", path)
	}
	return snap, nil
}

// CompareSnapshots checks if two snapshots hold the same sizes.
func CompareSnapshots(expected, actual Snapshot) error {
	if len(expected.Positions) != len(actual.Positions) {
		return errors.Errorf("snapshot length mismatch: expected=%d actual=%d", len(expected.Positions), len(actual.Positions))
	}
	expectedMap := make(map[string]model.Position, len(expected.Positions))
	for _, pos := range expected.Positions {
		expectedMap[pos.Symbol] = pos
	}
	for _, pos := range actual.Positions {
		want, ok := expectedMap[pos.Symbol]
		if !ok {
			return errors.Errorf("snapshot missing symbol: %s", pos.Symbol)
		}
		if !want.Size.Equal(pos.Size) {
			return errors.Errorf("snapshot size mismatch: symbol=%s expected=%s actual=%s", pos.Symbol, want.Size, pos.Size)
		}
	}
	return nil
}
