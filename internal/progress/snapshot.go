package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const snapshotPrefix = "progress_"

// SnapshotPath is the polling artifact for exportID inside dir.
func SnapshotPath(dir, exportID string) (string, error) {
	if exportID == "" || strings.ContainsAny(exportID, `/\`+"\x00") || strings.Contains(exportID, "..") {
		return "", errors.New("invalid export id for snapshot")
	}
	return filepath.Join(dir, snapshotPrefix+exportID+".json"), nil
}

// WriteSnapshot replaces the snapshot atomically so pollers never read a torn file.
func WriteSnapshot(dir string, ev Event) error {
	path, err := SnapshotPath(dir, ev.ExportID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".progress_*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	if err := json.NewEncoder(tmp).Encode(ev); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot returns the last fallback event for exportID.
// A missing file yields an error matching os.ErrNotExist.
func ReadSnapshot(dir, exportID string) (Event, error) {
	path, err := SnapshotPath(dir, exportID)
	if err != nil {
		return Event{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return ev, nil
}

// RemoveSnapshot deletes the snapshot for exportID. A missing file is not an error.
func RemoveSnapshot(dir, exportID string) error {
	path, err := SnapshotPath(dir, exportID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}
