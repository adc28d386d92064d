package flowrec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrMalformedWindow is returned when a window file cannot be loaded.
// A malformed file never yields a partial window.
var ErrMalformedWindow = errors.New("malformed capture window")

// Window is an ordered snapshot of flow records. It is never mutated in place.
type Window []FlowRecord

// Phase tags an extracted window relative to its alert.
type Phase string

const (
	PhasePast   Phase = "past"
	PhaseFuture Phase = "future"
)

// WindowName returns the file name for an extracted window artifact, e.g.
// WindowName("http", PhasePast, 10, 1700000000, ".json") is
// "http_past10_1700000000.json".
func WindowName(kind string, phase Phase, minutes int, unix int64, ext string) string {
	return fmt.Sprintf("%s_%s%d_%d%s", kind, phase, minutes, unix, ext)
}

// WriteWindow persists records as an indented JSON array.
// The file is written to a temporary name and renamed into place so readers
// never observe a partial window.
func WriteWindow(path string, records Window) error {
	if records == nil {
		records = Window{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create window dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".window-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp window: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write window: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close window: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename window: %w", err)
	}
	return nil
}

// LoadWindow reads a window file written by WriteWindow (or by the original
// capture tooling). Any read or parse error fails the whole load.
func LoadWindow(path string) (Window, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWindow, err)
	}

	var records Window
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedWindow, path, err)
	}
	if records == nil {
		records = Window{}
	}
	return records, nil
}
