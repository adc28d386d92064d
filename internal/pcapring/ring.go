// Package pcapring reads the rotating packet capture directory written by the
// packet engine and merges its most recent files into a window artifact.
package pcapring

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Ring is a directory of rotating capture files.
type Ring struct {
	Dir    string
	Logger *slog.Logger
}

// MergeResult describes a merged artifact. Path is empty when the ring held
// no files and nothing was written.
type MergeResult struct {
	Path    string   `json:"path,omitempty"`
	Files   []string `json:"files"`
	Bytes   int64    `json:"bytes"`
	Packets int      `json:"packets"` // Best effort; files that fail to parse count zero
}

// List returns the capture files of the ring sorted by name. A missing
// directory is an empty ring.
func (r *Ring) List() ([]string, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ring dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if strings.Contains(e.Name(), ".pcap") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Latest returns the paths of the n newest files, oldest first.
func (r *Ring) Latest(n int) ([]string, error) {
	names, err := r.List()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(names) > n {
		names = names[len(names)-n:]
	}
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(r.Dir, name)
	}
	return paths, nil
}

// Merge concatenates the n newest files, oldest first, byte for byte into
// out. The files are not re-framed. An empty ring writes nothing.
func (r *Ring) Merge(out string, n int) (MergeResult, error) {
	files, err := r.Latest(n)
	if err != nil {
		return MergeResult{}, err
	}
	if len(files) == 0 {
		r.logger().Warn("no packet capture files to merge", "dir", r.Dir)
		return MergeResult{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return MergeResult{}, fmt.Errorf("create merge dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(out), ".merge-*.tmp")
	if err != nil {
		return MergeResult{}, fmt.Errorf("create merge file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	res := MergeResult{Path: out, Files: files}
	for _, f := range files {
		n, err := appendFile(tmp, f)
		if err != nil {
			cleanup()
			return MergeResult{}, err
		}
		res.Bytes += n

		info, err := Inspect(f)
		if err != nil {
			r.logger().Debug("could not inspect capture file", "file", f, "error", err)
			continue
		}
		res.Packets += info.Packets
	}

	if err := tmp.Chmod(0644); err != nil {
		cleanup()
		return MergeResult{}, fmt.Errorf("chmod merge file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return MergeResult{}, fmt.Errorf("close merge file: %w", err)
	}
	if err := os.Rename(tmpName, out); err != nil {
		os.Remove(tmpName)
		return MergeResult{}, fmt.Errorf("rename merge file: %w", err)
	}

	r.logger().Info("merged packet capture",
		"path", out, "files", len(files), "bytes", res.Bytes, "packets", res.Packets)
	return res, nil
}

func appendFile(dst io.Writer, path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open capture file: %w", err)
	}
	defer src.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", filepath.Base(path), err)
	}
	return n, nil
}

func (r *Ring) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
