// Package pathmap maps captured URLs to local file paths under an output root.
//
// The mapping is deterministic for the lifetime of a Resolver: the same URL
// always resolves to the same path, and no path escapes the root.
package pathmap

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/usestring/webreplay/pkg/contenttype"
)

// maxDepth is the number of path segments kept before collapsing.
const maxDepth = 4

// Resolver assigns local paths to URLs for one reconstruction run.
// Directories are created while descending; when a directory cannot be
// created the remaining segments are flattened into one file name.
type Resolver struct {
	root string

	mu   sync.Mutex
	memo map[string]string

	// mkdir creates one directory level. Replaced in tests.
	mkdir func(dir string) error
}

// NewResolver creates a Resolver rooted at root.
func NewResolver(root string) *Resolver {
	return &Resolver{
		root:  filepath.Clean(root),
		memo:  make(map[string]string),
		mkdir: mkdirOne,
	}
}

// Root returns the output root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve returns the local path for rawURL. The error is non-nil only when
// rawURL does not parse; every parseable URL yields a path, at worst a
// hash-based fallback.
func (r *Resolver) Resolve(rawURL, mimeType string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.memo[rawURL]; ok {
		return p, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rawURL, err)
	}

	p := r.resolve(u, rawURL, mimeType)
	r.memo[rawURL] = p
	return p, nil
}

func (r *Resolver) resolve(u *url.URL, rawURL, mimeType string) string {
	hostDir := filepath.Join(r.root, SanitizeSegment(strings.ReplaceAll(u.Host, ":", "_"), MaxFlatLen))
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		slog.Warn("failed to create host directory", "dir", hostDir, "error", err)
	}

	local := r.structured(u, rawURL, mimeType, hostDir)
	if len(local) > MaxPathLen || !within(r.root, local) {
		local = filepath.Join(hostDir, "file_"+shortHash(rawURL, 12)+contenttype.ExtensionOr(mimeType, ".html"))
	}
	return local
}

func (r *Resolver) structured(u *url.URL, rawURL, mimeType, hostDir string) string {
	var raw []string
	for _, seg := range strings.Split(u.EscapedPath(), "/") {
		if seg != "" {
			raw = append(raw, seg)
		}
	}

	hasQuery := u.RawQuery != ""

	if len(raw) == 0 {
		if hasQuery {
			return filepath.Join(hostDir, "index_"+shortHash(rawURL, 8)+contenttype.ExtensionOr(mimeType, ".html"))
		}
		return filepath.Join(hostDir, "index.html")
	}

	if len(raw) > maxDepth {
		raw = append(raw[:maxDepth-1:maxDepth-1], raw[len(raw)-1])
	}

	parts := make([]string, len(raw))
	for i, seg := range raw {
		parts[i] = SanitizeSegment(seg, MaxSegmentLen)
	}

	last := len(parts) - 1
	name := parts[last]
	if hasQuery {
		ext := contenttype.Extension(mimeType)
		if ext == "" {
			if i := strings.LastIndexByte(name, '.'); i >= 0 && i < len(name)-1 {
				ext = "." + truncate(name[i+1:], 4)
			} else {
				ext = ".html"
			}
		}
		base, _, _ := strings.Cut(name, ".")
		name = SanitizeSegment(base, MaxQueryBaseLen) + "_" + shortHash(rawURL, 8) + ext
	} else if !strings.Contains(name, ".") {
		name += contenttype.Extension(mimeType)
	}
	parts[last] = name

	dir := hostDir
	for _, seg := range parts[:last] {
		dir = filepath.Join(dir, seg)
		if err := r.mkdir(dir); err != nil {
			slog.Debug("cannot create directory, flattening path", "dir", dir, "error", err)
			return filepath.Join(hostDir, SanitizeSegment(strings.Join(parts, "_"), MaxFlatLen))
		}
	}
	return filepath.Join(dir, name)
}

// mkdirOne creates dir, accepting an existing directory.
func mkdirOne(dir string) error {
	err := os.Mkdir(dir, 0o755)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
			return nil
		}
	}
	return err
}

// within reports whether p is root or lies beneath it.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
