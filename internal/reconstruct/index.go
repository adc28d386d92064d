package reconstruct

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

const (
	// IndexFile is the summary document written at the output root.
	IndexFile = "index.html"
	// CachedPagesFile records the cached pages of every run into the same
	// output directory, so later indexes keep listing them.
	CachedPagesFile = ".cached_pages.json"

	maxFilesPerDomain = 20
	maxDisplayLen     = 80
	maxTitleScan      = 256 << 10
)

// indexMu serializes index updates; automatic reconstructions of the past
// and future windows share one output directory.
var indexMu sync.Mutex

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Reconstructed Pages Index</title>
<style>
body { font-family: Arial, sans-serif; margin: 20px; }
h1 { color: #333; }
.domain { margin: 20px 0; padding: 15px; border: 1px solid #ddd; border-radius: 5px; }
.domain h2 { color: #666; margin-top: 0; }
ul { list-style-type: none; padding: 0; }
li { margin: 5px 0; }
a { color: #0066cc; text-decoration: none; }
a:hover { text-decoration: underline; }
.stats { background: #f5f5f5; padding: 10px; border-radius: 3px; margin-bottom: 20px; }
.cached { color: #888; }
.marker { background: #eee; color: #666; }
.page-title { color: #555; }
</style>
</head>
<body>
<h1>Reconstructed Web Pages</h1>
<div class="stats">
<strong>Statistics:</strong><br>
Total reconstructed files: {{.Total}}<br>
HTML pages: {{.HTMLCount}}<br>
Other resources: {{.ResourceCount}}
</div>
{{range .Domains}}<div class="domain">
<h2>{{.Name}}</h2>
<ul>
{{range .Pages}}<li><a href="{{.Href}}" title="{{.Path}}">{{.Display}}</a>{{if .Title}} <span class="page-title">{{.Title}}</span>{{end}}</li>
{{end}}{{if .More}}<li><em>... and {{.More}} more files</em></li>
{{end}}{{range .Cached}}<li><span class="cached">{{.Display}}</span> <span class="marker" title="Content was cached (304 Not Modified) and could not be reconstructed">[CACHED]</span></li>
{{end}}</ul>
</div>
{{end}}</body>
</html>
`))

type indexPage struct {
	Total         int
	HTMLCount     int
	ResourceCount int
	Domains       []indexDomain
}

type indexDomain struct {
	Name   string
	Pages  []indexEntry
	More   int
	Cached []indexEntry
}

type indexEntry struct {
	Path    string
	Href    string
	Display string
	Title   string
}

// IndexStats are the file counts shown at the top of the index.
type IndexStats struct {
	HTML      int
	Resources int
}

// WriteIndex walks outputDir and writes an index document at its root that
// lists, per top-level host directory, up to 20 HTML files in alphabetical
// order followed by the cached pages of that host. cached is merged into
// the pages recorded by earlier calls for the same directory.
func WriteIndex(outputDir string, cached []CachedPage) (IndexStats, error) {
	indexMu.Lock()
	defer indexMu.Unlock()

	var stats IndexStats
	cached, err := mergeCached(outputDir, cached)
	if err != nil {
		return stats, err
	}
	files := make(map[string][]string)

	err = filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		domain, _, nested := strings.Cut(rel, "/")
		if !nested {
			// Root-level files (the index itself) are not reconstructed content.
			return nil
		}
		if strings.HasSuffix(rel, ".html") {
			stats.HTML++
			files[domain] = append(files[domain], rel)
		} else {
			stats.Resources++
			if _, ok := files[domain]; !ok {
				files[domain] = nil
			}
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("walk output dir: %w", err)
	}

	cachedByDomain := make(map[string][]string)
	for _, c := range cached {
		cachedByDomain[c.Domain] = append(cachedByDomain[c.Domain], c.URL)
	}

	names := make(map[string]struct{})
	for d := range files {
		names[d] = struct{}{}
	}
	for d := range cachedByDomain {
		names[d] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for d := range names {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)

	page := indexPage{
		Total:         stats.HTML + stats.Resources,
		HTMLCount:     stats.HTML,
		ResourceCount: stats.Resources,
	}
	for _, name := range sorted {
		pages := files[name]
		urls := cachedByDomain[name]
		if len(pages) == 0 && len(urls) == 0 {
			continue
		}
		sort.Strings(pages)

		dom := indexDomain{Name: name}
		if len(pages) > maxFilesPerDomain {
			dom.More = len(pages) - maxFilesPerDomain
			pages = pages[:maxFilesPerDomain]
		}
		for _, p := range pages {
			dom.Pages = append(dom.Pages, indexEntry{
				Path:    p,
				Href:    escapeRel(p),
				Display: displayName(p),
				Title:   displayName(pageTitle(filepath.Join(outputDir, filepath.FromSlash(p)))),
			})
		}
		for _, u := range urls {
			dom.Cached = append(dom.Cached, indexEntry{Path: u, Display: displayName(u)})
		}
		page.Domains = append(page.Domains, dom)
	}

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, page); err != nil {
		return stats, fmt.Errorf("render index: %w", err)
	}
	if err := writeAtomic(filepath.Join(outputDir, IndexFile), buf.Bytes()); err != nil {
		return stats, err
	}
	return stats, nil
}

// mergeCached returns the recorded cached pages of outputDir followed by the
// new ones, deduplicated by URL, and records the result when it grew.
func mergeCached(outputDir string, cached []CachedPage) ([]CachedPage, error) {
	path := filepath.Join(outputDir, CachedPagesFile)

	var prior []CachedPage
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &prior); err != nil {
			// An unreadable record only loses the earlier entries.
			prior = nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read cached pages: %w", err)
	}

	seen := make(map[string]bool, len(prior)+len(cached))
	merged := make([]CachedPage, 0, len(prior)+len(cached))
	for _, c := range append(prior, cached...) {
		if c.URL == "" || seen[c.URL] {
			continue
		}
		seen[c.URL] = true
		merged = append(merged, c)
	}
	if len(merged) == len(prior) {
		return merged, nil
	}

	data, err = json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode cached pages: %w", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return nil, err
	}
	return merged, nil
}

// pageTitle returns the whitespace-normalized <title> of an HTML file, or ""
// when it has none or cannot be read.
func pageTitle(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(f, maxTitleScan))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
}

func displayName(s string) string {
	r := []rune(s)
	if len(r) <= maxDisplayLen {
		return s
	}
	return string(r[:maxDisplayLen-3]) + "..."
}

func escapeRel(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func writeAtomic(path string, data []byte) error {
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+strings.TrimPrefix(base, ".")+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp %s: %w", base, err)
	}
	name := tmp.Name()
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("chmod %s: %w", base, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", base, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close %s: %w", base, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename %s: %w", base, err)
	}
	return nil
}
