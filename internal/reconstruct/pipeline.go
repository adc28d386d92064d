// Package reconstruct regenerates a locally browsable copy of the web content
// captured in a window file.
package reconstruct

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/usestring/webreplay/internal/cache"
	"github.com/usestring/webreplay/internal/decode"
	"github.com/usestring/webreplay/internal/pathmap"
	"github.com/usestring/webreplay/internal/query"
	"github.com/usestring/webreplay/internal/rewrite"
	"github.com/usestring/webreplay/pkg/flowrec"
)

// DefaultCacheItems bounds the decoded-body cache of one run.
const DefaultCacheItems = 256

// Options configures a Pipeline.
type Options struct {
	Domains    []string       // Host allow-list (empty = all hosts)
	Filter     *query.Filter  // Optional jq predicate applied before both passes
	Decoder    *decode.Decoder
	CacheItems int
	Logger     *slog.Logger
}

// CachedPage is an HTML response reported as not-modified.
type CachedPage struct {
	URL    string `json:"url"`
	Domain string `json:"domain"`
}

// Report summarizes one reconstruction run.
type Report struct {
	Records      int          `json:"records"`
	Pages        int          `json:"pages"`     // HTML pages written
	Resources    int          `json:"resources"` // Non-HTML files written
	Rewrites     int          `json:"rewrites"`  // Attribute values rewritten
	Cached       []CachedPage `json:"cached,omitempty"`
	Skipped      int          `json:"skipped"`
	Failures     int          `json:"failures"`
	FilterErrors []string     `json:"filter_errors,omitempty"`
}

// Pipeline runs the two-pass reconstruction.
type Pipeline struct {
	opts    Options
	decoder *decode.Decoder
	logger  *slog.Logger
}

// New creates a pipeline with the given options.
func New(opts Options) *Pipeline {
	if opts.CacheItems <= 0 {
		opts.CacheItems = DefaultCacheItems
	}
	dec := opts.Decoder
	if dec == nil {
		dec = decode.New(decode.DefaultMaxBytes)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{opts: opts, decoder: dec, logger: logger}
}

// Reconstruct loads captureFile and reconstructs it under outputDir.
// A non-empty domains overrides the pipeline allow-list for this call.
// Only a load failure is returned as an error.
func (p *Pipeline) Reconstruct(ctx context.Context, captureFile, outputDir string, domains []string) (*Report, error) {
	w, err := flowrec.LoadWindow(captureFile)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, w, outputDir, domains)
}

// Run reconstructs w under outputDir. A non-empty domains overrides the
// pipeline allow-list for this call. Per-record failures are logged and
// counted. The returned error is non-nil only when outputDir cannot be
// created or ctx is done.
func (p *Pipeline) Run(ctx context.Context, w flowrec.Window, outputDir string, domains []string) (*Report, error) {
	report := &Report{Records: len(w)}
	if len(domains) == 0 {
		domains = p.opts.Domains
	}

	if p.opts.Filter != nil {
		w, report.FilterErrors = p.opts.Filter.Apply(w)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	bodies, err := cache.NewBodyCache(p.opts.CacheItems)
	if err != nil {
		return nil, err
	}

	r := &run{
		p:         p,
		window:    w,
		allow:     allowList(domains),
		resolver:  pathmap.NewResolver(outputDir),
		resources: pathmap.NewResourceMap(),
		bodies:    bodies,
		report:    report,
	}

	if err := r.saveResources(ctx); err != nil {
		return report, err
	}
	if err := r.savePages(ctx); err != nil {
		return report, err
	}

	p.logger.Info("reconstruction finished",
		"output", outputDir,
		"records", report.Records,
		"pages", report.Pages,
		"resources", report.Resources,
		"cached", len(report.Cached),
		"failures", report.Failures,
	)
	return report, nil
}

// run holds the state confined to one invocation. The resource map is
// never shared across runs.
type run struct {
	p         *Pipeline
	window    flowrec.Window
	allow     map[string]bool
	resolver  *pathmap.Resolver
	resources *pathmap.ResourceMap
	bodies    *cache.BodyCache
	report    *Report
}

// saveResources is pass 1: every successful record gets a local path, and
// non-HTML bodies are written immediately.
func (r *run) saveResources(ctx context.Context) error {
	for i := range r.window {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := &r.window[i]
		if rec.URL == "" || !r.allowed(rec.URL) || !rec.IsSuccess() {
			continue
		}

		body, ok := r.body(i)
		if !ok {
			r.report.Skipped++
			continue
		}

		local, err := r.resolver.Resolve(rec.URL, rec.MimeType)
		if err != nil {
			r.fail(rec.URL, "resolve path", err)
			continue
		}
		r.resources.Set(rec.URL, local)

		if rec.IsHTML() {
			continue
		}
		if err := os.WriteFile(local, body, 0644); err != nil {
			r.fail(rec.URL, "write resource", err)
			continue
		}
		r.report.Resources++
		r.p.logger.Debug("saved resource", "path", local, "mime", rec.MimeType)
	}
	return nil
}

// savePages is pass 2: HTML bodies are rewritten against the complete
// resource map and written to the path assigned in pass 1.
func (r *run) savePages(ctx context.Context) error {
	for i := range r.window {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := &r.window[i]
		if rec.URL == "" || !rec.IsHTML() || !r.allowed(rec.URL) {
			continue
		}

		if rec.IsNotModified() {
			r.report.Cached = append(r.report.Cached, CachedPage{URL: rec.URL, Domain: rec.Host()})
			continue
		}
		if !rec.IsSuccess() {
			continue
		}

		body, ok := r.body(i)
		if !ok {
			continue
		}
		local, ok := r.resources.Lookup(rec.URL)
		if !ok {
			continue
		}

		res := rewrite.Rewrite(body, rec.URL, local, r.resources)
		if res.Outcome == rewrite.Fallback {
			r.p.logger.Warn("html rewrite failed, saving original", "url", rec.URL, "error", res.Err)
		}
		if err := os.WriteFile(local, res.HTML, 0644); err != nil {
			r.fail(rec.URL, "write page", err)
			continue
		}
		r.report.Pages++
		r.report.Rewrites += res.Rewrites
		r.p.logger.Debug("reconstructed page", "path", local, "rewrites", res.Rewrites)
	}
	return nil
}

// body decodes a record body once per run; both passes share the result.
func (r *run) body(i int) ([]byte, bool) {
	if b, ok := r.bodies.Get(i); ok {
		return b, true
	}
	rec := &r.window[i]
	if !rec.HasBody() {
		r.p.logger.Debug("no body captured", "url", rec.URL)
		return nil, false
	}
	res := r.p.decoder.DecodeRecord(rec)
	switch res.Outcome {
	case decode.Fatal:
		r.p.logger.Warn("undecodable body", "url", rec.URL, "error", res.Err)
	case decode.PassThrough:
		r.p.logger.Warn("body decode failed, keeping raw bytes",
			"url", rec.URL, "codec", res.Codec.String(), "error", res.Err)
	}
	if !res.Usable() {
		return nil, false
	}
	r.bodies.Put(i, res.Body)
	return res.Body, true
}

func (r *run) allowed(rawURL string) bool {
	if len(r.allow) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return r.allow[strings.ToLower(u.Host)]
}

func (r *run) fail(rawURL, op string, err error) {
	r.report.Failures++
	r.p.logger.Warn(op+" failed", "url", rawURL, "error", err)
}

func allowList(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	m := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			m[strings.ToLower(d)] = true
		}
	}
	return m
}
