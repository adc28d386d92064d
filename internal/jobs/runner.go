// Package jobs runs background reconstructions of extracted window files.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/usestring/webreplay/internal/reconstruct"
)

// Func processes one window file.
type Func func(ctx context.Context, windowPath string) error

// Stats counts submitted jobs.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Running   int64 `json:"running"`
	Dropped   int64 `json:"dropped"`
}

// Runner executes jobs on their own goroutines without ordering between
// them. Submitting a path that is already being processed joins the
// running job instead of starting another.
type Runner struct {
	ctx    context.Context
	fn     Func
	logger *slog.Logger
	group  singleflight.Group
	wg     sync.WaitGroup

	mu       sync.Mutex
	draining bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	running   atomic.Int64
	dropped   atomic.Int64
}

// NewRunner creates a runner whose jobs run under ctx. A nil logger uses
// slog.Default().
func NewRunner(ctx context.Context, fn Func, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{ctx: ctx, fn: fn, logger: logger}
}

// Submit starts processing path in the background and returns immediately.
// Once Wait has been called the path is dropped.
func (r *Runner) Submit(path string) {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		r.dropped.Add(1)
		r.logger.Warn("runner draining, reconstruction dropped", slog.String("window", path))
		return
	}
	r.submitted.Add(1)
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.running.Add(1)
		defer r.running.Add(-1)

		_, err, shared := r.group.Do(path, func() (any, error) {
			return nil, r.fn(r.ctx, path)
		})
		if err != nil {
			r.failed.Add(1)
			r.logger.Error("reconstruction job failed",
				slog.String("window", path),
				slog.Any("error", err),
			)
			return
		}
		r.completed.Add(1)
		if shared {
			r.logger.Debug("reconstruction job coalesced", slog.String("window", path))
		}
	}()
}

// Wait stops accepting jobs and blocks until every submitted job has
// finished.
func (r *Runner) Wait() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
	r.wg.Wait()
}

// Stats returns a snapshot of the job counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Submitted: r.submitted.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Running:   r.running.Load(),
		Dropped:   r.dropped.Load(),
	}
}

// Reconstruction returns the job that reconstructs a window into outputDir
// and refreshes the index page there.
func Reconstruction(p *reconstruct.Pipeline, outputDir string, logger *slog.Logger) Func {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, windowPath string) error {
		logger.Info("auto-reconstructing window", slog.String("window", windowPath))

		report, err := p.Reconstruct(ctx, windowPath, outputDir, nil)
		if err != nil {
			return err
		}
		if _, err := reconstruct.WriteIndex(outputDir, report.Cached); err != nil {
			return err
		}

		logger.Info("reconstruction complete",
			slog.String("window", windowPath),
			slog.Int("pages", report.Pages),
			slog.Int("resources", report.Resources),
			slog.Int("cached", len(report.Cached)),
		)
		return nil
	}
}
