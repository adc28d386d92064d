// Package alert extracts capture windows around alerts: the traffic seen
// before the alert immediately, and the traffic after it once the future
// delay has elapsed.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/usestring/webreplay/internal/pcapring"
	"github.com/usestring/webreplay/pkg/flowrec"
)

// ErrCoalesced is returned by HandleAlert when the alert was folded into the
// incident whose future window is still pending.
var ErrCoalesced = errors.New("alert coalesced into pending incident")

// OverlapPolicy decides what an alert does while a future window is pending.
type OverlapPolicy string

const (
	// Coalesce counts the alert and extracts nothing.
	Coalesce OverlapPolicy = "coalesce"
	// Independent extracts a new pair of windows for every alert.
	Independent OverlapPolicy = "independent"
)

// ParseOverlapPolicy parses a policy name (case-insensitive).
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch p := OverlapPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case Coalesce, Independent:
		return p, nil
	case "":
		return Coalesce, nil
	default:
		return "", fmt.Errorf("unknown overlap policy %q", s)
	}
}

// Event is an alert signal. Only Time is required.
type Event struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source,omitempty"`
	ID      string    `json:"id,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Buffer is the record source windows are cut from.
type Buffer interface {
	SnapshotAt(now time.Time, window time.Duration) (flowrec.Window, bool)
}

// Merger merges the latest packet capture files into one artifact.
type Merger interface {
	Merge(out string, n int) (pcapring.MergeResult, error)
}

// Submitter accepts window files for background reconstruction.
type Submitter interface {
	Submit(path string)
}

// Config holds the extraction parameters.
type Config struct {
	Window        time.Duration // Length of each window
	FutureDelay   time.Duration // Time from alert to future extraction
	RotationFiles int           // Packet files merged per window
	WebDir        string        // Destination of JSON windows
	PcapDir       string        // Destination of merged packet captures
	Policy        OverlapPolicy
}

// Extraction describes one extracted window.
type Extraction struct {
	Phase     flowrec.Phase        `json:"phase"`
	At        time.Time            `json:"at"`
	HTTPPath  string               `json:"http_path"`
	Records   int                  `json:"records"`
	Truncated bool                 `json:"truncated"`
	Pcap      pcapring.MergeResult `json:"pcap"`
}

// Extractor runs the Idle / AwaitingFuture state machine.
type Extractor struct {
	cfg    Config
	buf    Buffer
	ring   Merger
	jobs   Submitter
	state  *State
	clock  Clock
	logger *slog.Logger

	mu        sync.Mutex
	timers    map[uint64]Timer // pending future extractions
	nextTimer uint64
	stopped   bool

	// onFuture, when set, observes every future extraction.
	onFuture func(*Extraction, error)
}

// Deps are the collaborators of an Extractor. Ring and Jobs may be nil:
// without a ring no packet artifact is produced, without jobs nothing is
// reconstructed.
type Deps struct {
	Buffer Buffer
	Ring   Merger
	Jobs   Submitter
	State  *State
	Clock  Clock
	Logger *slog.Logger
}

// NewExtractor validates cfg and wires the extractor.
func NewExtractor(cfg Config, deps Deps) (*Extractor, error) {
	if deps.Buffer == nil {
		return nil, errors.New("alert extractor requires a buffer")
	}
	if cfg.Window <= 0 || cfg.FutureDelay <= 0 {
		return nil, errors.New("window and future delay must be positive")
	}
	if cfg.WebDir == "" || cfg.PcapDir == "" {
		return nil, errors.New("output directories are required")
	}
	if cfg.Policy == "" {
		cfg.Policy = Coalesce
	}
	if deps.State == nil {
		deps.State = NewState()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Extractor{
		cfg:    cfg,
		buf:    deps.Buffer,
		ring:   deps.Ring,
		jobs:   deps.Jobs,
		state:  deps.State,
		clock:  deps.Clock,
		logger: deps.Logger,
		timers: make(map[uint64]Timer),
	}, nil
}

// State returns the state owned by the extractor.
func (e *Extractor) State() *State {
	return e.state
}

// HandleAlert extracts the past window and schedules the future one.
// The window is cut at the extractor's clock, not at ev.Time, so it always
// ends at the moment the alert is processed. Returns ErrCoalesced when the
// overlap policy drops the alert.
func (e *Extractor) HandleAlert(ctx context.Context, ev Event) (*Extraction, error) {
	now := e.clock.Now()
	if ev.Time.IsZero() {
		ev.Time = now
	}

	if !e.state.begin(ev, now, now.Add(e.cfg.FutureDelay), e.cfg.Policy == Coalesce) {
		e.logger.Warn("alert while future window pending, coalesced",
			"source", ev.Source, "id", ev.ID, "time", ev.Time)
		return nil, ErrCoalesced
	}

	e.logger.Warn("alert received, extracting past window",
		"source", ev.Source, "id", ev.ID, "window", e.cfg.Window)

	ext, err := e.extract(ctx, flowrec.PhasePast, now)

	e.scheduleFuture()
	e.logger.Info("future window scheduled", "at", now.Add(e.cfg.FutureDelay))

	return ext, err
}

func (e *Extractor) scheduleFuture() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		e.state.finishFuture()
		return
	}
	e.nextTimer++
	id := e.nextTimer
	e.timers[id] = e.clock.AfterFunc(e.cfg.FutureDelay, func() {
		e.mu.Lock()
		delete(e.timers, id)
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			e.state.finishFuture()
			return
		}
		e.captureFuture()
	})
}

// Stop cancels every pending future extraction and returns how many were
// cancelled. Alerts handled afterwards extract their past window only.
func (e *Extractor) Stop() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	n := 0
	for id, t := range e.timers {
		if t.Stop() {
			n++
			e.state.finishFuture()
		}
		delete(e.timers, id)
	}
	if n > 0 {
		e.logger.Warn("pending future windows cancelled", "count", n)
	}
	return n
}

func (e *Extractor) captureFuture() {
	ext, err := e.extract(context.Background(), flowrec.PhaseFuture, e.clock.Now())
	e.state.finishFuture()
	if err != nil {
		e.logger.Error("future window extraction failed", "error", err)
	} else {
		e.logger.Info("future window captured", "path", ext.HTTPPath, "records", ext.Records)
	}
	if e.onFuture != nil {
		e.onFuture(ext, err)
	}
}

// extract cuts the window ending at now, writes it next to a merged packet
// capture, and hands the JSON file to reconstruction. A packet merge failure
// is logged and does not fail the extraction.
func (e *Extractor) extract(ctx context.Context, phase flowrec.Phase, now time.Time) (*Extraction, error) {
	records, truncated := e.buf.SnapshotAt(now, e.cfg.Window)
	minutes := int(e.cfg.Window / time.Minute)
	unix := now.Unix()

	ext := &Extraction{
		Phase:     phase,
		At:        now,
		Records:   len(records),
		Truncated: truncated,
	}
	httpPath := filepath.Join(e.cfg.WebDir, flowrec.WindowName("http", phase, minutes, unix, ".json"))
	pcapPath := filepath.Join(e.cfg.PcapDir, flowrec.WindowName("pcap", phase, minutes, unix, ".pcapng"))

	if truncated {
		e.logger.Warn("window truncated: buffer evicted records inside the window",
			"phase", string(phase), "records", len(records))
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := flowrec.WriteWindow(httpPath, records); err != nil {
			return fmt.Errorf("write %s window: %w", phase, err)
		}
		e.logger.Info("wrote http window", "path", httpPath, "records", len(records))
		return nil
	})
	if e.ring != nil {
		g.Go(func() error {
			res, err := e.ring.Merge(pcapPath, e.cfg.RotationFiles)
			if err != nil {
				e.logger.Warn("packet capture merge failed", "path", pcapPath, "error", err)
				return nil
			}
			ext.Pcap = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.state.recordWindow(ext)
		return ext, err
	}

	ext.HTTPPath = httpPath
	e.state.recordWindow(ext)
	if e.jobs != nil {
		e.jobs.Submit(httpPath)
	}
	return ext, nil
}
