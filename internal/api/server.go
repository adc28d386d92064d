// Package api exposes the alert state and the extracted artifacts over HTTP
// for the status collaborator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/usestring/webreplay/internal/alert"
	"github.com/usestring/webreplay/internal/jobs"
	"github.com/usestring/webreplay/pkg/flowrec"
)

// AlertHandler raises alerts.
type AlertHandler interface {
	HandleAlert(ctx context.Context, ev alert.Event) (*alert.Extraction, error)
}

// BufferStats reports flow buffer occupancy.
type BufferStats interface {
	Len() int
	Cap() int
	Evicted() int64
	Oldest() (flowrec.FlowRecord, bool)
}

// Runner reports whether an engine process is alive.
type Runner interface {
	Running() bool
}

// JobStats reports background job counters.
type JobStats interface {
	Stats() jobs.Stats
}

// Deps are the collaborators served by the API. Nil members are reported as
// absent.
type Deps struct {
	State            *alert.State
	Alerts           AlertHandler
	Buffer           BufferStats
	Engines          map[string]Runner
	Jobs             JobStats
	ReconstructedDir string
	PcapDir          string
}

// BufferStatus is the buffer section of the status document.
type BufferStatus struct {
	Len     int       `json:"len"`
	Cap     int       `json:"cap"`
	Evicted int64     `json:"evicted"`
	Oldest  time.Time `json:"oldest,omitzero"` // Arrival time of the oldest buffered flow
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Alert   alert.Status    `json:"alert"`
	Buffer  *BufferStatus   `json:"buffer,omitempty"`
	Engines map[string]bool `json:"engines"`
	Jobs    *jobs.Stats     `json:"jobs,omitempty"`
}

// AlertRequest is the optional body of POST /alerts.
type AlertRequest struct {
	Source  string `json:"source"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// AlertResponse is returned by POST /alerts.
type AlertResponse struct {
	Coalesced  bool              `json:"coalesced"`
	Extraction *alert.Extraction `json:"extraction,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type server struct {
	deps Deps
}

// NewServer builds the router.
func NewServer(deps Deps) http.Handler {
	if deps.State == nil {
		deps.State = alert.NewState()
	}
	s := &server{deps: deps}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	router.Get("/status", s.status)
	router.Post("/alerts", s.raiseAlert)
	router.Post("/alerts/clear", s.clearAlert)
	router.Get("/download/pcap", s.downloadPcap)
	if deps.ReconstructedDir != "" {
		fs := http.StripPrefix("/reconstructed/", http.FileServer(http.Dir(deps.ReconstructedDir)))
		router.Get("/reconstructed/*", fs.ServeHTTP)
	}
	return router
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Alert:   s.deps.State.Status(),
		Engines: make(map[string]bool, len(s.deps.Engines)),
	}
	if b := s.deps.Buffer; b != nil {
		resp.Buffer = &BufferStatus{Len: b.Len(), Cap: b.Cap(), Evicted: b.Evicted()}
		if rec, ok := b.Oldest(); ok {
			resp.Buffer.Oldest = rec.Time().UTC()
		}
	}
	for name, e := range s.deps.Engines {
		resp.Engines[name] = e != nil && e.Running()
	}
	if j := s.deps.Jobs; j != nil {
		st := j.Stats()
		resp.Jobs = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) raiseAlert(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		writeJSON(w, http.StatusServiceUnavailable, AlertResponse{Error: "alert extraction is not configured"})
		return
	}

	var req AlertRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, AlertResponse{Error: err.Error()})
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, AlertResponse{Error: "invalid alert body: " + err.Error()})
			return
		}
	}
	if req.Source == "" {
		req.Source = "api"
	}

	ext, err := s.deps.Alerts.HandleAlert(r.Context(), alert.Event{
		Source:  req.Source,
		ID:      req.ID,
		Message: req.Message,
	})
	switch {
	case errors.Is(err, alert.ErrCoalesced):
		writeJSON(w, http.StatusAccepted, AlertResponse{Coalesced: true})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, AlertResponse{Extraction: ext, Error: err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, AlertResponse{Extraction: ext})
	}
}

func (s *server) clearAlert(w http.ResponseWriter, r *http.Request) {
	s.deps.State.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// downloadPcap serves the newest merged packet capture.
func (s *server) downloadPcap(w http.ResponseWriter, r *http.Request) {
	latest := latestCapture(s.deps.PcapDir)
	if latest == "" {
		http.Error(w, "no pcap files found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(latest)+`"`)
	http.ServeFile(w, r, latest)
}

// latestCapture picks the most recently written capture; names are not
// ordered in time across phases.
func latestCapture(dir string) string {
	if dir == "" {
		return ""
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var (
		best    string
		bestMod time.Time
	)
	for _, e := range entries {
		n := e.Name()
		if !e.Type().IsRegular() || !(strings.HasSuffix(n, ".pcap") || strings.HasSuffix(n, ".pcapng")) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if best == "" || mod.After(bestMod) || (mod.Equal(bestMod) && n > best) {
			best, bestMod = n, mod
		}
	}
	if best == "" {
		return ""
	}
	return filepath.Join(dir, best)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}
