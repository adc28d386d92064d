package alert

import (
	"sync"
	"time"

	"github.com/usestring/webreplay/pkg/flowrec"
)

// Phase is the extractor state.
type Phase string

const (
	// Idle means no future window is pending.
	Idle Phase = "idle"
	// AwaitingFuture means a future window extraction is scheduled.
	AwaitingFuture Phase = "awaiting_future"
)

// TimestampLayout formats alert times for status reporting.
const TimestampLayout = "2006-01-02 15:04:05"

// Status is a copy of the alert state for reporting.
type Status struct {
	Phase            Phase     `json:"phase"`
	Active           bool      `json:"alert_active"`
	AlertTime        time.Time `json:"alert_time,omitzero"`
	AlertTimestamp   string    `json:"alert_timestamp,omitempty"`
	FutureCaptureEnd int64     `json:"future_capture_end,omitempty"` // Unix seconds
	Pending          int       `json:"pending_future_windows"`
	Alerts           int       `json:"alerts"`
	Coalesced        int       `json:"coalesced"`
	LastEvent        *Event    `json:"last_event,omitempty"`
	LastPastWindow   string    `json:"last_past_window,omitempty"`
	LastFutureWindow string    `json:"last_future_window,omitempty"`
	Truncated        int       `json:"truncated_windows"`
}

// State is the owned alert state shared between the extractor and the status
// surface. All access goes through its methods.
type State struct {
	mu sync.Mutex
	s  Status
}

// NewState returns an idle state.
func NewState() *State {
	return &State{s: Status{Phase: Idle}}
}

// Status returns a copy of the current state.
func (st *State) Status() Status {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := st.s
	if st.s.LastEvent != nil {
		ev := *st.s.LastEvent
		out.LastEvent = &ev
	}
	return out
}

// Clear acknowledges the current alert. Pending future extractions still run.
func (st *State) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.s.Active = false
	st.s.AlertTime = time.Time{}
	st.s.AlertTimestamp = ""
	st.s.FutureCaptureEnd = 0
	st.s.LastEvent = nil
}

// begin records an accepted alert. With coalesce set, an alert arriving
// while a future window is pending is counted and rejected.
func (st *State) begin(ev Event, now time.Time, futureEnd time.Time, coalesce bool) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if coalesce && st.s.Phase == AwaitingFuture {
		st.s.Coalesced++
		return false
	}

	st.s.Phase = AwaitingFuture
	st.s.Active = true
	st.s.AlertTime = now
	st.s.AlertTimestamp = now.Format(TimestampLayout)
	st.s.FutureCaptureEnd = futureEnd.Unix()
	st.s.Pending++
	st.s.Alerts++
	st.s.LastEvent = &ev
	return true
}

func (st *State) recordWindow(ext *Extraction) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if ext.Truncated {
		st.s.Truncated++
	}
	if ext.HTTPPath == "" {
		return
	}
	switch ext.Phase {
	case flowrec.PhasePast:
		st.s.LastPastWindow = ext.HTTPPath
	case flowrec.PhaseFuture:
		st.s.LastFutureWindow = ext.HTTPPath
	}
}

// finishFuture marks one pending future window as done and returns to Idle
// once none remain.
func (st *State) finishFuture() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.s.Pending > 0 {
		st.s.Pending--
	}
	if st.s.Pending == 0 {
		st.s.Phase = Idle
	}
}
