// Package ingest reads the line-delimited JSON flow feed written by the
// capture addon and appends each record to a sink.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/usestring/webreplay/pkg/flowrec"
)

// Sink receives decoded records in arrival order.
type Sink interface {
	Append(rec flowrec.FlowRecord)
}

// Stats counts what one feed consumed.
type Stats struct {
	Lines   int `json:"lines"`
	Records int `json:"records"`
	Skipped int `json:"skipped"` // Blank lines excluded
}

// Feeder drains a capture feed into a Sink.
type Feeder struct {
	sink   Sink
	now    func() time.Time
	logger *slog.Logger
}

// NewFeeder creates a feeder. now stamps the arrival time of each record;
// nil means time.Now.
func NewFeeder(sink Sink, now func() time.Time, logger *slog.Logger) *Feeder {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feeder{sink: sink, now: now, logger: logger}
}

// Feed reads r until EOF. Blank, non-JSON and URL-less lines (the addon's
// error reports) are ignored. Blocks on the next line only; ctx is checked
// between lines, so cancelling requires closing r as well.
func (f *Feeder) Feed(ctx context.Context, r io.Reader) (Stats, error) {
	var stats Stats
	br := bufio.NewReader(r)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			f.handle(line, &stats)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			return stats, fmt.Errorf("read capture feed: %w", err)
		}
	}
}

func (f *Feeder) handle(line []byte, stats *Stats) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	stats.Lines++

	if line[0] != '{' {
		stats.Skipped++
		f.logger.Debug("capture engine output", "line", string(line))
		return
	}

	var rec flowrec.FlowRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		stats.Skipped++
		f.logger.Debug("malformed capture line", "error", err)
		return
	}
	if rec.URL == "" {
		stats.Skipped++
		f.logger.Warn("capture addon reported an error", "line", string(line))
		return
	}

	rec.Timestamp = flowrec.Timestamp(f.now())
	f.sink.Append(rec)
	stats.Records++
}
