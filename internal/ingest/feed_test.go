package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usestring/webreplay/pkg/flowrec"
)

type sliceSink struct {
	records []flowrec.FlowRecord
}

func (s *sliceSink) Append(rec flowrec.FlowRecord) {
	s.records = append(s.records, rec)
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFeed(t *testing.T) {
	arrival := time.Unix(1_700_000_000, 0)
	input := strings.Join([]string{
		`{"timestamp": 1, "url": "https://a.example/", "method": "GET", "status_code": 200, "mime_type": "text/html", "resp_headers": {"Content-Type": "text/html"}}`,
		``,
		`Loading script addon.py`,
		`{"error": "boom"}`,
		`{"url": "https://a.example/x.png", "status_code": 200`,
		`   {"url": "https://b.example/api", "method": "POST", "status_code": 201}   `,
	}, "\n")

	sink := &sliceSink{}
	stats, err := NewFeeder(sink, func() time.Time { return arrival }, quiet()).Feed(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, Stats{Lines: 5, Records: 2, Skipped: 3}, stats)
	require.Len(t, sink.records, 2)
	assert.Equal(t, "https://a.example/", sink.records[0].URL)
	assert.Equal(t, "text/html", sink.records[0].RespHeaders.Get("content-type"))
	assert.Equal(t, "https://b.example/api", sink.records[1].URL)
	for _, r := range sink.records {
		assert.Equal(t, flowrec.Timestamp(arrival), r.Timestamp)
	}
}

func TestFeed_NoTrailingNewline(t *testing.T) {
	sink := &sliceSink{}
	stats, err := NewFeeder(sink, nil, quiet()).Feed(context.Background(), strings.NewReader(`{"url":"https://a.example/"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)
	assert.NotZero(t, sink.records[0].Timestamp)
}

func TestFeed_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFeeder(&sliceSink{}, nil, quiet()).Feed(ctx, strings.NewReader("{}\n"))
	assert.ErrorIs(t, err, context.Canceled)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("pipe broken") }

func TestFeed_ReadError(t *testing.T) {
	_, err := NewFeeder(&sliceSink{}, nil, quiet()).Feed(context.Background(), failingReader{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipe broken")
}
