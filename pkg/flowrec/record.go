// Package flowrec defines the HTTP flow record exchanged between the capture
// feed, the rolling buffer, window files and the reconstruction pipeline.
package flowrec

import (
	"math"
	"net/url"
	"strings"
	"time"
)

// Headers is a header mapping as emitted by the capture addon.
// Keys keep their original case; lookups are case-insensitive.
type Headers map[string]string

// Get returns the value for the given header name (case-insensitive).
// Returns an empty string if the header is not found.
func (h Headers) Get(name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// FlowRecord is one observed HTTP transaction.
// Records are immutable once appended to a buffer.
type FlowRecord struct {
	Timestamp   float64 `json:"timestamp"` // Seconds since epoch
	Client      string  `json:"client"`
	Server      string  `json:"server"`
	URL         string  `json:"url"`
	Method      string  `json:"method"`
	ReqHeaders  Headers `json:"req_headers"`
	ReqBody     string  `json:"req_body"`
	StatusCode  int     `json:"status_code"`
	RespHeaders Headers `json:"resp_headers"`
	MimeType    string  `json:"mime_type"`
	RespBodyB64 string  `json:"resp_body_b64"` // Base64-encoded raw response body
}

// Time returns the capture timestamp as a time.Time.
func (r *FlowRecord) Time() time.Time {
	sec, frac := math.Modf(r.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Host returns the host[:port] of the record URL, or "" if it does not parse.
func (r *FlowRecord) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// IsHTML reports whether the declared MIME type is an HTML document.
func (r *FlowRecord) IsHTML() bool {
	return strings.Contains(strings.ToLower(r.MimeType), "html")
}

// IsSuccess reports a 2xx response.
func (r *FlowRecord) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsNotModified reports a 304 response, which carries no body.
func (r *FlowRecord) IsNotModified() bool {
	return r.StatusCode == 304
}

// HasBody reports whether a response body was captured.
func (r *FlowRecord) HasBody() bool {
	return r.RespBodyB64 != ""
}

// Timestamp converts t into the float seconds used on the wire.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
