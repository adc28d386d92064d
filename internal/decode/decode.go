// Package decode turns a captured response body back into raw bytes.
//
// At most one decompression stage is applied. A codec failure never fails the
// record: the undecoded bytes are passed through so one bad resource cannot
// abort a reconstruction run.
package decode

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/usestring/webreplay/pkg/flowrec"
)

// DefaultMaxBytes bounds the decoded size of a single body.
const DefaultMaxBytes = 64 << 20

var errTooLarge = errors.New("decoded body exceeds size limit")

// Codec identifies the decompression stage applied to a body.
type Codec int

const (
	CodecIdentity Codec = iota
	CodecGzip
	CodecDeflate
	CodecBrotli
)

// String returns the content-encoding token for the codec.
func (c Codec) String() string {
	switch c {
	case CodecGzip:
		return "gzip"
	case CodecDeflate:
		return "deflate"
	case CodecBrotli:
		return "br"
	default:
		return "identity"
	}
}

// Outcome classifies a decode attempt.
type Outcome int

const (
	// Empty means the record carried no body. Not an error.
	Empty Outcome = iota
	// Decoded means Body holds the decoded bytes (identity included).
	Decoded
	// PassThrough means the codec failed and Body holds the undecoded bytes.
	PassThrough
	// Fatal means the transport encoding itself was invalid; Body is nil.
	Fatal
)

// String returns a short label for logs.
func (o Outcome) String() string {
	switch o {
	case Empty:
		return "empty"
	case Decoded:
		return "decoded"
	case PassThrough:
		return "pass-through"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is the outcome of decoding one body.
type Result struct {
	Body    []byte
	Outcome Outcome
	Codec   Codec
	Err     error // Set for PassThrough and Fatal
}

// Usable reports whether Body can be persisted.
func (r Result) Usable() bool {
	return (r.Outcome == Decoded || r.Outcome == PassThrough) && len(r.Body) > 0
}

// Decoder decodes response bodies.
type Decoder struct {
	// MaxBytes bounds the decompressed output. Zero means DefaultMaxBytes.
	MaxBytes int64
}

// New creates a Decoder with the given output bound.
func New(maxBytes int64) *Decoder {
	return &Decoder{MaxBytes: maxBytes}
}

// DecodeRecord decodes the response body of a flow record.
func (d *Decoder) DecodeRecord(rec *flowrec.FlowRecord) Result {
	return d.Decode(rec.RespBodyB64, rec.RespHeaders)
}

// Decode base64-decodes body and applies the codec selected by headers.
func (d *Decoder) Decode(b64 string, headers flowrec.Headers) Result {
	if b64 == "" {
		return Result{Outcome: Empty}
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Result{Outcome: Fatal, Err: fmt.Errorf("invalid base64 body: %w", err)}
	}
	return d.DecodeBytes(raw, headers)
}

// DecodeBytes applies the codec selected by headers to raw.
func (d *Decoder) DecodeBytes(raw []byte, headers flowrec.Headers) Result {
	if len(raw) == 0 {
		return Result{Outcome: Empty}
	}

	codec := SelectCodec(headers.Get("content-encoding"), raw)

	var (
		out []byte
		err error
	)
	switch codec {
	case CodecBrotli:
		out, err = d.readAll(brotli.NewReader(bytes.NewReader(raw)))
	case CodecGzip:
		out, err = d.gunzip(raw)
	case CodecDeflate:
		out, err = d.inflate(raw)
	default:
		return Result{Body: raw, Outcome: Decoded, Codec: CodecIdentity}
	}

	if err != nil {
		return Result{Body: raw, Outcome: PassThrough, Codec: codec, Err: fmt.Errorf("%s: %w", codec, err)}
	}
	return Result{Body: out, Outcome: Decoded, Codec: codec}
}

// SelectCodec picks the decompression stage for a body. The outermost
// recognized token of contentEncoding wins; when the header selects nothing,
// a gzip magic-byte sniff is used.
func SelectCodec(contentEncoding string, raw []byte) Codec {
	tokens := strings.Split(strings.ToLower(contentEncoding), ",")
	for i := len(tokens) - 1; i >= 0; i-- {
		switch strings.TrimSpace(tokens[i]) {
		case "br", "brotli":
			return CodecBrotli
		case "gzip", "x-gzip":
			return CodecGzip
		case "deflate":
			return CodecDeflate
		}
	}
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		return CodecGzip
	}
	return CodecIdentity
}

func (d *Decoder) gunzip(raw []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return d.readAll(r)
}

// inflate tries a zlib-wrapped stream first, then headerless raw deflate.
func (d *Decoder) inflate(raw []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
		out, zerr := d.readAll(zr)
		zr.Close()
		if zerr == nil {
			return out, nil
		}
		if errors.Is(zerr, errTooLarge) {
			return nil, zerr
		}
	}

	fr := flate.NewReader(bytes.NewReader(raw))
	defer fr.Close()
	return d.readAll(fr)
}

func (d *Decoder) readAll(r io.Reader) ([]byte, error) {
	limit := d.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, errTooLarge
	}
	return out, nil
}
