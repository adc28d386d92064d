package decode

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/base64"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usestring/webreplay/pkg/flowrec"
)

var payload = []byte("hello")

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func rawDeflateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zlibBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecodeBytes_RoundTrips(t *testing.T) {
	tests := []struct {
		name     string
		encoding string
		body     []byte
		codec    Codec
	}{
		{"brotli", "br", brotliBytes(t, payload), CodecBrotli},
		{"gzip", "gzip", gzipBytes(t, payload), CodecGzip},
		{"x-gzip", "x-gzip", gzipBytes(t, payload), CodecGzip},
		{"raw deflate", "deflate", rawDeflateBytes(t, payload), CodecDeflate},
		{"zlib deflate", "deflate", zlibBytes(t, payload), CodecDeflate},
		{"gzip sniffed without header", "", gzipBytes(t, payload), CodecGzip},
		{"identity", "", payload, CodecIdentity},
		{"explicit identity", "identity", payload, CodecIdentity},
	}

	d := New(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.DecodeBytes(tt.body, flowrec.Headers{"Content-Encoding": tt.encoding})
			assert.Equal(t, Decoded, res.Outcome)
			assert.Equal(t, tt.codec, res.Codec)
			assert.Equal(t, payload, res.Body)
			assert.NoError(t, res.Err)
		})
	}
}

func TestDecodeBytes_CorruptedGzipPassesThrough(t *testing.T) {
	corrupted := append([]byte{0x1f, 0x8b}, []byte("definitely not gzip")...)

	res := New(0).DecodeBytes(corrupted, flowrec.Headers{"content-encoding": "gzip"})
	assert.Equal(t, PassThrough, res.Outcome)
	assert.Equal(t, corrupted, res.Body)
	assert.Error(t, res.Err)
	assert.True(t, res.Usable())
}

func TestDecodeBytes_TruncatedGzipPassesThrough(t *testing.T) {
	full := gzipBytes(t, bytes.Repeat([]byte("abcdefgh"), 64))
	truncated := full[:len(full)/2]

	res := New(0).DecodeBytes(truncated, flowrec.Headers{"Content-Encoding": "gzip"})
	assert.Equal(t, PassThrough, res.Outcome)
	assert.Equal(t, truncated, res.Body)
}

func TestDecodeBytes_BadBrotliPassesThrough(t *testing.T) {
	full := brotliBytes(t, bytes.Repeat([]byte("0123456789abcdef"), 256))
	bad := full[:len(full)/2]

	res := New(0).DecodeBytes(bad, flowrec.Headers{"Content-Encoding": "br"})
	assert.Equal(t, PassThrough, res.Outcome)
	assert.Equal(t, bad, res.Body)
}

func TestDecodeBytes_SizeLimit(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 4096)
	compressed := gzipBytes(t, big)

	res := New(1024).DecodeBytes(compressed, flowrec.Headers{"Content-Encoding": "gzip"})
	assert.Equal(t, PassThrough, res.Outcome)
	assert.Equal(t, compressed, res.Body)

	res = New(8192).DecodeBytes(compressed, flowrec.Headers{"Content-Encoding": "gzip"})
	assert.Equal(t, Decoded, res.Outcome)
	assert.Equal(t, big, res.Body)
}

func TestDecode_Base64(t *testing.T) {
	d := New(0)

	res := d.Decode(base64.StdEncoding.EncodeToString(gzipBytes(t, payload)), flowrec.Headers{"Content-Encoding": "gzip"})
	assert.Equal(t, Decoded, res.Outcome)
	assert.Equal(t, payload, res.Body)

	res = d.Decode("", nil)
	assert.Equal(t, Empty, res.Outcome)
	assert.Nil(t, res.Body)
	assert.False(t, res.Usable())

	res = d.Decode("not-valid-base64!!!", nil)
	assert.Equal(t, Fatal, res.Outcome)
	assert.Nil(t, res.Body)
	assert.Error(t, res.Err)
}

func TestDecodeRecord(t *testing.T) {
	rec := &flowrec.FlowRecord{
		RespHeaders: flowrec.Headers{"Content-Encoding": "br"},
		RespBodyB64: base64.StdEncoding.EncodeToString(brotliBytes(t, payload)),
	}

	res := New(0).DecodeRecord(rec)
	assert.Equal(t, Decoded, res.Outcome)
	assert.Equal(t, payload, res.Body)
}

func TestSelectCodec(t *testing.T) {
	gz := []byte{0x1f, 0x8b, 0x08}

	assert.Equal(t, CodecBrotli, SelectCodec("BR", nil))
	assert.Equal(t, CodecGzip, SelectCodec("deflate, gzip", nil))
	assert.Equal(t, CodecDeflate, SelectCodec("gzip, deflate", nil))
	assert.Equal(t, CodecGzip, SelectCodec("", gz))
	assert.Equal(t, CodecGzip, SelectCodec("zstd", gz))
	assert.Equal(t, CodecIdentity, SelectCodec("zstd", []byte("plain")))
	assert.Equal(t, CodecDeflate, SelectCodec("deflate", gz))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "pass-through", PassThrough.String())
	assert.Equal(t, "br", CodecBrotli.String())
}
