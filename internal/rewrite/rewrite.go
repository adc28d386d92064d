// Package rewrite points resource references inside captured HTML documents
// at their reconstructed local copies.
package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
)

// Lookup resolves an absolute URL to a local file path.
type Lookup interface {
	Lookup(url string) (string, bool)
}

// Outcome classifies a rewrite attempt.
type Outcome int

const (
	// Unchanged means no reference had a local copy; HTML is the input.
	Unchanged Outcome = iota
	// Rewritten means at least one reference was rewritten.
	Rewritten
	// Fallback means the document could not be processed; HTML is the input.
	Fallback
)

// Result is the outcome of rewriting one document.
type Result struct {
	HTML     []byte
	Outcome  Outcome
	Rewrites int
	Err      error // Set for Fallback
}

// targets maps each element to the attribute that carries its resource
// reference.
var targets = map[string]string{
	"link":   "href",
	"script": "src",
	"img":    "src",
	"a":      "href",
	"iframe": "src",
}

// skipPrefixes are reference forms that never name a captured resource.
var skipPrefixes = []string{"data:", "#", "javascript:", "mailto:"}

// Rewrite rewrites references in doc, fetched from sourceURL and saved at
// docPath, into paths relative to docPath's directory. References without an
// entry in resources are left untouched. Only the rewritten attribute values
// change; every other byte of doc is copied as is.
func Rewrite(doc []byte, sourceURL, docPath string, resources Lookup) Result {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return Result{HTML: doc, Outcome: Fallback, Err: fmt.Errorf("parse source url: %w", err)}
	}

	docDir := filepath.Dir(docPath)
	z := html.NewTokenizer(bytes.NewReader(doc))

	var (
		out      bytes.Buffer
		offset   int // start of the current token in doc
		copied   int // doc[:copied] is already in out
		rewrites int
	)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return Result{HTML: doc, Outcome: Fallback, Err: fmt.Errorf("tokenize html: %w", err)}
			}
			break
		}
		raw := z.Raw()
		start := offset
		offset += len(raw)

		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := z.TagName()
		attr, ok := targets[string(name)]
		if !ok || !hasAttr {
			continue
		}

		sp, ok := findAttr(raw, attr)
		if !ok {
			continue
		}
		val := html.UnescapeString(string(sp.value(raw)))
		local, ok := localReference(val, base, docDir, resources)
		if !ok {
			continue
		}

		if start+sp.end > len(doc) {
			return Result{HTML: doc, Outcome: Fallback, Err: errors.New("token offsets past end of document")}
		}
		if rewrites == 0 {
			out.Grow(len(doc))
		}
		out.Write(doc[copied : start+sp.start])
		quote := byte('"')
		if sp.quote != 0 {
			quote = sp.quote
		}
		out.WriteByte(quote)
		out.WriteString(html.EscapeString(local))
		out.WriteByte(quote)
		copied = start + sp.end
		rewrites++
	}

	if rewrites == 0 {
		return Result{HTML: doc, Outcome: Unchanged}
	}
	out.Write(doc[copied:])
	return Result{HTML: out.Bytes(), Outcome: Rewritten, Rewrites: rewrites}
}

// valueSpan locates an attribute value inside a raw tag. start and end
// include the quotes of a quoted value.
type valueSpan struct {
	start, end int
	quote      byte
}

func (s valueSpan) value(raw []byte) []byte {
	if s.quote != 0 {
		return raw[s.start+1 : s.end-1]
	}
	return raw[s.start:s.end]
}

// findAttr scans a raw start tag for the first attribute named name
// (case-insensitive) that has a value. The scan follows the tokenizer's
// attribute rules closely enough for the tags the rewriter targets.
func findAttr(raw []byte, name string) (valueSpan, bool) {
	n := len(raw)
	i := 1
	for i < n && !isSpace(raw[i]) && raw[i] != '/' && raw[i] != '>' {
		i++
	}
	for i < n {
		for i < n && (isSpace(raw[i]) || raw[i] == '/') {
			i++
		}
		if i >= n || raw[i] == '>' {
			return valueSpan{}, false
		}

		keyStart := i
		i++ // a leading '=' belongs to the key
		for i < n && !isSpace(raw[i]) && raw[i] != '/' && raw[i] != '=' && raw[i] != '>' {
			i++
		}
		key := raw[keyStart:i]
		for i < n && isSpace(raw[i]) {
			i++
		}
		if i >= n || raw[i] != '=' {
			continue
		}
		i++
		for i < n && isSpace(raw[i]) {
			i++
		}

		var sp valueSpan
		if i < n && (raw[i] == '"' || raw[i] == '\'') {
			q := raw[i]
			j := bytes.IndexByte(raw[i+1:], q)
			if j < 0 {
				return valueSpan{}, false
			}
			sp = valueSpan{start: i, end: i + j + 2, quote: q}
		} else {
			j := i
			for j < n && !isSpace(raw[j]) && raw[j] != '>' {
				j++
			}
			sp = valueSpan{start: i, end: j}
		}
		if strings.EqualFold(string(key), name) {
			return sp, true
		}
		i = sp.end
	}
	return valueSpan{}, false
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}

// localReference maps one attribute value to a relative local path.
func localReference(val string, base *url.URL, docDir string, resources Lookup) (string, bool) {
	ref := strings.TrimSpace(val)
	if ref == "" {
		return "", false
	}
	lower := strings.ToLower(ref)
	for _, p := range skipPrefixes {
		if strings.HasPrefix(lower, p) {
			return "", false
		}
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(parsed)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}

	fragment := abs.Fragment
	abs.Fragment = ""
	abs.RawFragment = ""

	local, ok := resources.Lookup(abs.String())
	if !ok && parsed.IsAbs() {
		plain, _, _ := strings.Cut(ref, "#")
		local, ok = resources.Lookup(plain)
	}
	if !ok {
		return "", false
	}

	target := filepath.ToSlash(local)
	if r, err := filepath.Rel(docDir, local); err == nil {
		target = escapePath(filepath.ToSlash(r))
	}
	if fragment != "" {
		target += "#" + url.PathEscape(fragment)
	}
	return target, true
}

// escapePath percent-escapes each segment of a slash-separated path so that
// file names containing '%', spaces or '#' survive browser decoding.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
