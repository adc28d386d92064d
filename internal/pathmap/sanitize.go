package pathmap

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// Length bounds for generated names.
const (
	MaxSegmentLen   = 50
	MaxQueryBaseLen = 30
	MaxFlatLen      = 100
	MaxPathLen      = 250
)

// Characters that are illegal in file names on Windows (and "/" everywhere).
const illegalChars = `<>:"|?*\/`

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// SanitizeSegment makes one path segment safe for constrained filesystems.
// Illegal characters become "_", control characters are dropped, and a segment
// longer than maxLen is truncated and suffixed with a short hash of the
// original (unsanitized) segment so distinct long names stay distinct.
func SanitizeSegment(segment string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(segment))
	for _, r := range segment {
		switch {
		case r < 0x20 || r == 0x7f:
			continue
		case strings.ContainsRune(illegalChars, r):
			b.WriteByte('_')
		case r == utf8.RuneError:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	name := b.String()

	switch name {
	case "":
		return "_"
	case ".":
		return "_"
	case "..":
		return "__"
	}

	// Windows silently drops trailing dots and spaces.
	if last := name[len(name)-1]; last == '.' || last == ' ' {
		name = name[:len(name)-1] + "_"
	}

	base, _, _ := strings.Cut(name, ".")
	if reservedNames[strings.ToUpper(base)] {
		name = "_" + name
	}

	if len(name) <= maxLen {
		return name
	}

	suffix := shortHash(segment, 4)
	if base, ext, ok := strings.Cut(name, "."); ok && len(ext) <= 10 {
		keep := maxLen - len(ext) - 6
		if keep < 0 {
			keep = 0
		}
		return truncate(base, keep) + "_" + suffix + "." + ext
	}
	keep := maxLen - 5
	if keep < 0 {
		keep = 0
	}
	return truncate(name, keep) + "_" + suffix
}

// shortHash returns the first n hex characters of the MD5 of s.
func shortHash(s string, n int) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
