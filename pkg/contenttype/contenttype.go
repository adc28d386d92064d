// Package contenttype classifies declared MIME types of captured responses and
// maps them to the file extensions used for reconstructed resources.
package contenttype

import (
	"mime"
	"strings"
)

// Category is the resource class a response is tallied under.
type Category string

const (
	HTML       Category = "html"
	Image      Category = "image"
	Script     Category = "script"
	Stylesheet Category = "stylesheet"
	JSON       Category = "json"
	Other      Category = "other"
)

// Classify returns the resource category for a MIME type value.
// Matching is by substring on the lowercased value, in the order html, image,
// javascript, css, json, so "application/xhtml+xml" counts as HTML and
// "application/json+javascript" as a script.
func Classify(mimeType string) Category {
	mt := strings.ToLower(mimeType)
	switch {
	case mt == "":
		return Other
	case strings.Contains(mt, "html"):
		return HTML
	case strings.Contains(mt, "image"):
		return Image
	case strings.Contains(mt, "javascript"):
		return Script
	case strings.Contains(mt, "css"):
		return Stylesheet
	case strings.Contains(mt, "json"):
		return JSON
	default:
		return Other
	}
}

// IsHTML reports whether mimeType denotes an HTML document (case-insensitive).
func IsHTML(mimeType string) bool {
	return strings.Contains(strings.ToLower(mimeType), "html")
}

// Extension returns the file extension (with leading dot) for a MIME type,
// or "" when the type has no fixed extension.
func Extension(mimeType string) string {
	mt := MediaType(mimeType)
	switch {
	case strings.Contains(mt, "html"):
		return ".html"
	case strings.Contains(mt, "javascript"), strings.Contains(mt, "ecmascript"):
		return ".js"
	case strings.Contains(mt, "css"):
		return ".css"
	case strings.Contains(mt, "json"):
		return ".json"
	case mt == "image/gif":
		return ".gif"
	case mt == "image/png":
		return ".png"
	case mt == "image/jpeg", mt == "image/jpg", mt == "image/pjpeg":
		return ".jpg"
	default:
		return ""
	}
}

// ExtensionOr returns Extension(mimeType), or fallback when there is none.
func ExtensionOr(mimeType, fallback string) string {
	if ext := Extension(mimeType); ext != "" {
		return ext
	}
	return fallback
}

// MediaType strips parameters (charset, boundary, etc.) from a MIME value and
// lowercases it. Falls back to plain lowercasing for malformed values.
func MediaType(mimeType string) string {
	if mimeType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mediaType
}
