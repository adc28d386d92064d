package reconstruct

import (
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/usestring/webreplay/pkg/contenttype"
	"github.com/usestring/webreplay/pkg/flowrec"
)

var printer = message.NewPrinter(language.English)

// ResourceTally counts non-HTML responses by class.
type ResourceTally struct {
	Images      int `json:"images"`
	Scripts     int `json:"scripts"`
	Stylesheets int `json:"stylesheets"`
	JSON        int `json:"json"`
}

// Stats aggregates a capture window. Computing it never touches disk.
type Stats struct {
	TotalRequests int            `json:"total_requests"`
	Methods       map[string]int `json:"methods"`
	StatusCodes   map[int]int    `json:"status_codes"`
	ContentTypes  map[string]int `json:"content_types"`
	Domains       []string       `json:"domains"`
	HTMLPages     int            `json:"html_pages"`
	Resources     ResourceTally  `json:"resources"`
}

// ContentTypeCount is one entry of the MIME histogram.
type ContentTypeCount struct {
	MimeType string `json:"mime_type"`
	Count    int    `json:"count"`
}

// Analyse tallies methods, status codes, MIME types, domains and resource
// classes of w.
func Analyse(w flowrec.Window) Stats {
	s := Stats{
		TotalRequests: len(w),
		Methods:       make(map[string]int),
		StatusCodes:   make(map[int]int),
		ContentTypes:  make(map[string]int),
	}
	domains := make(map[string]struct{})

	for i := range w {
		rec := &w[i]

		method := rec.Method
		if method == "" {
			method = "unknown"
		}
		s.Methods[method]++
		s.StatusCodes[rec.StatusCode]++

		if rec.URL != "" {
			domains[rec.Host()] = struct{}{}
		}

		mt := strings.ToLower(rec.MimeType)
		if mt == "" {
			continue
		}
		s.ContentTypes[mt]++
		switch contenttype.Classify(mt) {
		case contenttype.HTML:
			s.HTMLPages++
		case contenttype.Image:
			s.Resources.Images++
		case contenttype.Script:
			s.Resources.Scripts++
		case contenttype.Stylesheet:
			s.Resources.Stylesheets++
		case contenttype.JSON:
			s.Resources.JSON++
		}
	}

	s.Domains = make([]string, 0, len(domains))
	for d := range domains {
		s.Domains = append(s.Domains, d)
	}
	sort.Strings(s.Domains)
	return s
}

// TopContentTypes returns the n most frequent MIME types, most frequent
// first, ties broken alphabetically. n <= 0 returns all of them.
func (s Stats) TopContentTypes(n int) []ContentTypeCount {
	out := make([]ContentTypeCount, 0, len(s.ContentTypes))
	for mt, c := range s.ContentTypes {
		out = append(out, ContentTypeCount{MimeType: mt, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].MimeType < out[j].MimeType
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Summary renders the report printed before a reconstruction.
func (s Stats) Summary() string {
	var b strings.Builder
	b.WriteString(printer.Sprintf("Total requests: %d\n", s.TotalRequests))
	b.WriteString(printer.Sprintf("HTML pages: %d\n", s.HTMLPages))
	b.WriteString(printer.Sprintf("Domains: %d\n", len(s.Domains)))

	methods := make([]string, 0, len(s.Methods))
	for m := range s.Methods {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	b.WriteString("Methods:")
	for _, m := range methods {
		b.WriteString(printer.Sprintf(" %s=%d", m, s.Methods[m]))
	}
	b.WriteString("\n")

	b.WriteString(printer.Sprintf("Resources: %d images, %d scripts, %d stylesheets, %d json\n",
		s.Resources.Images, s.Resources.Scripts, s.Resources.Stylesheets, s.Resources.JSON))

	b.WriteString("Top content types:\n")
	for _, ct := range s.TopContentTypes(5) {
		b.WriteString(printer.Sprintf("- %s: %d\n", ct.MimeType, ct.Count))
	}
	return b.String()
}
