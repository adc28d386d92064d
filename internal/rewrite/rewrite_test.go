package rewrite

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapLookup map[string]string

func (m mapLookup) Lookup(u string) (string, bool) {
	p, ok := m[u]
	return p, ok
}

func attrOf(t *testing.T, doc []byte, selector, attr string) string {
	t.Helper()
	d, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	require.NoError(t, err)
	sel := d.Find(selector)
	require.Equal(t, 1, sel.Length(), "selector %s", selector)
	v, ok := sel.Attr(attr)
	require.True(t, ok)
	return v
}

func TestRewrite_RootRelative(t *testing.T) {
	root := t.TempDir()
	resources := mapLookup{
		"https://site.example/a.png": filepath.Join(root, "site.example", "a.png"),
	}
	doc := []byte(`<html><body><img id="i" src="/a.png"></body></html>`)

	res := Rewrite(doc, "https://site.example/", filepath.Join(root, "site.example", "index.html"), resources)
	require.Equal(t, Rewritten, res.Outcome)
	assert.Equal(t, 1, res.Rewrites)
	assert.Equal(t, "a.png", attrOf(t, res.HTML, "#i", "src"))
}

func TestRewrite_ReferenceForms(t *testing.T) {
	root := t.TempDir()
	site := filepath.Join(root, "site.example")
	resources := mapLookup{
		"https://site.example/static/app.css":   filepath.Join(site, "static", "app.css"),
		"https://cdn.example/lib.js":            filepath.Join(root, "cdn.example", "lib.js"),
		"https://site.example/blog/img/p.png":   filepath.Join(site, "blog", "img", "p.png"),
		"https://site.example/blog/other.html":  filepath.Join(site, "blog", "other.html"),
		"https://site.example/frame":            filepath.Join(site, "frame.html"),
		"https://other.example/abs.png":         filepath.Join(root, "other.example", "abs.png"),
		"https://site.example/img/with%20space": filepath.Join(site, "img", "with space.png"),
	}
	doc := []byte(`<!DOCTYPE html><html><head>
<link id="css" rel="stylesheet" href="/static/app.css">
<script id="js" src="//cdn.example/lib.js"></script>
</head><body>
<img id="rel" src="img/p.png">
<img id="abs" src="https://other.example/abs.png">
<img id="space" src="/img/with%20space">
<a id="sib" href="other.html#part">x</a>
<a id="up" href="../frame">up</a>
<iframe id="frame" src="/frame"></iframe>
<a id="dangling" href="/not-captured.html">d</a>
</body></html>`)

	res := Rewrite(doc, "https://site.example/blog/post", filepath.Join(site, "blog", "post.html"), resources)
	require.Equal(t, Rewritten, res.Outcome)
	assert.Equal(t, 8, res.Rewrites)

	assert.Equal(t, "../static/app.css", attrOf(t, res.HTML, "#css", "href"))
	assert.Equal(t, "../../cdn.example/lib.js", attrOf(t, res.HTML, "#js", "src"))
	assert.Equal(t, "img/p.png", attrOf(t, res.HTML, "#rel", "src"))
	assert.Equal(t, "../../other.example/abs.png", attrOf(t, res.HTML, "#abs", "src"))
	assert.Equal(t, "../img/with%20space.png", attrOf(t, res.HTML, "#space", "src"))
	assert.Equal(t, "other.html#part", attrOf(t, res.HTML, "#sib", "href"))
	assert.Equal(t, "../frame.html", attrOf(t, res.HTML, "#up", "href"))
	assert.Equal(t, "../frame.html", attrOf(t, res.HTML, "#frame", "src"))
	assert.Equal(t, "/not-captured.html", attrOf(t, res.HTML, "#dangling", "href"))
}

func TestRewrite_ProtocolRelativeUsesDocumentScheme(t *testing.T) {
	root := t.TempDir()
	resources := mapLookup{
		"http://cdn.example/x.js": filepath.Join(root, "cdn.example", "x.js"),
	}
	doc := []byte(`<script id="s" src="//cdn.example/x.js"></script>`)

	res := Rewrite(doc, "http://site.example/", filepath.Join(root, "site.example", "index.html"), resources)
	require.Equal(t, Rewritten, res.Outcome)
	assert.Equal(t, "../cdn.example/x.js", attrOf(t, res.HTML, "#s", "src"))
}

func TestRewrite_SkippedSchemesUntouched(t *testing.T) {
	root := t.TempDir()
	resources := mapLookup{
		"https://site.example/a.png": filepath.Join(root, "site.example", "a.png"),
	}
	skipped := map[string]string{
		"#js":     "javascript:void(0)",
		"#frag":   "#top",
		"#data":   "data:image/png;base64,iVBORw0KGgo=",
		"#mail":   "mailto:soc@example.org",
		"#jsCase": "JavaScript:alert(1)",
	}
	doc := []byte(`<html><body>
<img src="/a.png">
<a id="js" href="javascript:void(0)">j</a>
<a id="frag" href="#top">f</a>
<img id="data" src="data:image/png;base64,iVBORw0KGgo=">
<a id="mail" href="mailto:soc@example.org">m</a>
<a id="jsCase" href="JavaScript:alert(1)">c</a>
</body></html>`)

	res := Rewrite(doc, "https://site.example/", filepath.Join(root, "site.example", "index.html"), resources)
	require.Equal(t, Rewritten, res.Outcome)
	assert.Equal(t, 1, res.Rewrites)

	for sel, want := range skipped {
		attr := "href"
		if sel == "#data" {
			attr = "src"
		}
		assert.Equal(t, want, attrOf(t, res.HTML, sel, attr), sel)
	}
}

func TestRewrite_NoMatchesReturnsOriginalBytes(t *testing.T) {
	doc := []byte(`<p>unclosed <a href="javascript:x">link <img src="/missing.png">`)

	res := Rewrite(doc, "https://site.example/", "/out/site.example/index.html", mapLookup{})
	assert.Equal(t, Unchanged, res.Outcome)
	assert.Equal(t, doc, res.HTML)
	assert.Zero(t, res.Rewrites)
}

func TestRewrite_BadSourceURLFallsBack(t *testing.T) {
	doc := []byte(`<img src="/a.png">`)

	res := Rewrite(doc, "http://[::1", "/out/x/index.html", mapLookup{"http://[::1]/a.png": "/out/a.png"})
	assert.Equal(t, Fallback, res.Outcome)
	assert.Equal(t, doc, res.HTML)
	assert.Error(t, res.Err)
}

func TestRewrite_PreservesUntouchedBytes(t *testing.T) {
	root := t.TempDir()
	site := filepath.Join(root, "site.example")
	resources := mapLookup{
		"https://site.example/a.png":     filepath.Join(site, "a.png"),
		"https://site.example/a.js":      filepath.Join(site, "a.js"),
		"https://site.example/q?x=1&y=2": filepath.Join(site, "q_1a2b3c4d.png"),
		"https://site.example/":          filepath.Join(site, "index.html"),
	}
	docPath := filepath.Join(site, "index.html")

	tests := []struct {
		name     string
		in       string
		want     string
		rewrites int
	}{
		{
			name:     "skipped scheme keeps its raw quotes",
			in:       `<img src="/a.png"><a href="javascript:alert('x')">j</a>`,
			want:     `<img src="a.png"><a href="javascript:alert('x')">j</a>`,
			rewrites: 1,
		},
		{
			name:     "quote styles and spacing",
			in:       "<IMG SRC='/a.png' alt=\"it's\">\n<script src=/a.js defer></script><a data-x=\"1\" href = \"/a.png#top\">t</a>",
			want:     "<IMG SRC='a.png' alt=\"it's\">\n<script src=\"a.js\" defer></script><a data-x=\"1\" href = \"a.png#top\">t</a>",
			rewrites: 3,
		},
		{
			name:     "entity in value",
			in:       `<p>&nbsp;x</p><img src="/q?x=1&amp;y=2"/>`,
			want:     `<p>&nbsp;x</p><img src="q_1a2b3c4d.png"/>`,
			rewrites: 1,
		},
		{
			name:     "markup inside script text is not a tag",
			in:       `<script>var s = "<img src='/a.png'>";</script><a href="/">home</a>`,
			want:     `<script>var s = "<img src='/a.png'>";</script><a href="index.html">home</a>`,
			rewrites: 1,
		},
		{
			name:     "no document wrapper added",
			in:       `<!-- c --><link rel=stylesheet href="/a.js"><div>text</div>`,
			want:     `<!-- c --><link rel=stylesheet href="a.js"><div>text</div>`,
			rewrites: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Rewrite([]byte(tt.in), "https://site.example/", docPath, resources)
			require.Equal(t, Rewritten, res.Outcome)
			assert.Equal(t, tt.rewrites, res.Rewrites)
			assert.Equal(t, tt.want, string(res.HTML))
		})
	}
}

func TestRewrite_EscapesInsertedValue(t *testing.T) {
	root := t.TempDir()
	site := filepath.Join(root, "site.example")
	resources := mapLookup{"https://site.example/a": filepath.Join(site, "a&b.png")}

	res := Rewrite([]byte(`<img src="/a">`), "https://site.example/", filepath.Join(site, "index.html"), resources)
	require.Equal(t, Rewritten, res.Outcome)
	assert.Equal(t, `<img src="a&amp;b.png">`, string(res.HTML))
	assert.Equal(t, "a&b.png", attrOf(t, res.HTML, "img", "src"))
}
