package pathmap

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rel(t *testing.T, root, p string) string {
	t.Helper()
	r, err := filepath.Rel(root, p)
	require.NoError(t, err)
	return filepath.ToSlash(r)
}

func TestResolve_Layout(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)

	tests := []struct {
		name string
		url  string
		mime string
		want string
	}{
		{"root path", "https://site.example/", "text/html", "site.example/index.html"},
		{"no path", "https://site.example", "text/html", "site.example/index.html"},
		{"port in host", "http://site.example:8080/a.png", "image/png", "site.example_8080/a.png"},
		{"nested", "https://site.example/static/css/main.css", "text/css", "site.example/static/css/main.css"},
		{"html extension added", "https://site.example/about", "text/html; charset=utf-8", "site.example/about.html"},
		{"js extension added", "https://site.example/app", "application/javascript", "site.example/app.js"},
		{"png extension added", "https://site.example/logo", "image/png", "site.example/logo.png"},
		{"unknown mime keeps name", "https://site.example/blob", "application/octet-stream", "site.example/blob"},
		{"depth collapsed", "https://site.example/a/b/c/d/e/f.js", "application/javascript", "site.example/a/b/c/f.js"},
		{"empty segments dropped", "https://site.example//a//b.css", "text/css", "site.example/a/b.css"},
		{"illegal characters", "https://site.example/a*b/c:d.png", "image/png", "site.example/a_b/c_d.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Resolve(tt.url, tt.mime)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rel(t, root, p))
		})
	}
}

func TestResolve_QueryString(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)

	u := "https://site.example/search?q=go"
	p, err := r.Resolve(u, "text/html")
	require.NoError(t, err)
	assert.Equal(t, "site.example/search_"+shortHash(u, 8)+".html", rel(t, root, p))

	u = "https://site.example/lib.min.js?v=3"
	p, err = r.Resolve(u, "")
	require.NoError(t, err)
	assert.Equal(t, "site.example/lib_"+shortHash(u, 8)+".js", rel(t, root, p))

	u = "https://site.example/pixel?id=1"
	p, err = r.Resolve(u, "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, "site.example/pixel_"+shortHash(u, 8)+".html", rel(t, root, p))

	u = "https://site.example/?page=2"
	p, err = r.Resolve(u, "text/html")
	require.NoError(t, err)
	assert.Equal(t, "site.example/index_"+shortHash(u, 8)+".html", rel(t, root, p))
}

func TestResolve_QueryDisambiguates(t *testing.T) {
	r := NewResolver(t.TempDir())

	plain, err := r.Resolve("https://site.example/page", "text/html")
	require.NoError(t, err)
	q1, err := r.Resolve("https://site.example/page?x=1", "text/html")
	require.NoError(t, err)
	q2, err := r.Resolve("https://site.example/page?x=2", "text/html")
	require.NoError(t, err)

	assert.NotEqual(t, plain, q1)
	assert.NotEqual(t, plain, q2)
	assert.NotEqual(t, q1, q2)
}

func TestResolve_Deterministic(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)

	u := "https://site.example/a/b/c?d=e"
	first, err := r.Resolve(u, "text/css")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := r.Resolve(u, "text/css")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	other := NewResolver(root)
	fresh, err := other.Resolve(u, "text/css")
	require.NoError(t, err)
	assert.Equal(t, first, fresh, "a new run derives the same path from the same inputs")
}

func TestResolve_LongSegmentHashed(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)

	long1 := strings.Repeat("a", 80) + "1.png"
	long2 := strings.Repeat("a", 80) + "2.png"
	p1, err := r.Resolve("https://site.example/"+long1, "image/png")
	require.NoError(t, err)
	p2, err := r.Resolve("https://site.example/"+long2, "image/png")
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.LessOrEqual(t, len(filepath.Base(p1)), MaxSegmentLen)
	assert.True(t, strings.HasSuffix(p1, ".png"))
}

func TestResolve_LongPathFallback(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)

	seg := strings.Repeat("x", 49)
	u := "https://site.example/" + seg + "/" + seg + "/" + seg + "/" + seg + "/" + seg + "/" + seg + ".js"
	p, err := r.Resolve(u, "application/javascript")
	require.NoError(t, err)

	if len(filepath.Join(root, "site.example", seg, seg, seg, seg+".js")) > MaxPathLen {
		assert.Equal(t, "site.example/file_"+shortHash(u, 12)+".js", rel(t, root, p))
	}
	assert.LessOrEqual(t, len(rel(t, root, p)), MaxPathLen)
}

func TestResolve_TraversalStaysUnderRoot(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)

	urls := []string{
		"https://site.example/../../etc/passwd",
		"https://site.example/a/../../../secret.txt",
		"https://site.example/%2e%2e/%2e%2e/x.html",
		"https://site.example/..%2f..%2fescape.html",
		"https://site.example/..\\..\\win.ini",
		"https://../../up/",
	}
	for _, u := range urls {
		t.Run(u, func(t *testing.T) {
			p, err := r.Resolve(u, "text/html")
			require.NoError(t, err)
			assert.True(t, within(root, p), "path %s escapes %s", p, root)
			assert.NotContains(t, strings.Split(rel(t, root, p), "/"), "..")
		})
	}
}

func TestResolve_FlattenOnMkdirFailure(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "site.example"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "site.example", "a"), []byte("file"), 0o644))

	p, err := r.Resolve("https://site.example/a/b/c.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, "site.example/a_b_c.png", rel(t, root, p))
}

func TestResolve_FlattenOnInjectedFailure(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)
	r.mkdir = func(string) error { return errors.New("nesting not supported") }

	p, err := r.Resolve("https://site.example/x/y/z.css", "text/css")
	require.NoError(t, err)
	assert.Equal(t, "site.example/x_y_z.css", rel(t, root, p))
}

func TestResolve_Unparseable(t *testing.T) {
	r := NewResolver(t.TempDir())

	_, err := r.Resolve("http://[::1", "text/html")
	assert.Error(t, err)
}

func TestResourceMap_RoundTrip(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)
	m := NewResourceMap()

	u := "https://site.example/img/logo?size=2"
	p, err := r.Resolve(u, "image/png")
	require.NoError(t, err)
	m.Set(u, p)

	got, ok := m.Lookup(u)
	require.True(t, ok)
	again, err := r.Resolve(u, "image/png")
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, 1, m.Len())

	_, ok = m.Lookup("https://site.example/missing")
	assert.False(t, ok)
}
