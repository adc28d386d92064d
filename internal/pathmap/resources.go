package pathmap

// ResourceMap maps absolute URLs to the local paths assigned in the first
// reconstruction pass. It belongs to a single run and is not synchronized.
type ResourceMap struct {
	entries map[string]string
}

// NewResourceMap creates an empty map.
func NewResourceMap() *ResourceMap {
	return &ResourceMap{entries: make(map[string]string)}
}

// Set records the local path for url.
func (m *ResourceMap) Set(url, path string) {
	m.entries[url] = path
}

// Lookup returns the local path for url.
func (m *ResourceMap) Lookup(url string) (string, bool) {
	p, ok := m.entries[url]
	return p, ok
}

// Len returns the number of entries.
func (m *ResourceMap) Len() int {
	return len(m.entries)
}
