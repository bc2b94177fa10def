package peer

import (
	"sort"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/postalsys/wolbridge/internal/metrics"
)

// NormalizeName returns the canonical (NFC) form of a bridge name so that
// differently composed spellings resolve to the same registry entry.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

// Registry maps bridge names to connections. There is at most one entry per
// name and the latest registration wins.
type Registry struct {
	mu      sync.RWMutex
	bridges map[string]*Connection
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		bridges: make(map[string]*Connection),
		metrics: m,
	}
}

// Add registers c under name, replacing any previous entry. It returns the
// replaced connection, or nil.
func (r *Registry) Add(name string, c *Connection) *Connection {
	name = NormalizeName(name)

	r.mu.Lock()
	prev := r.bridges[name]
	r.bridges[name] = c
	count := len(r.bridges)
	r.mu.Unlock()

	r.metrics.RecordBridgeRegistered(count)
	if prev == c {
		return nil
	}
	return prev
}

// Remove deletes the entry for name only if it is c, so a stale connection
// cannot evict its replacement.
func (r *Registry) Remove(name string, c *Connection) bool {
	name = NormalizeName(name)

	r.mu.Lock()
	existing, ok := r.bridges[name]
	if ok && existing == c {
		delete(r.bridges, name)
	}
	count := len(r.bridges)
	r.mu.Unlock()

	if ok && existing == c {
		r.metrics.SetBridges(count)
		return true
	}
	return false
}

// Get returns the live connection registered under name.
func (r *Registry) Get(name string) (*Connection, bool) {
	r.mu.RLock()
	c, ok := r.bridges[NormalizeName(name)]
	r.mu.RUnlock()

	if !ok || c.IsClosed() {
		return nil, false
	}
	return c, true
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.bridges))
	for name := range r.bridges {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Snapshot returns the info of every registered connection, ordered by name.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.bridges))
	for name, c := range r.bridges {
		info := c.Info()
		info.Name = name
		infos = append(infos, info)
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.bridges))
	for _, c := range r.bridges {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
