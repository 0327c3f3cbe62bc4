package server

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/inkwell/internal/blog"
	"github.com/danmuck/inkwell/internal/protocol/dispatch"
)

// SessionInfo is a point-in-time view of one registered connection.
type SessionInfo struct {
	RemoteAddr  string
	Fingerprint string
	Author      string
	Role        blog.Role
	ConnectedAt time.Time
	State       dispatch.State
}

// Registry tracks authenticated connections by remote endpoint, with a
// secondary index by certificate fingerprint.
type Registry struct {
	mu            sync.RWMutex
	byRemote      map[string]*Conn
	byFingerprint map[string]map[*Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byRemote:      make(map[string]*Conn),
		byFingerprint: make(map[string]map[*Conn]struct{}),
	}
}

func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byRemote[c.remote]; ok {
		r.unindex(prev)
	}
	r.byRemote[c.remote] = c
	set, ok := r.byFingerprint[c.fingerprint]
	if !ok {
		set = make(map[*Conn]struct{})
		r.byFingerprint[c.fingerprint] = set
	}
	set[c] = struct{}{}
}

// Remove drops c. A different connection that has since taken the same
// remote endpoint is left alone.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byRemote[c.remote]; ok && cur == c {
		delete(r.byRemote, c.remote)
	}
	r.unindex(c)
}

func (r *Registry) unindex(c *Conn) {
	set, ok := r.byFingerprint[c.fingerprint]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.byFingerprint, c.fingerprint)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRemote)
}

func (r *Registry) Lookup(remote string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byRemote[remote]
	return c, ok
}

// ByFingerprint returns every connection authenticated with fingerprint.
func (r *Registry) ByFingerprint(fingerprint string) []*Conn {
	fp := blog.NormalizeFingerprint(fingerprint)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byFingerprint[fp]))
	for c := range r.byFingerprint[fp] {
		out = append(out, c)
	}
	return out
}

// Snapshot returns all registered sessions ordered by remote endpoint.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.byRemote))
	for _, c := range r.byRemote {
		out = append(out, c.info())
	}
	r.mu.RUnlock()
	sortSessions(out)
	return out
}

func sortSessions(s []SessionInfo) {
	sort.Slice(s, func(i, j int) bool {
		return s[i].RemoteAddr < s[j].RemoteAddr
	})
}
