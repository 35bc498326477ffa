package proxy

import (
	"net/netip"
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"
)

// RegionHandle names a region together with the session that owns it.
type RegionHandle struct {
	Session *Session
	Region  *Region
}

type addrPair struct {
	client netip.AddrPort
	sim    netip.AddrPort
}

// Registry maps circuit address pairs to sessions and regions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[ulid.ULID]*Session
	regions  map[addrPair]RegionHandle
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[ulid.ULID]*Session),
		regions:  make(map[addrPair]RegionHandle),
	}
}

// Lookup resolves the region carrying traffic between client and sim.
func (r *Registry) Lookup(client, sim netip.AddrPort) (RegionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.regions[addrPair{client, sim}]
	return h, ok
}

func (r *Registry) Session(id ulid.ULID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns live sessions, oldest first.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Session) int { return a.ID.Compare(b.ID) })
	return out
}

func (r *Registry) addSession(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// removeSession drops s and every region it owns.
func (r *Registry) removeSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID)
	for k, h := range r.regions {
		if h.Session == s {
			delete(r.regions, k)
		}
	}
}

func (r *Registry) addRegion(h RegionHandle) {
	r.mu.Lock()
	r.regions[addrPair{h.Region.Client, h.Region.Addr}] = h
	r.mu.Unlock()
}

func (r *Registry) removeRegion(h RegionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := addrPair{h.Region.Client, h.Region.Addr}
	if cur, ok := r.regions[k]; ok && cur.Region == h.Region {
		delete(r.regions, k)
	}
}
