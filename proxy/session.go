package proxy

import (
	"cmp"
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/Mmx233/llproxy/protocol"
	"github.com/Mmx233/llproxy/proxy/circuit"
	"github.com/Mmx233/llproxy/proxy/socks"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

var ErrSessionClosed = errors.New("session closed")

// Session is one SOCKS5 UDP association: a single viewer and every region
// it talks to.
type Session struct {
	ID      ulid.ULID
	Created time.Time

	proxy  *Proxy
	assoc  *socks.Association
	logger zerolog.Logger

	mu      sync.RWMutex
	regions map[netip.AddrPort]*Region
	waiters map[*waiter]struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
}

type waiter struct {
	pred func(*protocol.Message) bool
	ch   chan *protocol.Message
}

func (p *Proxy) newSession(a *socks.Association) socks.Handler {
	id := ulid.Make()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:      id,
		Created: time.Now(),
		proxy:   p,
		assoc:   a,
		logger:  p.logger.With().Str("session", id.String()).Logger(),
		regions: make(map[netip.AddrPort]*Region),
		waiters: make(map[*waiter]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.registry.addSession(s)
	s.logger.Info().Stringer("relay", a.LocalAddr()).Msg("session opened")

	go s.loop(p.config.Circuit.AckFlushInterval.Std())
	return s
}

// Done is closed once the session's background loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Proxy() *Proxy {
	return s.proxy
}

// Regions returns the session's regions ordered by simulator address.
func (s *Session) Regions() []*Region {
	s.mu.RLock()
	out := make([]*Region, 0, len(s.regions))
	for _, r := range s.regions {
		out = append(out, r)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Region) int {
		// Equivalent to netip.AddrPort.Compare (Go 1.22+): address, then port.
		if c := a.Addr.Addr().Compare(b.Addr.Addr()); c != 0 {
			return c
		}
		return cmp.Compare(a.Addr.Port(), b.Addr.Port())
	})
	return out
}

// Region returns the region for the simulator at far.
func (s *Session) Region(far netip.AddrPort) (*Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[far]
	return r, ok
}

// regionFor resolves the region for far through the registry, creating it
// on first contact.
func (s *Session) regionFor(far netip.AddrPort) (*Region, error) {
	near, _ := s.assoc.Route(far)
	if h, ok := s.proxy.registry.Lookup(near, far); ok && h.Session == s {
		return h.Region, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}
	if r, ok := s.regions[far]; ok && r.Client == near {
		return r, nil
	}
	r := newRegion(s, near, far)
	s.regions[far] = r
	s.proxy.registry.addRegion(RegionHandle{Session: s, Region: r})
	s.logger.Info().Stringer("region", far).Msg("region opened")
	return r, nil
}

func (s *Session) circuitOptions(r *Region, trusted bool) circuit.Options {
	conf := s.proxy.config.Circuit
	return circuit.Options{
		Trusted:       trusted,
		RetryInterval: conf.RetryInterval.Std(),
		MaxRetries:    conf.MaxRetries,
		Logger:        &s.logger,
		OnAbandon: func(a circuit.Abandoned) {
			if s.proxy.onAbandon != nil {
				s.proxy.onAbandon(s, r, a)
			}
		},
	}
}

// removeRegion kills the region's circuits and forgets its address.
func (s *Session) removeRegion(r *Region) {
	s.mu.Lock()
	if cur, ok := s.regions[r.Addr]; ok && cur == r {
		delete(s.regions, r.Addr)
	}
	s.mu.Unlock()
	r.close()
	s.proxy.registry.removeRegion(RegionHandle{Session: s, Region: r})
	s.assoc.Forget(r.Addr)
	s.logger.Info().Stringer("region", r.Addr).Msg("region closed")
}

// WaitFor blocks until a relayed message matches pred and returns a copy of
// it. pred runs on the packet path and must not modify the message.
func (s *Session) WaitFor(ctx context.Context, pred func(*protocol.Message) bool) (*protocol.Message, error) {
	w := &waiter{pred: pred, ch: make(chan *protocol.Message, 1)}
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.waiters[w] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, w)
		s.mu.Unlock()
	}()

	select {
	case m := <-w.ch:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrSessionClosed
	}
}

func (s *Session) notifyWaiters(msg *protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.waiters {
		if w.pred(msg) {
			w.ch <- msg.Clone()
			delete(s.waiters, w)
		}
	}
}

// loop flushes owed acks and resends unacked injected packets.
func (s *Session) loop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			for _, r := range s.Regions() {
				r.tick(now)
			}
		}
	}
}

// HandleOutbound implements socks.Handler for datagrams from the viewer.
func (s *Session) HandleOutbound(far netip.AddrPort, payload []byte) {
	s.relay(protocol.DirectionOut, far, payload)
}

// HandleInbound implements socks.Handler for datagrams from a simulator.
func (s *Session) HandleInbound(far netip.AddrPort, payload []byte) {
	s.relay(protocol.DirectionIn, far, payload)
}

// Close ends the session and its association.
func (s *Session) Close() {
	s.assoc.Close()
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Session) shutdown() {
	s.mu.Lock()
	s.cancel()
	regions := make([]*Region, 0, len(s.regions))
	for _, r := range s.regions {
		regions = append(regions, r)
	}
	clear(s.regions)
	s.mu.Unlock()

	for _, r := range regions {
		r.close()
	}
	s.proxy.registry.removeSession(s)
	s.logger.Info().Dur("age", time.Since(s.Created)).Msg("session closed")
}

// send writes data toward dir's receiver and records it.
func (s *Session) send(r *Region, dir protocol.Direction, data []byte) error {
	src, dst := r.Addr, r.Client
	var err error
	if dir == protocol.DirectionOut {
		src, dst = dst, src
		err = s.assoc.SendToFar(r.Addr, data)
	} else {
		err = s.assoc.SendToClient(r.Addr, data)
	}
	if err != nil {
		return err
	}
	s.proxy.record(src, dst, data)
	return nil
}
