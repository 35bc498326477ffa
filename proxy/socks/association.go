package socks

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/Mmx233/llproxy/protocol"
	"github.com/rs/zerolog"
	"github.com/yl2chen/cidranger"
)

var (
	ErrUnknownRoute      = errors.New("no client route for far address")
	ErrAssociationClosed = errors.New("association closed")
)

// PacketConn is the datagram socket an Association relays over.
// *net.UDPConn satisfies it.
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// Handler receives the datagrams of one association. The payload slices are
// only valid for the duration of the call.
type Handler interface {
	// HandleOutbound is called with the unwrapped payload the client
	// addressed to far.
	HandleOutbound(far netip.AddrPort, payload []byte)
	// HandleInbound is called with a datagram received from far.
	HandleInbound(far netip.AddrPort, payload []byte)
	// Close is called once after the association stops reading.
	Close()
}

// HandlerFactory builds the Handler for a new association.
type HandlerFactory func(a *Association) Handler

type AssociationConfig struct {
	Conn PacketConn
	// Control is closed together with the association.
	Control io.Closer
	// ClientIP restricts SOCKS-framed datagrams to one source address.
	ClientIP netip.Addr
	// Allowed limits relayed destinations. Nil allows everything.
	Allowed cidranger.Ranger
	Logger  zerolog.Logger
}

// Association relays one client's UDP traffic. Datagrams from a learned far
// address are inbound; anything else must be a SOCKS5 UDP request from the
// client.
type Association struct {
	conn     PacketConn
	control  io.Closer
	clientIP netip.Addr
	allowed  cidranger.Ranger
	handler  Handler
	logger   zerolog.Logger

	mu     sync.RWMutex
	client netip.AddrPort
	routes map[netip.AddrPort]netip.AddrPort // far -> near

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewAssociation starts relaying on cfg.Conn. The association owns the
// socket and closes it when ctx is cancelled or Close is called.
func NewAssociation(ctx context.Context, cfg AssociationConfig, factory HandlerFactory) *Association {
	ctx, cancel := context.WithCancel(ctx)
	a := &Association{
		conn:     cfg.Conn,
		control:  cfg.Control,
		clientIP: cfg.ClientIP.Unmap(),
		allowed:  cfg.Allowed,
		logger:   cfg.Logger.With().Stringer("relay", cfg.Conn.LocalAddr()).Logger(),
		routes:   make(map[netip.AddrPort]netip.AddrPort),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	a.handler = factory(a)

	go func() {
		<-ctx.Done()
		a.Close()
	}()
	go a.readLoop()
	return a
}

// LocalAddr is the relay address handed to the client.
func (a *Association) LocalAddr() net.Addr {
	return a.conn.LocalAddr()
}

// Client returns the last source address of a SOCKS-framed datagram.
func (a *Association) Client() netip.AddrPort {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// Route returns the client address learned for far.
func (a *Association) Route(far netip.AddrPort) (netip.AddrPort, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	near, ok := a.routes[far]
	return near, ok
}

// Routes returns a snapshot of the learned far -> near mappings.
func (a *Association) Routes() map[netip.AddrPort]netip.AddrPort {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[netip.AddrPort]netip.AddrPort, len(a.routes))
	for k, v := range a.routes {
		out[k] = v
	}
	return out
}

// Forget drops the mapping for far.
func (a *Association) Forget(far netip.AddrPort) {
	a.mu.Lock()
	delete(a.routes, far)
	a.mu.Unlock()
}

func (a *Association) learn(far, near netip.AddrPort) {
	a.mu.Lock()
	a.client = near
	if cur, ok := a.routes[far]; !ok || cur != near {
		a.routes[far] = near
		a.logger.Debug().Stringer("far", far).Stringer("near", near).Msg("learned route")
	}
	a.mu.Unlock()
}

func (a *Association) allow(addr netip.Addr) bool {
	if a.allowed == nil {
		return true
	}
	ok, err := a.allowed.Contains(net.IP(addr.AsSlice()))
	return err == nil && ok
}

// SendToClient wraps payload in a SOCKS5 UDP header naming far as the source
// and sends it to the client address learned for far.
func (a *Association) SendToClient(far netip.AddrPort, payload []byte) error {
	if a.ctx.Err() != nil {
		return ErrAssociationClosed
	}
	near, ok := a.Route(far)
	if !ok {
		return ErrUnknownRoute
	}

	bufPtr := protocol.GetDatagramBuffer()
	defer protocol.PutDatagramBuffer(bufPtr)
	buf := AppendHeader((*bufPtr)[:0], far)
	buf = append(buf, payload...)

	_, err := a.conn.WriteToUDPAddrPort(buf, near)
	return err
}

// SendToFar sends payload to far unframed.
func (a *Association) SendToFar(far netip.AddrPort, payload []byte) error {
	if a.ctx.Err() != nil {
		return ErrAssociationClosed
	}
	if !a.allow(far.Addr()) {
		return ErrNotAllowed
	}
	_, err := a.conn.WriteToUDPAddrPort(payload, far)
	return err
}

// Done is closed after the read loop exits and the handler is closed.
func (a *Association) Done() <-chan struct{} {
	return a.done
}

// Close stops the association. It does not wait for the read loop; use Done.
func (a *Association) Close() {
	a.closeOnce.Do(func() {
		a.cancel()
		_ = a.conn.Close()
		if a.control != nil {
			_ = a.control.Close()
		}
	})
}

// readLoop reads datagrams using pooled buffers
func (a *Association) readLoop() {
	defer func() {
		a.mu.Lock()
		clear(a.routes)
		a.mu.Unlock()
		a.handler.Close()
		close(a.done)
		a.logger.Debug().Msg("association closed")
	}()

	for {
		bufPtr := protocol.GetReadBuffer()
		buf := *bufPtr

		n, src, err := a.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			protocol.PutReadBuffer(bufPtr)
			select {
			case <-a.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				a.Close()
				return
			}
			a.logger.Error().Err(err).Msg("read UDP packet failed")
			continue
		}

		a.processDatagram(buf[:n], src)

		protocol.PutReadBuffer(bufPtr)
	}
}

func (a *Association) processDatagram(data []byte, src netip.AddrPort) {
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

	if _, ok := a.Route(src); ok {
		a.handler.HandleInbound(src, data)
		return
	}

	if a.clientIP.IsValid() && !a.clientIP.IsUnspecified() && src.Addr() != a.clientIP {
		a.logger.Debug().Stringer("src", src).Msg("dropped datagram from unknown source")
		return
	}
	d, err := ParseDatagram(data)
	if err != nil {
		a.logger.Debug().Err(err).Stringer("src", src).Msg("dropped malformed socks datagram")
		return
	}
	far, ok := d.Addr.AddrPort()
	if !ok {
		a.logger.Debug().Str("dst", d.Addr.String()).Msg("dropped datagram for domain destination")
		return
	}
	far = netip.AddrPortFrom(far.Addr().Unmap(), far.Port())
	if !a.allow(far.Addr()) {
		a.logger.Debug().Stringer("far", far).Msg("dropped datagram for disallowed destination")
		return
	}

	a.learn(far, src)
	a.handler.HandleOutbound(far, d.Payload)
}
