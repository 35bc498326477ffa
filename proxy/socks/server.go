package socks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Mmx233/llproxy/protocol"
	"github.com/rs/zerolog"
	"github.com/yl2chen/cidranger"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
)

type Config struct {
	// Listen is the TCP control address, e.g. "127.0.0.1:1080".
	Listen string
	// UDPHost is the address relay sockets bind to. Empty uses the IP the
	// control connection arrived on.
	UDPHost string
	// AllowedNetworks limits relayed destinations. Empty allows all.
	AllowedNetworks  []string
	HandshakeTimeout time.Duration
}

// NewRanger builds a destination allow-list from CIDR strings. A nil ranger
// is returned for an empty list.
func NewRanger(networks []string) (cidranger.Ranger, error) {
	if len(networks) == 0 {
		return nil, nil
	}
	r := cidranger.NewPCTrieRanger()
	for _, s := range networks {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("parse allowed network %q: %w", s, err)
		}
		if err := r.Insert(cidranger.NewBasicRangerEntry(*n)); err != nil {
			return nil, fmt.Errorf("insert allowed network %q: %w", s, err)
		}
	}
	return r, nil
}

// Server accepts SOCKS5 control connections and creates one Association per
// UDP ASSOCIATE request.
type Server struct {
	cfg     Config
	factory HandlerFactory
	allowed cidranger.Ranger
	logger  zerolog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(cfg Config, factory HandlerFactory, logger zerolog.Logger) (*Server, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	allowed, err := NewRanger(cfg.AllowedNetworks)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		factory: factory,
		allowed: allowed,
		logger:  logger.With().Str("com", "socks").Logger(),
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// ListenAndServe listens on cfg.Listen and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen socks: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Addr returns the control listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts control connections on ln until ctx is done or Close is
// called. It returns nil on a requested shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	s.logger.Info().Stringer("addr", ln.Addr()).Msg("socks5 listener started")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Error().Err(err).Msg("accept control connection failed")
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting and tears down every open association.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.With().Stringer("client", conn.RemoteAddr()).Logger()
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err := readGreeting(conn); err != nil {
		logger.Debug().Err(err).Msg("handshake failed")
		return
	}
	req, err := readRequest(conn)
	if err != nil {
		logger.Debug().Err(err).Msg("handshake failed")
		return
	}
	if req.Cmd != CmdUDPAssociate {
		_ = writeReply(conn, RepCommandNotSupported, netip.AddrPort{})
		logger.Debug().Err(protoErr("request", fmt.Errorf("%w: %d", ErrUnsupportedCommand, req.Cmd))).Msg("handshake failed")
		return
	}

	udpConn, err := s.listenUDP(ctx, conn)
	if err != nil {
		_ = writeReply(conn, RepGeneralFailure, netip.AddrPort{})
		logger.Error().Err(err).Msg("listen UDP relay failed")
		return
	}
	bound := udpConn.LocalAddr().(*net.UDPAddr).AddrPort()
	if err := writeReply(conn, RepSuccess, bound); err != nil {
		_ = udpConn.Close()
		logger.Debug().Err(err).Msg("handshake failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	var clientIP netip.Addr
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		clientIP = ap.Addr()
	}
	a := NewAssociation(ctx, AssociationConfig{
		Conn:     udpConn,
		Control:  conn,
		ClientIP: clientIP,
		Allowed:  s.allowed,
		Logger:   logger,
	}, s.factory)
	logger.Info().Stringer("relay", bound).Msg("udp associate established")

	// the control connection carries no data after the handshake; its EOF
	// ends the association
	_, _ = protocol.Drain(conn)
	a.Close()
	<-a.Done()
}

func (s *Server) listenUDP(ctx context.Context, ctrl net.Conn) (*net.UDPConn, error) {
	host := s.cfg.UDPHost
	if host == "" {
		if la, ok := ctrl.LocalAddr().(*net.TCPAddr); ok && la.IP.To4() != nil {
			host = la.IP.String()
		}
	}
	lc := net.ListenConfig{Control: setSocketOptions}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}
	return pc.(*net.UDPConn), nil
}
