package proxy

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Mmx233/llproxy/config"
	"github.com/Mmx233/llproxy/protocol"
	"github.com/Mmx233/llproxy/protocol/template"
	"github.com/Mmx233/llproxy/proxy/circuit"
	"github.com/Mmx233/llproxy/proxy/socks"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Recorder receives every datagram the proxy sends. *capture.Writer
// satisfies it.
type Recorder interface {
	WriteDatagram(src, dst netip.AddrPort, payload []byte, ts time.Time) error
}

type Option func(*Proxy)

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Proxy) { p.logger = logger }
}

func WithRecorder(r Recorder) Option {
	return func(p *Proxy) { p.recorder = r }
}

func WithHooks(hooks ...Hook) Option {
	return func(p *Proxy) { p.hooks = append(p.hooks, hooks...) }
}

// WithAbandonHandler is called for every injected reliable packet that ran
// out of retries.
func WithAbandonHandler(f func(*Session, *Region, circuit.Abandoned)) Option {
	return func(p *Proxy) { p.onAbandon = f }
}

// Proxy relays LLUDP traffic between SOCKS5 clients and simulators, decoding
// every message and running hooks over it.
type Proxy struct {
	config    *config.Proxy
	codec     *protocol.Codec
	logger    zerolog.Logger
	recorder  Recorder
	onAbandon func(*Session, *Region, circuit.Abandoned)
	registry  *Registry
	server    *socks.Server

	hooksMu sync.RWMutex
	hooks   []Hook

	recMu sync.Mutex
}

func New(conf *config.Proxy, schema *template.Schema, opts ...Option) (*Proxy, error) {
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	p := &Proxy{
		config:   conf,
		codec:    protocol.NewCodec(schema),
		logger:   log.Logger,
		registry: NewRegistry(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("com", "proxy").Logger()

	server, err := socks.NewServer(socks.Config{
		Listen:           conf.Socks.Listen,
		UDPHost:          conf.Socks.UDPHost,
		AllowedNetworks:  conf.Socks.AllowedNetworks,
		HandshakeTimeout: conf.Socks.HandshakeTimeout.Std(),
	}, p.newSession, p.logger)
	if err != nil {
		return nil, err
	}
	p.server = server
	return p, nil
}

// Start listens on the configured SOCKS5 address and serves until ctx is
// done.
func (p *Proxy) Start(ctx context.Context) error {
	return p.server.ListenAndServe(ctx)
}

// Serve is Start on an existing listener.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	return p.server.Serve(ctx, ln)
}

// Addr returns the SOCKS5 listener address once serving.
func (p *Proxy) Addr() net.Addr {
	return p.server.Addr()
}

func (p *Proxy) Close() error {
	return p.server.Close()
}

func (p *Proxy) Codec() *protocol.Codec {
	return p.codec
}

func (p *Proxy) Registry() *Registry {
	return p.registry
}

func (p *Proxy) Sessions() []*Session {
	return p.registry.Sessions()
}

// AddHook appends a hook. It applies to messages relayed after the call.
func (p *Proxy) AddHook(h Hook) {
	p.hooksMu.Lock()
	p.hooks = append(p.hooks, h)
	p.hooksMu.Unlock()
}

func (p *Proxy) Hooks() []Hook {
	p.hooksMu.RLock()
	defer p.hooksMu.RUnlock()
	return p.hooks[:len(p.hooks):len(p.hooks)]
}

func (p *Proxy) record(src, dst netip.AddrPort, data []byte) {
	if p.recorder == nil {
		return
	}
	p.recMu.Lock()
	err := p.recorder.WriteDatagram(src, dst, data, time.Now())
	p.recMu.Unlock()
	if err != nil {
		p.logger.Warn().Err(err).Msg("capture write failed")
	}
}
