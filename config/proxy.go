package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"
)

type Proxy struct {
	Socks     Socks        `yaml:"socks" toml:"socks"`
	Circuit   Circuit      `yaml:"circuit" toml:"circuit"`
	Proxy     ProxyOptions `yaml:"proxy" toml:"proxy"`
	Capture   Capture      `yaml:"capture" toml:"capture"`
	Hooks     Hooks        `yaml:"hooks" toml:"hooks"`
	Templates Templates    `yaml:"templates" toml:"templates"`
	Log       Log          `yaml:"log" toml:"log"`
}

type Socks struct {
	Listen string `yaml:"listen" toml:"listen"` // control listener, host:port
	// UDPHost is the IP relay sockets bind to, default the control connection's local IP
	UDPHost string `yaml:"udp_host" toml:"udp_host"`
	// AllowedNetworks limits relay destinations to these CIDRs, empty allows all
	AllowedNetworks  []string `yaml:"allowed_networks" toml:"allowed_networks"`
	HandshakeTimeout Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

type Circuit struct {
	RetryInterval    Duration `yaml:"retry_interval" toml:"retry_interval"`
	MaxRetries       int      `yaml:"max_retries" toml:"max_retries"`
	AckFlushInterval Duration `yaml:"ack_flush_interval" toml:"ack_flush_interval"`
}

type ProxyOptions struct {
	// DropUnknown discards messages missing from the template schema instead
	// of relaying them verbatim
	DropUnknown bool `yaml:"drop_unknown" toml:"drop_unknown"`
	// LogMessages logs every decoded message at trace level
	LogMessages bool `yaml:"log_messages" toml:"log_messages"`
}

type Capture struct {
	File string `yaml:"file" toml:"file"` // pcap output, empty disables capture
}

type Hooks struct {
	Lua []string `yaml:"lua" toml:"lua"` // script paths, loaded in order
}

type Templates struct {
	File string `yaml:"file" toml:"file"` // message_template.msg override, empty uses the bundled one
}

type Log struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// ApplyDefaults fills zero-valued fields.
func (p *Proxy) ApplyDefaults() {
	if p.Socks.Listen == "" {
		p.Socks.Listen = DefaultSocksListen
	}
	if p.Socks.HandshakeTimeout == 0 {
		p.Socks.HandshakeTimeout = Duration(DefaultHandshakeTimeout)
	}
	if p.Circuit.RetryInterval == 0 {
		p.Circuit.RetryInterval = Duration(DefaultRetryInterval)
	}
	if p.Circuit.MaxRetries == 0 {
		p.Circuit.MaxRetries = DefaultMaxRetries
	}
	if p.Circuit.AckFlushInterval == 0 {
		p.Circuit.AckFlushInterval = Duration(DefaultAckFlushInterval)
	}
	if p.Log.Level == "" {
		p.Log.Level = DefaultLogLevel
	}
	if p.Log.File != "" {
		if p.Log.MaxSizeMB == 0 {
			p.Log.MaxSizeMB = DefaultLogMaxSizeMB
		}
		if p.Log.MaxBackups == 0 {
			p.Log.MaxBackups = DefaultLogMaxBackups
		}
	}
}

// Validate reports every invalid field at once.
func (p *Proxy) Validate() error {
	var errs []error
	if err := ValidateAddress(p.Socks.Listen); err != nil {
		errs = append(errs, fmt.Errorf("socks.listen: %w", err))
	}
	if p.Socks.UDPHost != "" && net.ParseIP(p.Socks.UDPHost) == nil {
		errs = append(errs, fmt.Errorf("socks.udp_host: invalid ip address: %s", p.Socks.UDPHost))
	}
	for i, n := range p.Socks.AllowedNetworks {
		if _, _, err := net.ParseCIDR(n); err != nil {
			errs = append(errs, fmt.Errorf("socks.allowed_networks[%d]: %w", i, err))
		}
	}
	if p.Circuit.RetryInterval < 0 {
		errs = append(errs, errors.New("circuit.retry_interval must not be negative"))
	}
	if p.Circuit.MaxRetries < 0 {
		errs = append(errs, errors.New("circuit.max_retries must not be negative"))
	}
	if p.Circuit.AckFlushInterval < 0 {
		errs = append(errs, errors.New("circuit.ack_flush_interval must not be negative"))
	}
	for i, s := range p.Hooks.Lua {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Errorf("hooks.lua[%d]: empty path", i))
		}
	}
	if p.Log.Level != "" {
		if _, err := zerolog.ParseLevel(p.Log.Level); err != nil {
			errs = append(errs, fmt.Errorf("log.level: %w", err))
		}
	}
	return errors.Join(errs...)
}
