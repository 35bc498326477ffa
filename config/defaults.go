package config

import "time"

// Default timeout and interval values
const (
	// DefaultSocksListen is the SOCKS5 control listener address
	DefaultSocksListen = "127.0.0.1:1080"

	// DefaultHandshakeTimeout bounds the SOCKS5 negotiation on a new control connection
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultRetryInterval is how long an injected reliable packet waits for its ack
	DefaultRetryInterval = 2 * time.Second

	// DefaultMaxRetries is how often an injected reliable packet is resent before it is abandoned
	DefaultMaxRetries = 3

	// DefaultAckFlushInterval is the longest an owed ack waits for a packet to ride on
	DefaultAckFlushInterval = 100 * time.Millisecond

	// DefaultLogLevel is used when log.level is empty
	DefaultLogLevel = "info"

	// DefaultLogMaxSizeMB is the size at which the log file is rotated
	DefaultLogMaxSizeMB = 64

	// DefaultLogMaxBackups is how many rotated log files are kept
	DefaultLogMaxBackups = 3
)
