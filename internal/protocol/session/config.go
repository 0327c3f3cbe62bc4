package session

import (
	"time"

	"github.com/danmuck/inkwell/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior for callers that retry connects.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TLSConfig names the certificate material for one side of the channel.
// Mutual authentication is always required.
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
}

// Config defines transport/session defaults shared by client and server.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout bounds reading the rest of a packet once its type is known.
	ReadTimeout time.Duration
	// IdleTimeout bounds the wait for the next packet type. Zero disables it.
	IdleTimeout time.Duration
	Limits      frame.Limits
	TLS         TLSConfig
	Backoff     BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		ReadTimeout:      15 * time.Second,
		IdleTimeout:      5 * time.Minute,
		Limits:           frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued timeouts and limits from DefaultConfig.
// IdleTimeout is left alone so zero keeps meaning "disabled".
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	c.Limits = c.Limits.WithDefaults()
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
