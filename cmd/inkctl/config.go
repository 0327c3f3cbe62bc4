package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/inkwell/internal/client"
)

// inkctl config.toml key mapping to client settings.
type fileConfig struct {
	Addr             string `toml:"addr"`
	ServerName       string `toml:"server_name"`
	TLSCertFile      string `toml:"tls_cert_file"`
	TLSKeyFile       string `toml:"tls_key_file"`
	TLSCAFile        string `toml:"tls_ca_file"`
	ConnectTimeout   string `toml:"connect_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	ConnectAttempts  int    `toml:"connect_attempts"`
	MaxPayloadBytes  int32  `toml:"max_payload_bytes"`
}

type ctlConfig struct {
	Client client.Config
	// ConnectAttempts bounds dial retries; zero or less retries until the
	// context ends.
	ConnectAttempts int
}

func defaultCtlConfig() ctlConfig {
	return ctlConfig{
		Client:          client.DefaultConfig(),
		ConnectAttempts: 1,
	}
}

func loadCtlConfig(path string) (ctlConfig, error) {
	cfg := defaultCtlConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ctlConfig{}, fmt.Errorf("load inkctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ctlConfig{}, fmt.Errorf("load inkctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Client.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("server_name") {
		cfg.Client.Session.TLS.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Client.Session.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Client.Session.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Client.Session.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Client.Session.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Client.Session.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Client.Session.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return ctlConfig{}, fmt.Errorf("load inkctl config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("connect_attempts") {
		cfg.ConnectAttempts = raw.ConnectAttempts
	}
	if meta.IsDefined("max_payload_bytes") {
		if raw.MaxPayloadBytes <= 0 {
			return ctlConfig{}, fmt.Errorf("load inkctl config: max_payload_bytes must be positive")
		}
		cfg.Client.Session.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}

	cfg.Client.Session = cfg.Client.Session.WithDefaults()
	return cfg, nil
}
