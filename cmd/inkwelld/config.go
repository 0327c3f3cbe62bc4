package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/inkwell/internal/server"
)

// inkwelld config.toml key mapping to server runtime settings.
type fileConfig struct {
	Addr             string `toml:"addr"`
	ID               string `toml:"id"`
	DBPath           string `toml:"db_path"`
	MetricsAddr      string `toml:"metrics_addr"`
	TLSCertFile      string `toml:"tls_cert_file"`
	TLSKeyFile       string `toml:"tls_key_file"`
	TLSCAFile        string `toml:"tls_ca_file"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	ReadTimeout      string `toml:"read_timeout"`
	IdleTimeout      string `toml:"idle_timeout"`
	MaxPayloadBytes  int32  `toml:"max_payload_bytes"`
}

type daemonConfig struct {
	Service     server.ServiceConfig
	DBPath      string
	MetricsAddr string
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Service: server.DefaultServiceConfig(),
		DBPath:  "inkwell.db",
	}
}

// loadDaemonConfig overlays keys present in path onto the defaults. An empty
// path yields the defaults.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load inkwelld config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemonConfig{}, fmt.Errorf("load inkwelld config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Service.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("id") {
		cfg.Service.ServerID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Service.Session.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Service.Session.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Service.Session.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Service.Session.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Service.Session.WriteTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.Service.Session.ReadTimeout},
		{"idle_timeout", raw.IdleTimeout, &cfg.Service.Session.IdleTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("load inkwelld config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("max_payload_bytes") {
		if raw.MaxPayloadBytes <= 0 {
			return daemonConfig{}, fmt.Errorf("load inkwelld config: max_payload_bytes must be positive")
		}
		cfg.Service.Session.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if cfg.DBPath == "" {
		return daemonConfig{}, fmt.Errorf("load inkwelld config: db_path is required")
	}

	cfg.Service.Session = cfg.Service.Session.WithDefaults()
	return cfg, nil
}
