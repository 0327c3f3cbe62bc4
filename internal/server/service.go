// Package server accepts mutually authenticated client connections, resolves
// each certificate to an author and runs the per-connection packet loop.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/inkwell/internal/auth"
	"github.com/danmuck/inkwell/internal/blog"
	"github.com/danmuck/inkwell/internal/observability"
	"github.com/danmuck/inkwell/internal/protocol/codec"
	"github.com/danmuck/inkwell/internal/protocol/dispatch"
	"github.com/danmuck/inkwell/internal/protocol/frame"
	"github.com/danmuck/inkwell/internal/protocol/packet"
	"github.com/danmuck/inkwell/internal/protocol/session"
)

// ServiceConfig configures the session endpoint.
type ServiceConfig struct {
	ListenAddr string
	ServerID   string
	Session    session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: ":7443",
		ServerID:   "inkwell.local",
		Session:    session.DefaultConfig(),
	}
}

// Service is the inkwell session endpoint.
type Service struct {
	cfg      ServiceConfig
	repo     blog.Repository
	resolver auth.Resolver
	handlers *dispatch.Table[packet.ClientOpcode, *Conn]
	registry *Registry

	connsMu sync.Mutex
	// conns maps every accepted connection to its Conn once authenticated.
	conns   map[net.Conn]*Conn
	closing bool
	wg      sync.WaitGroup

	now   func() time.Time
	newID func() string
}

func NewService(cfg ServiceConfig, repo blog.Repository) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	if strings.TrimSpace(cfg.ServerID) == "" {
		cfg.ServerID = DefaultServiceConfig().ServerID
	}
	cfg.Session = cfg.Session.WithDefaults()
	s := &Service{
		cfg:      cfg,
		repo:     repo,
		resolver: auth.DirectoryResolver{Directory: repo},
		registry: NewRegistry(),
		conns:    make(map[net.Conn]*Conn),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	s.handlers = s.newHandlerTable()
	return s
}

// Sessions returns the currently registered connections.
func (s *Service) Sessions() []SessionInfo {
	return s.registry.Snapshot()
}

// Session looks up the registered connection from remote.
func (s *Service) Session(remote string) (SessionInfo, bool) {
	c, ok := s.registry.Lookup(remote)
	if !ok {
		return SessionInfo{}, false
	}
	return c.info(), true
}

// SessionsFor returns the registered connections authenticated with the
// certificate fingerprint, ordered by remote endpoint.
func (s *Service) SessionsFor(fingerprint string) []SessionInfo {
	conns := s.registry.ByFingerprint(fingerprint)
	out := make([]SessionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	sortSessions(out)
	return out
}

func (s *Service) ActiveSessions() int {
	return s.registry.Len()
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", packet.ErrConnect, s.cfg.ListenAddr, err)
	}
	log.Warn().
		Str("server_id", s.cfg.ServerID).
		Str("addr", ln.Addr().String()).
		Msg("server.Service.Run listening")
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or accept fails.
// On return every connection it started has finished.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		_ = ln.Close()
		return err
	}
	observability.RegisterMetrics()

	ctx, cancel := context.WithCancel(ctx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		<-ctx.Done()
		s.interruptAll()
		_ = ln.Close()
	}()
	defer func() {
		cancel()
		<-watched
		s.wg.Wait()
		s.reopen()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		conn := tls.Server(raw, tlsCfg)
		if !s.trackConn(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Service) handleConn(ctx context.Context, conn *tls.Conn) {
	defer s.wg.Done()
	defer s.untrackConn(conn)
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	c, err := s.authenticate(ctx, conn)
	observability.RecordAuth(authResult(err))
	if err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("server.handleConn rejected")
		return
	}

	profile, err := codec.Marshal(c.author.Profile())
	if err != nil {
		log.Error().Str("remote", remote).Err(err).Msg("server.handleConn encode auth profile")
		return
	}
	if err := c.send(frame.NewPacket(int32(packet.SMsgAuth)).Blob(profile)); err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("server.handleConn write auth")
		return
	}
	c.authenticated.Store(true)
	s.bindConn(conn, c)

	idle := s.cfg.Session.IdleTimeout
	loop := dispatch.NewLoop(s.handlers, c, c.reader, dispatch.Hooks{
		BeforeRead: func() error {
			// The deadline is armed before ctx is checked so an interrupt
			// cannot be lost.
			if err := c.awaitPacket(idle); err != nil {
				return err
			}
			return ctx.Err()
		},
		BeforeDispatch: func() error {
			return c.beginPacket(s.cfg.Session.ReadTimeout)
		},
	})
	c.attachLoop(loop.State)

	s.registry.Add(c)
	observability.SessionOpened()
	log.Info().
		Str("remote", remote).
		Str("author", c.author.Name).
		Str("role", string(c.author.Role)).
		Int("active_sessions", s.registry.Len()).
		Msg("server.handleConn authenticated")

	err = loop.Run(ctx)

	reason := closeReason(ctx, err)
	if notice, ok := disconnectNotice(ctx, err); ok {
		if werr := c.sendDisconnect(notice); werr != nil {
			log.Debug().Str("remote", remote).Err(werr).Msg("server.handleConn write disconnect")
		}
	}
	s.registry.Remove(c)
	observability.SessionClosed(reason)

	event := log.Info()
	if reason != "peer_closed" && reason != "shutdown" {
		event = log.Warn().Err(err)
	}
	event.
		Str("remote", remote).
		Str("author", c.author.Name).
		Str("reason", reason).
		Int("active_sessions", s.registry.Len()).
		Msg("server.handleConn closed")
}

// authenticate completes the TLS handshake and resolves the peer certificate.
// Revocation and the author binding are looked up on every attempt.
func (s *Service) authenticate(ctx context.Context, conn *tls.Conn) (*Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		return nil, fmt.Errorf("%w: tls handshake: %v", packet.ErrConnect, err)
	}
	fp, err := session.PeerFingerprint(conn.ConnectionState())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrNoFingerprint, err)
	}
	author, err := s.resolver.Resolve(hctx, fp)
	if err != nil {
		return nil, err
	}
	return newConn(conn, fp, author, s.cfg.Session.WriteTimeout), nil
}

func (s *Service) trackConn(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = nil
	return true
}

func (s *Service) bindConn(raw net.Conn, c *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if _, ok := s.conns[raw]; ok {
		s.conns[raw] = c
	}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

// interruptAll unblocks every connection waiting for its next packet type.
// A packet whose handler has been dispatched is read and answered first.
func (s *Service) interruptAll() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.closing = true
	now := time.Now()
	for raw, c := range s.conns {
		if c == nil {
			_ = raw.SetReadDeadline(now)
			continue
		}
		c.interrupt()
	}
}

func (s *Service) reopen() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.closing = false
}

func authResult(err error) string {
	if err != nil && errors.Is(err, packet.ErrConnect) {
		return "handshake"
	}
	return auth.Reason(err)
}

// disconnectError ends a connection with a reason sent to the peer.
type disconnectError struct {
	reason string
	err    error
}

func (e *disconnectError) Error() string {
	return e.err.Error()
}

func (e *disconnectError) Unwrap() error {
	return e.err
}

func closeReason(ctx context.Context, err error) string {
	var de *disconnectError
	var unknown *dispatch.UnknownOpcodeError
	switch {
	case ctx.Err() != nil:
		return "shutdown"
	case errors.Is(err, packet.ErrTruncated):
		return "truncated"
	case errors.Is(err, packet.ErrConnectionClosed):
		return "peer_closed"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "idle_timeout"
	case errors.As(err, &unknown):
		return "unknown_opcode"
	case errors.Is(err, packet.ErrFraming):
		return "framing"
	case errors.As(err, &de):
		return "internal"
	default:
		return "error"
	}
}

// disconnectNotice is the SMSG_DISCONNECT reason for err, if the peer is
// still there to read one.
func disconnectNotice(ctx context.Context, err error) (string, bool) {
	var de *disconnectError
	var unknown *dispatch.UnknownOpcodeError
	switch {
	case ctx.Err() != nil:
		return "Server shutting down", true
	case errors.Is(err, packet.ErrConnectionClosed):
		return "", false
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "Idle timeout", true
	case errors.As(err, &unknown):
		return fmt.Sprintf("Unknown packet type %d", unknown.Opcode), true
	case errors.As(err, &de):
		return de.reason, true
	case errors.Is(err, packet.ErrFraming), errors.Is(err, packet.ErrDeserialization):
		return "Malformed packet", true
	default:
		return "", false
	}
}
