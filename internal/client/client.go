// Package client connects to an inkwell server, authenticates with a client
// certificate and turns server packets into events for the embedding caller.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/inkwell/internal/blog"
	"github.com/danmuck/inkwell/internal/protocol/codec"
	"github.com/danmuck/inkwell/internal/protocol/dispatch"
	"github.com/danmuck/inkwell/internal/protocol/frame"
	"github.com/danmuck/inkwell/internal/protocol/packet"
	"github.com/danmuck/inkwell/internal/protocol/session"
)

var (
	ErrAlreadyRunning  = errors.New("client: receive loop already started")
	ErrPayloadTooLarge = fmt.Errorf("%w: payload exceeds limit", packet.ErrFraming)
)

// Config configures one client connection.
type Config struct {
	Addr    string
	Session session.Config
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

func DefaultConfig() Config {
	return Config{
		Addr:        "127.0.0.1:7443",
		Session:     session.DefaultConfig(),
		EventBuffer: 16,
	}
}

// Client is one authenticated connection to the server.
type Client struct {
	cfg     Config
	conn    *tls.Conn
	reader  *bufio.Reader
	profile blog.AuthProfile
	events  chan Event

	running atomic.Bool
	writeMu sync.Mutex
}

// Connect dials the server, completes mutual TLS and reads the SMSG_AUTH
// packet. The returned client is authenticated; call Run to receive.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	cfg.Session = cfg.Session.WithDefaults()
	tlsCfg, err := cfg.Session.ClientTLSConfig(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", packet.ErrConnect, err)
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: cfg.Session.ConnectTimeout},
		Config:    tlsCfg,
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.Session.ConnectTimeout+cfg.Session.HandshakeTimeout)
	defer cancel()
	raw, err := dialer.DialContext(dctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", packet.ErrConnect, cfg.Addr, err)
	}
	conn := raw.(*tls.Conn)

	c := &Client{
		cfg:    cfg,
		conn:   conn,
		reader: bufio.NewReader(conn),
		events: make(chan Event, cfg.EventBuffer),
	}
	_ = conn.SetReadDeadline(time.Now().Add(cfg.Session.HandshakeTimeout))
	profile, err := readAuth(c.reader, cfg.Session.Limits)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	c.profile = profile
	log.Info().
		Str("addr", cfg.Addr).
		Str("name", profile.Name).
		Str("role", string(profile.Role)).
		Msg("client.Connect authenticated")
	return c, nil
}

// readAuth reads exactly one packet, which must be a non-empty SMSG_AUTH.
func readAuth(r io.Reader, limits frame.Limits) (blog.AuthProfile, error) {
	op, err := frame.ReadOpcode(r)
	if err != nil {
		return blog.AuthProfile{}, fmt.Errorf("%w: read auth: %v", packet.ErrAuth, err)
	}
	if got := packet.ServerOpcode(op); got != packet.SMsgAuth {
		return blog.AuthProfile{}, fmt.Errorf("%w: expected %s, got %s", packet.ErrAuth, packet.SMsgAuth, got)
	}
	payload, err := frame.ReadBlob(r, limits)
	if err != nil {
		return blog.AuthProfile{}, fmt.Errorf("%w: auth payload: %v", packet.ErrAuth, err)
	}
	var profile blog.AuthProfile
	if err := codec.UnmarshalRecord(payload, &profile); err != nil {
		return blog.AuthProfile{}, fmt.Errorf("%w: auth profile: %v", packet.ErrAuth, err)
	}
	if strings.TrimSpace(profile.Name) == "" {
		return blog.AuthProfile{}, fmt.Errorf("%w: auth profile has no name", packet.ErrAuth)
	}
	return profile, nil
}

func (c *Client) Profile() blog.AuthProfile {
	return c.profile
}

func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Events delivers server responses. It is closed when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Run receives packets until ctx is cancelled, the server disconnects or a
// packet cannot be handled. It returns nil for cancellation and for an
// orderly close by the server; a close in the middle of a packet returns an
// error wrapping packet.ErrTruncated.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.events)
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	loop := dispatch.NewLoop(handlers, c, c.reader, dispatch.Hooks{
		BeforeRead: func() error {
			if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
				return err
			}
			return ctx.Err()
		},
	})
	err := loop.Run(ctx)
	switch {
	case dispatch.Closed(err):
		log.Info().Str("remote", c.RemoteAddr()).Err(err).Msg("client.Run closed")
		return nil
	default:
		log.Warn().Str("remote", c.RemoteAddr()).Err(err).Msg("client.Run terminated")
		return err
	}
}

// RequestPosts asks for every stored post; the answer arrives as PostsReceived.
func (c *Client) RequestPosts() error {
	return c.send(frame.NewPacket(int32(packet.CMsgGetPosts)))
}

// CreatePost submits post; the answer arrives as CreatePostResponse. The
// server stamps the author from the connection identity.
func (c *Client) CreatePost(post blog.BlogPost) error {
	raw, err := codec.Marshal(post)
	if err != nil {
		return fmt.Errorf("client: encode post: %w", err)
	}
	if int64(len(raw)) > int64(c.cfg.Session.Limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	return c.send(frame.NewPacket(int32(packet.CMsgCreatePost)).Blob(raw))
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(p *frame.Builder) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Session.WriteTimeout))
	_, err := p.WriteTo(c.conn)
	return err
}

func (c *Client) publish(ctx context.Context, ev Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
