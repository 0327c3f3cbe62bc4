package server

import (
	"bufio"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/inkwell/internal/blog"
	"github.com/danmuck/inkwell/internal/protocol/dispatch"
	"github.com/danmuck/inkwell/internal/protocol/frame"
	"github.com/danmuck/inkwell/internal/protocol/packet"
)

// Conn is one client connection after its certificate has been resolved to
// an author.
type Conn struct {
	raw    *tls.Conn
	reader *bufio.Reader

	remote      string
	fingerprint string
	author      blog.BlogAuthor
	connectedAt time.Time

	authenticated atomic.Bool
	writeTimeout  time.Duration
	writeMu       sync.Mutex

	// readMu orders deadline changes from the loop against interrupt.
	readMu  sync.Mutex
	waiting bool
	state   func() dispatch.State
}

func newConn(raw *tls.Conn, fingerprint string, author blog.BlogAuthor, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReader(raw),
		remote:       raw.RemoteAddr().String(),
		fingerprint:  fingerprint,
		author:       author,
		connectedAt:  time.Now(),
		writeTimeout: writeTimeout,
	}
}

func (c *Conn) RemoteAddr() string {
	return c.remote
}

func (c *Conn) Fingerprint() string {
	return c.fingerprint
}

func (c *Conn) Author() blog.BlogAuthor {
	return c.author
}

// Authenticated is true once SMSG_AUTH has been written.
func (c *Conn) Authenticated() bool {
	return c.authenticated.Load()
}

// send writes one assembled packet. Packets from concurrent senders never
// interleave.
func (c *Conn) send(p *frame.Builder) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := p.WriteTo(c.raw)
	return err
}

// awaitPacket arms the idle deadline for the next packet type read. Zero
// idle waits indefinitely.
func (c *Conn) awaitPacket(idle time.Duration) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.waiting = true
	return c.raw.SetReadDeadline(deadlineAfter(idle))
}

// beginPacket replaces any deadline left by awaitPacket or interrupt once a
// packet type has been read, bounding the payload read by timeout.
func (c *Conn) beginPacket(timeout time.Duration) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.waiting = false
	return c.raw.SetReadDeadline(deadlineAfter(timeout))
}

// interrupt expires a pending packet type read. A packet already being
// handled keeps its deadline and finishes.
func (c *Conn) interrupt() {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.waiting {
		_ = c.raw.SetReadDeadline(time.Now())
	}
}

func deadlineAfter(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func (c *Conn) sendDisconnect(reason string) error {
	return c.send(frame.NewPacket(int32(packet.SMsgDisconnect)).String(reason))
}

func (c *Conn) info() SessionInfo {
	return SessionInfo{
		RemoteAddr:  c.remote,
		Fingerprint: c.fingerprint,
		Author:      c.author.Name,
		Role:        c.author.Role,
		ConnectedAt: c.connectedAt,
		State:       c.loopState(),
	}
}

func (c *Conn) loopState() dispatch.State {
	c.readMu.Lock()
	state := c.state
	c.readMu.Unlock()
	if state == nil {
		return dispatch.StateAuthenticated
	}
	return state()
}

func (c *Conn) attachLoop(state func() dispatch.State) {
	c.readMu.Lock()
	c.state = state
	c.readMu.Unlock()
}
