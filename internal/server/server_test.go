package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/inkwell/internal/blog"
	"github.com/danmuck/inkwell/internal/protocol/codec"
	"github.com/danmuck/inkwell/internal/protocol/dispatch"
	"github.com/danmuck/inkwell/internal/protocol/frame"
	"github.com/danmuck/inkwell/internal/protocol/packet"
	"github.com/danmuck/inkwell/internal/protocol/session"
	"github.com/danmuck/inkwell/internal/store"
	"github.com/danmuck/inkwell/internal/testutil/testlog"
	"github.com/danmuck/inkwell/internal/testutil/tlstest"
)

// countingRepo counts CreatePost calls and can fail listing on demand.
type countingRepo struct {
	blog.Repository
	creates  atomic.Int32
	failList atomic.Bool
}

func (r *countingRepo) CreatePost(ctx context.Context, post blog.BlogPost) error {
	r.creates.Add(1)
	return r.Repository.CreatePost(ctx, post)
}

func (r *countingRepo) GetAllPosts(ctx context.Context) ([]blog.BlogPost, error) {
	if r.failList.Load() {
		return nil, fmt.Errorf("%w: disk on fire", blog.ErrStore)
	}
	return r.Repository.GetAllPosts(ctx)
}

type harness struct {
	t      *testing.T
	dir    string
	ca     *tlstest.Authority
	mem    *store.MemoryRepository
	repo   *countingRepo
	svc    *Service
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, mutate func(*ServiceConfig)) *harness {
	t.Helper()
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "inkwell-test-ca")
	srv := ca.IssueServerCert(t, dir, "inkwell-server")

	cfg := DefaultServiceConfig()
	cfg.Session.TLS = session.TLSConfig{CertFile: srv.CertFile, KeyFile: srv.KeyFile, CAFile: ca.CAFile()}
	if mutate != nil {
		mutate(&cfg)
	}
	mem := store.NewMemory()
	repo := &countingRepo{Repository: mem}
	svc := NewService(cfg, repo)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Serve(ctx, ln)
	}()

	h := &harness{
		t:      t,
		dir:    dir,
		ca:     ca,
		mem:    mem,
		repo:   repo,
		svc:    svc,
		addr:   ln.Addr().String(),
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.t.Helper()
	h.cancel()
	select {
	case err, ok := <-h.done:
		if ok && err != nil {
			h.t.Errorf("serve returned error: %v", err)
		}
		close(h.done)
	case <-time.After(5 * time.Second):
		h.t.Errorf("serve did not return after cancellation")
	}
}

// identity issues a client certificate and, when role is set, binds it to
// an author named name.
func (h *harness) identity(name string, role blog.Role) tlstest.Issued {
	h.t.Helper()
	issued := h.ca.IssueClientCert(h.t, h.dir, name)
	if role != "" {
		author := blog.BlogAuthor{Fingerprint: issued.Fingerprint, Name: name, Role: role}
		if err := h.mem.PutAuthor(context.Background(), author); err != nil {
			h.t.Fatalf("put author: %v", err)
		}
	}
	return issued
}

type peer struct {
	t    *testing.T
	conn *tls.Conn
	r    *bufio.Reader
}

func (h *harness) dial(id tlstest.Issued) *peer {
	h.t.Helper()
	cfg := session.DefaultConfig()
	cfg.TLS = session.TLSConfig{CertFile: id.CertFile, KeyFile: id.KeyFile, CAFile: h.ca.CAFile()}
	tlsCfg, err := cfg.ClientTLSConfig(h.addr)
	if err != nil {
		h.t.Fatalf("client tls config: %v", err)
	}
	return h.dialWith(tlsCfg)
}

func (h *harness) dialWith(tlsCfg *tls.Config) *peer {
	h.t.Helper()
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", h.addr, tlsCfg)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	h.t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: h.t, conn: conn, r: bufio.NewReader(conn)}
}

func (p *peer) send(b *frame.Builder) {
	p.t.Helper()
	if _, err := b.WriteTo(p.conn); err != nil {
		p.t.Fatalf("write packet: %v", err)
	}
}

func (p *peer) expect(want packet.ServerOpcode) {
	p.t.Helper()
	raw, err := frame.ReadOpcode(p.r)
	if err != nil {
		p.t.Fatalf("read packet type: %v", err)
	}
	if got := packet.ServerOpcode(raw); got != want {
		p.t.Fatalf("packet type mismatch: got=%s want=%s", got, want)
	}
}

func (p *peer) readAuth() blog.AuthProfile {
	p.t.Helper()
	p.expect(packet.SMsgAuth)
	raw, err := frame.ReadBlob(p.r, frame.DefaultLimits())
	if err != nil {
		p.t.Fatalf("read auth payload: %v", err)
	}
	var profile blog.AuthProfile
	if err := codec.UnmarshalRecord(raw, &profile); err != nil {
		p.t.Fatalf("decode auth profile: %v", err)
	}
	return profile
}

func (p *peer) getPosts() []blog.BlogPost {
	p.t.Helper()
	p.send(frame.NewPacket(int32(packet.CMsgGetPosts)))
	p.expect(packet.SMsgGetPosts)
	raw, err := frame.ReadBlob(p.r, frame.DefaultLimits())
	if err != nil {
		p.t.Fatalf("read posts payload: %v", err)
	}
	posts, err := codec.UnmarshalList[blog.BlogPost](raw)
	if err != nil {
		p.t.Fatalf("decode posts: %v", err)
	}
	return posts
}

func (p *peer) createPost(post blog.BlogPost) (bool, string) {
	p.t.Helper()
	raw, err := codec.Marshal(post)
	if err != nil {
		p.t.Fatalf("encode post: %v", err)
	}
	p.send(frame.NewPacket(int32(packet.CMsgCreatePost)).Blob(raw))
	return p.readCreateReply()
}

func (p *peer) readCreateReply() (bool, string) {
	p.t.Helper()
	p.expect(packet.SMsgCreatePost)
	ok, err := frame.ReadBool(p.r)
	if err != nil {
		p.t.Fatalf("read success flag: %v", err)
	}
	msg, err := frame.ReadString(p.r, frame.DefaultLimits())
	if err != nil {
		p.t.Fatalf("read message: %v", err)
	}
	return ok, msg
}

func (p *peer) readDisconnect() string {
	p.t.Helper()
	p.expect(packet.SMsgDisconnect)
	reason, err := frame.ReadString(p.r, frame.DefaultLimits())
	if err != nil {
		p.t.Fatalf("read disconnect reason: %v", err)
	}
	return reason
}

func (p *peer) expectClosed() {
	p.t.Helper()
	if raw, err := frame.ReadOpcode(p.r); err == nil {
		p.t.Fatalf("expected closed connection, got packet type %d", raw)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAuthProfileIsFirstPacket(t *testing.T) {
	h := newHarness(t, nil)
	ada := h.identity("ada", blog.RoleAuthor)
	p := h.dial(ada)

	profile := p.readAuth()
	if profile != (blog.AuthProfile{Name: "ada", Role: blog.RoleAuthor}) {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	waitFor(t, "registration", func() bool { return h.svc.ActiveSessions() == 1 })
	sessions := h.svc.Sessions()
	if sessions[0].Author != "ada" || sessions[0].Fingerprint != ada.Fingerprint {
		t.Fatalf("unexpected session: %+v", sessions[0])
	}
	if got := p.getPosts(); len(got) != 0 {
		t.Fatalf("expected no posts, got %d", len(got))
	}

	remote := p.conn.LocalAddr().String()
	waitFor(t, "loop waiting for a packet", func() bool {
		info, ok := h.svc.Session(remote)
		return ok && info.State == dispatch.StateDecodingType
	})
	if got := h.svc.SessionsFor(strings.ToUpper(ada.Fingerprint)); len(got) != 1 || got[0].RemoteAddr != remote {
		t.Fatalf("unexpected sessions for fingerprint: %+v", got)
	}
	if _, ok := h.svc.Session("192.0.2.1:1"); ok {
		t.Fatalf("unexpected session for unknown remote")
	}
}

func TestRevokedCertificateIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	ada := h.identity("ada", blog.RoleAuthor)
	if err := h.mem.Revoke(context.Background(), ada.Fingerprint); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	p := h.dial(ada)
	p.expectClosed()
	if n := h.svc.ActiveSessions(); n != 0 {
		t.Fatalf("revoked peer registered: sessions=%d", n)
	}
}

func TestUnboundCertificateIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	stranger := h.identity("stranger", "")
	p := h.dial(stranger)
	p.expectClosed()
	if n := h.svc.ActiveSessions(); n != 0 {
		t.Fatalf("unbound peer registered: sessions=%d", n)
	}
}

func TestMissingClientCertificateIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	caPEM, err := os.ReadFile(h.ca.CAFile())
	if err != nil {
		t.Fatalf("read ca: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caPEM)
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool, ServerName: "127.0.0.1"}

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", h.addr, tlsCfg)
	if err != nil {
		// TLS 1.2 fails the handshake itself.
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := frame.ReadOpcode(conn); err == nil {
		t.Fatalf("server accepted a connection without a client certificate")
	}
	if n := h.svc.ActiveSessions(); n != 0 {
		t.Fatalf("anonymous peer registered: sessions=%d", n)
	}
}

func TestRevocationIsCheckedOnEveryConnection(t *testing.T) {
	h := newHarness(t, nil)
	ada := h.identity("ada", blog.RoleAuthor)
	first := h.dial(ada)
	first.readAuth()

	if err := h.mem.Revoke(context.Background(), ada.Fingerprint); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	second := h.dial(ada)
	second.expectClosed()
}

func TestUnknownPacketTypeDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	p := h.dial(h.identity("ada", blog.RoleAuthor))
	p.readAuth()
	waitFor(t, "registration", func() bool { return h.svc.ActiveSessions() == 1 })

	p.send(frame.NewPacket(999))
	if reason := p.readDisconnect(); reason != "Unknown packet type 999" {
		t.Fatalf("unexpected disconnect reason: %q", reason)
	}
	p.expectClosed()
	waitFor(t, "deregistration", func() bool { return h.svc.ActiveSessions() == 0 })
}

func TestZeroLengthPostIsMalformed(t *testing.T) {
	h := newHarness(t, nil)
	p := h.dial(h.identity("ada", blog.RoleAuthor))
	p.readAuth()

	p.send(frame.NewPacket(int32(packet.CMsgCreatePost)).Blob(nil))
	if reason := p.readDisconnect(); reason != "Malformed packet" {
		t.Fatalf("unexpected disconnect reason: %q", reason)
	}
	p.expectClosed()
	if n := h.repo.creates.Load(); n != 0 {
		t.Fatalf("CreatePost called %d times", n)
	}
}

func TestGetPostsReturnsEveryPost(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		post := blog.BlogPost{ID: fmt.Sprint(i), Slug: fmt.Sprintf("post-%d", i), Title: fmt.Sprintf("Post %d", i)}
		if err := h.mem.CreatePost(context.Background(), post); err != nil {
			t.Fatalf("seed post: %v", err)
		}
	}
	p := h.dial(h.identity("ada", blog.RoleReader))
	p.readAuth()

	posts := p.getPosts()
	if len(posts) != 3 {
		t.Fatalf("expected 3 posts, got %d", len(posts))
	}
	for i, post := range posts {
		if post.Slug != fmt.Sprintf("post-%d", i) {
			t.Fatalf("post %d out of order: %q", i, post.Slug)
		}
	}
}

func TestGetPostsStoreFailureDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	p := h.dial(h.identity("ada", blog.RoleAuthor))
	p.readAuth()
	h.repo.failList.Store(true)

	p.send(frame.NewPacket(int32(packet.CMsgGetPosts)))
	if reason := p.readDisconnect(); reason != internalError {
		t.Fatalf("unexpected disconnect reason: %q", reason)
	}
	p.expectClosed()
}

func TestGetPostsOverPayloadLimitDisconnects(t *testing.T) {
	h := newHarness(t, func(cfg *ServiceConfig) {
		cfg.Session.Limits.MaxPayloadBytes = 512
	})
	for i := 0; i < 4; i++ {
		post := blog.BlogPost{
			ID:    fmt.Sprint(i),
			Slug:  fmt.Sprintf("post-%d", i),
			Title: fmt.Sprintf("Post %d", i),
			Body:  strings.Repeat("x", 200),
		}
		if err := h.mem.CreatePost(context.Background(), post); err != nil {
			t.Fatalf("seed post: %v", err)
		}
	}
	p := h.dial(h.identity("ada", blog.RoleReader))
	p.readAuth()

	p.send(frame.NewPacket(int32(packet.CMsgGetPosts)))
	if reason := p.readDisconnect(); reason != internalError {
		t.Fatalf("unexpected disconnect reason: %q", reason)
	}
	p.expectClosed()
}

func TestCreatePostDuplicateSlug(t *testing.T) {
	h := newHarness(t, nil)
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	h.svc.now = func() time.Time { return fixed }
	p := h.dial(h.identity("ada", blog.RoleAuthor))
	p.readAuth()

	ok, msg := p.createPost(blog.BlogPost{Slug: "hello", Title: "Hello", Body: "hi", Author: "mallory"})
	if !ok || msg != `Post "Hello" created` {
		t.Fatalf("first create: ok=%v msg=%q", ok, msg)
	}
	ok, msg = p.createPost(blog.BlogPost{Slug: "hello", Title: "Hello again"})
	if ok || msg != `A post with slug "hello" already exists` {
		t.Fatalf("second create: ok=%v msg=%q", ok, msg)
	}
	if n := h.repo.creates.Load(); n != 1 {
		t.Fatalf("CreatePost called %d times, want 1", n)
	}

	posts := p.getPosts()
	if len(posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(posts))
	}
	stored := posts[0]
	if stored.Author != "ada" {
		t.Fatalf("author not stamped from connection: %q", stored.Author)
	}
	if stored.ID == "" || !stored.CreatedAt.Equal(fixed) {
		t.Fatalf("id/created_at not stamped: %+v", stored)
	}
}

func TestCreatePostUndecodablePayloadKeepsConnection(t *testing.T) {
	h := newHarness(t, nil)
	p := h.dial(h.identity("ada", blog.RoleAuthor))
	p.readAuth()

	// CBOR unsigned integer 1: well framed but not a post.
	p.send(frame.NewPacket(int32(packet.CMsgCreatePost)).Blob([]byte{0x01}))
	ok, msg := p.readCreateReply()
	if ok || msg != internalError {
		t.Fatalf("unexpected reply: ok=%v msg=%q", ok, msg)
	}
	if got := p.getPosts(); len(got) != 0 {
		t.Fatalf("expected no posts, got %d", len(got))
	}
}

func TestReaderCannotCreatePost(t *testing.T) {
	h := newHarness(t, nil)
	p := h.dial(h.identity("rex", blog.RoleReader))
	p.readAuth()

	ok, msg := p.createPost(blog.BlogPost{Slug: "nope", Title: "Nope"})
	if ok || msg != `Role "reader" may not create posts` {
		t.Fatalf("unexpected reply: ok=%v msg=%q", ok, msg)
	}
	if n := h.repo.creates.Load(); n != 0 {
		t.Fatalf("CreatePost called %d times", n)
	}
}

func TestConcurrentClientsCreatePosts(t *testing.T) {
	h := newHarness(t, nil)
	peers := []*peer{
		h.dial(h.identity("ada", blog.RoleAuthor)),
		h.dial(h.identity("grace", blog.RoleAdmin)),
	}
	for _, p := range peers {
		p.readAuth()
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(peers))
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p *peer) {
			defer wg.Done()
			raw, err := codec.Marshal(blog.BlogPost{Slug: fmt.Sprintf("slug-%d", i), Title: fmt.Sprint(i)})
			if err != nil {
				errs <- err
				return
			}
			if _, err := frame.NewPacket(int32(packet.CMsgCreatePost)).Blob(raw).WriteTo(p.conn); err != nil {
				errs <- err
				return
			}
			op, err := frame.ReadOpcode(p.r)
			if err != nil {
				errs <- err
				return
			}
			if packet.ServerOpcode(op) != packet.SMsgCreatePost {
				errs <- fmt.Errorf("unexpected packet type %d", op)
				return
			}
			ok, err := frame.ReadBool(p.r)
			if err != nil {
				errs <- err
				return
			}
			msg, err := frame.ReadString(p.r, frame.DefaultLimits())
			if err != nil {
				errs <- err
				return
			}
			if !ok {
				errs <- errors.New(msg)
			}
		}(i, p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent create: %v", err)
	}

	posts, err := h.mem.GetAllPosts(context.Background())
	if err != nil {
		t.Fatalf("list posts: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(posts))
	}
}

func TestIdleConnectionIsDisconnected(t *testing.T) {
	h := newHarness(t, func(cfg *ServiceConfig) {
		cfg.Session.IdleTimeout = 200 * time.Millisecond
	})
	p := h.dial(h.identity("ada", blog.RoleAuthor))
	p.readAuth()

	if reason := p.readDisconnect(); reason != "Idle timeout" {
		t.Fatalf("unexpected disconnect reason: %q", reason)
	}
	waitFor(t, "deregistration", func() bool { return h.svc.ActiveSessions() == 0 })
}

func TestShutdownNotifiesConnectedPeers(t *testing.T) {
	h := newHarness(t, nil)
	p := h.dial(h.identity("ada", blog.RoleAuthor))
	p.readAuth()
	waitFor(t, "registration", func() bool { return h.svc.ActiveSessions() == 1 })

	h.cancel()
	if reason := p.readDisconnect(); reason != "Server shutting down" {
		t.Fatalf("unexpected disconnect reason: %q", reason)
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
		h.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return")
	}
	if n := h.svc.ActiveSessions(); n != 0 {
		t.Fatalf("sessions left after shutdown: %d", n)
	}
}

func TestShutdownFinishesDispatchedPacket(t *testing.T) {
	h := newHarness(t, nil)
	p := h.dial(h.identity("ada", blog.RoleAuthor))
	p.readAuth()

	raw, err := codec.Marshal(blog.BlogPost{Slug: "late", Title: "Late"})
	if err != nil {
		t.Fatalf("encode post: %v", err)
	}
	wire := frame.NewPacket(int32(packet.CMsgCreatePost)).Blob(raw).Bytes()
	head := frame.OpcodeLen + frame.LengthLen
	if _, err := p.conn.Write(wire[:head]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	remote := p.conn.LocalAddr().String()
	waitFor(t, "handler dispatch", func() bool {
		info, ok := h.svc.Session(remote)
		return ok && info.State == dispatch.StateDispatching
	})

	h.cancel()
	time.Sleep(100 * time.Millisecond)
	if _, err := p.conn.Write(wire[head:]); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	ok, msg := p.readCreateReply()
	if !ok || msg != `Post "Late" created` {
		t.Fatalf("dispatched create did not finish: ok=%v msg=%q", ok, msg)
	}
	if reason := p.readDisconnect(); reason != "Server shutting down" {
		t.Fatalf("unexpected disconnect reason: %q", reason)
	}
	if n := h.repo.creates.Load(); n != 1 {
		t.Fatalf("CreatePost called %d times, want 1", n)
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
		h.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return")
	}
}
