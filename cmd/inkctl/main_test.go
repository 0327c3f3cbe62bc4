package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/inkwell/internal/blog"
	"github.com/danmuck/inkwell/internal/protocol/packet"
	"github.com/danmuck/inkwell/internal/protocol/session"
	"github.com/danmuck/inkwell/internal/server"
	"github.com/danmuck/inkwell/internal/store"
	"github.com/danmuck/inkwell/internal/testutil/testlog"
	"github.com/danmuck/inkwell/internal/testutil/tlstest"
)

// startInkwell runs a server and returns an inkctl config file for a client
// bound to role.
func startInkwell(t *testing.T, role blog.Role) string {
	t.Helper()
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "inkwell-test-ca")
	srv := ca.IssueServerCert(t, dir, "inkwell-server")
	cli := ca.IssueClientCert(t, dir, "ada")

	repo := store.NewMemory()
	if err := repo.PutAuthor(context.Background(), blog.BlogAuthor{Fingerprint: cli.Fingerprint, Name: "ada", Role: role}); err != nil {
		t.Fatalf("put author: %v", err)
	}
	cfg := server.DefaultServiceConfig()
	cfg.Session.TLS = session.TLSConfig{CertFile: srv.CertFile, KeyFile: srv.KeyFile, CAFile: ca.CAFile()}
	svc := server.NewService(cfg, repo)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})

	path := filepath.Join(dir, "inkctl.toml")
	content := fmt.Sprintf("addr = %q\ntls_cert_file = %q\ntls_key_file = %q\ntls_ca_file = %q\n",
		ln.Addr().String(), cli.CertFile, cli.KeyFile, ca.CAFile())
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestInkctlCreateAndList(t *testing.T) {
	testlog.Start(t)
	cfgPath := startInkwell(t, blog.RoleAuthor)
	ctx := context.Background()

	var out bytes.Buffer
	if err := run(ctx, []string{"--config", cfgPath, "whoami"}, &out); err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if strings.TrimSpace(out.String()) != "ada (author)" {
		t.Fatalf("unexpected whoami output: %q", out.String())
	}

	out.Reset()
	args := []string{"--config", cfgPath, "create", "--slug", "hello", "--title", "Hello", "--summary", "first-words", "--tag", "intro,meta"}
	if err := run(ctx, args, &out); err != nil {
		t.Fatalf("create: %v", err)
	}
	if strings.TrimSpace(out.String()) != `Post "Hello" created` {
		t.Fatalf("unexpected create output: %q", out.String())
	}

	if err := run(ctx, args, &out); !errors.Is(err, packet.ErrApplication) || !strings.HasSuffix(err.Error(), `A post with slug "hello" already exists`) {
		t.Fatalf("expected duplicate slug error, got %v", err)
	}

	out.Reset()
	if err := run(ctx, []string{"--config", cfgPath, "posts"}, &out); err != nil {
		t.Fatalf("posts: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "hello") || !strings.Contains(lines[1], "ada") ||
		!strings.Contains(lines[1], "first-words") {
		t.Fatalf("unexpected posts output: %q", out.String())
	}
}

func TestInkctlReaderCannotCreate(t *testing.T) {
	testlog.Start(t)
	cfgPath := startInkwell(t, blog.RoleReader)
	err := run(context.Background(), []string{"--config", cfgPath, "create", "--slug", "x", "--title", "X"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "may not create posts") {
		t.Fatalf("expected role error, got %v", err)
	}
}

func TestInkctlUsageErrors(t *testing.T) {
	cases := map[string][]string{
		"no command":      {},
		"unknown command": {"delete"},
		"missing slug":    {"create", "--title", "X"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if err := run(context.Background(), args, &bytes.Buffer{}); err == nil {
				t.Fatalf("expected error for %v", args)
			}
		})
	}
}
