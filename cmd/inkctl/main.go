// inkctl is the command-line client for an inkwell server.
//
//	inkctl [--config FILE] [--addr ADDR] [--cert FILE --key FILE --ca FILE] COMMAND
//
// Commands:
//
//	whoami                       print the profile the server bound to this certificate
//	posts                        list every post
//	create --slug S --title T    create a post (--summary, --body, --body-file, --tag)
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/danmuck/inkwell/internal/blog"
	"github.com/danmuck/inkwell/internal/client"
	"github.com/danmuck/inkwell/internal/logging"
	"github.com/danmuck/inkwell/internal/protocol/packet"
)

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "inkctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var (
		configPath string
		addr       string
		certFile   string
		keyFile    string
		caFile     string
		serverName string
		attempts   int
	)
	fs := pflag.NewFlagSet("inkctl", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.StringVar(&configPath, "config", "", "path to inkctl TOML config")
	fs.StringVar(&addr, "addr", "", "server address host:port")
	fs.StringVar(&certFile, "cert", "", "client certificate (PEM)")
	fs.StringVar(&keyFile, "key", "", "client private key (PEM)")
	fs.StringVar(&caFile, "ca", "", "CA bundle that signed the server certificate")
	fs.StringVar(&serverName, "server-name", "", "expected server certificate name")
	fs.IntVar(&attempts, "attempts", 0, "connect attempts before giving up (0 keeps the config value)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadCtlConfig(configPath)
	if err != nil {
		return err
	}
	overrides := []struct {
		val string
		dst *string
	}{
		{addr, &cfg.Client.Addr},
		{certFile, &cfg.Client.Session.TLS.CertFile},
		{keyFile, &cfg.Client.Session.TLS.KeyFile},
		{caFile, &cfg.Client.Session.TLS.CAFile},
		{serverName, &cfg.Client.Session.TLS.ServerName},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(o.val); v != "" {
			*o.dst = v
		}
	}
	if attempts != 0 {
		cfg.ConnectAttempts = attempts
	}

	if fs.NArg() == 0 {
		return fmt.Errorf("expected a command: whoami, posts or create")
	}
	rest := fs.Args()[1:]
	switch fs.Arg(0) {
	case "whoami":
		return withClient(ctx, cfg, func(ctx context.Context, c *client.Client) error {
			p := c.Profile()
			fmt.Fprintf(out, "%s (%s)\n", p.Name, p.Role)
			return nil
		})
	case "posts":
		return withClient(ctx, cfg, func(ctx context.Context, c *client.Client) error {
			return listPosts(ctx, c, out)
		})
	case "create":
		post, err := parseCreate(rest)
		if err != nil {
			return err
		}
		return withClient(ctx, cfg, func(ctx context.Context, c *client.Client) error {
			return createPost(ctx, c, post, out)
		})
	default:
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}
}

// withClient connects, runs the receive loop for the duration of fn and
// closes the connection.
func withClient(ctx context.Context, cfg ctlConfig, fn func(context.Context, *client.Client) error) error {
	c, err := newDialer(cfg).dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	runCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() {
		runErr <- c.Run(runCtx)
	}()
	err = fn(ctx, c)
	cancel()
	if rerr := <-runErr; err == nil && rerr != nil {
		err = rerr
	}
	return err
}

func listPosts(ctx context.Context, c *client.Client, out io.Writer) error {
	if err := c.RequestPosts(); err != nil {
		return err
	}
	ev, err := awaitEvent[client.PostsReceived](ctx, c)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSLUG\tTITLE\tAUTHOR\tSUMMARY")
	for _, post := range ev.Posts {
		p := post.Short()
		created := "-"
		if !p.CreatedAt.IsZero() {
			created = p.CreatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", created, p.Slug, p.Title, p.Author, p.Summary)
	}
	return tw.Flush()
}

func parseCreate(args []string) (blog.BlogPost, error) {
	var (
		post     blog.BlogPost
		bodyFile string
	)
	fs := pflag.NewFlagSet("inkctl create", pflag.ContinueOnError)
	fs.StringVar(&post.Slug, "slug", "", "unique post slug")
	fs.StringVar(&post.Title, "title", "", "post title")
	fs.StringVar(&post.Summary, "summary", "", "one-line summary")
	fs.StringVar(&post.Body, "body", "", "post body")
	fs.StringVar(&bodyFile, "body-file", "", "read the post body from a file")
	fs.StringSliceVar(&post.Tags, "tag", nil, "tag (repeatable or comma separated)")
	if err := fs.Parse(args); err != nil {
		return blog.BlogPost{}, err
	}
	if strings.TrimSpace(post.Slug) == "" || strings.TrimSpace(post.Title) == "" {
		return blog.BlogPost{}, fmt.Errorf("create: --slug and --title are required")
	}
	if bodyFile != "" {
		if post.Body != "" {
			return blog.BlogPost{}, fmt.Errorf("create: --body and --body-file are mutually exclusive")
		}
		raw, err := os.ReadFile(bodyFile)
		if err != nil {
			return blog.BlogPost{}, fmt.Errorf("create: %w", err)
		}
		post.Body = string(raw)
	}
	return post, nil
}

func createPost(ctx context.Context, c *client.Client, post blog.BlogPost, out io.Writer) error {
	if err := c.CreatePost(post); err != nil {
		return err
	}
	resp, err := awaitEvent[client.CreatePostResponse](ctx, c)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	fmt.Fprintln(out, resp.Message)
	return nil
}

// awaitEvent waits for the next event of type T, skipping others. A server
// disconnect ends the wait with an error.
func awaitEvent[T client.Event](ctx context.Context, c *client.Client) (T, error) {
	var zero T
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case ev, ok := <-c.Events():
			if !ok {
				return zero, fmt.Errorf("%w: connection ended before a response", packet.ErrConnectionClosed)
			}
			if want, ok := ev.(T); ok {
				return want, nil
			}
			if d, ok := ev.(client.Disconnected); ok {
				return zero, fmt.Errorf("%w: server disconnected: %s", packet.ErrConnectionClosed, d.Reason)
			}
		}
	}
}
