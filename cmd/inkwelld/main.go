// inkwelld serves the inkwell post protocol over mutual TLS and manages the
// author directory stored alongside the posts.
//
//	inkwelld [serve] [--config FILE] [--addr ADDR] [--db FILE] [--metrics-addr ADDR]
//	inkwelld author add --name NAME [--role ROLE] (--cert FILE | --fingerprint HEX)
//	inkwelld author list
//	inkwelld revoke (--cert FILE | --fingerprint HEX)
//	inkwelld fingerprint CERT_FILE
//
// With a metrics address, serve also answers GET /health, /metrics,
// /sessions[?fingerprint=HEX] and /sessions/:remote.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/inkwell/internal/logging"
	"github.com/danmuck/inkwell/internal/server"
	"github.com/danmuck/inkwell/internal/store"
)

func main() {
	logging.ConfigureRuntime()
	gin.SetMode(gin.ReleaseMode)
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "inkwelld: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return serve(args)
	}
	switch args[0] {
	case "serve":
		return serve(args[1:])
	case "author":
		if len(args) < 2 {
			return fmt.Errorf("author: expected add or list")
		}
		switch args[1] {
		case "add":
			return authorAdd(args[2:], out)
		case "list":
			return authorList(args[2:], out)
		default:
			return fmt.Errorf("author: unknown command %q", args[1])
		}
	case "revoke":
		return revoke(args[1:], out)
	case "fingerprint":
		return fingerprint(args[1:], out)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// commonFlags are accepted by every subcommand that touches the database.
type commonFlags struct {
	configPath string
	dbPath     string
}

func (c *commonFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "path to inkwelld TOML config")
	fs.StringVar(&c.dbPath, "db", "", "path to the bbolt database (overrides db_path)")
}

func (c *commonFlags) load() (daemonConfig, error) {
	cfg, err := loadDaemonConfig(c.configPath)
	if err != nil {
		return daemonConfig{}, err
	}
	if db := strings.TrimSpace(c.dbPath); db != "" {
		cfg.DBPath = db
	}
	return cfg, nil
}

func serve(args []string) error {
	var (
		common      commonFlags
		addr        string
		metricsAddr string
	)
	fs := pflag.NewFlagSet("inkwelld serve", pflag.ContinueOnError)
	common.add(fs)
	fs.StringVar(&addr, "addr", "", "session listen address (overrides addr)")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "prometheus listen address (overrides metrics_addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Service.ListenAddr = addr
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	repo, err := store.OpenBolt(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Error().Err(err).Msg("inkwelld.serve close store")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := server.NewService(cfg.Service, repo)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		metrics := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newAdminRouter(svc, cfg.Service.ServerID, time.Now()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Warn().Str("addr", cfg.MetricsAddr).Msg("inkwelld.serve metrics listening")
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}
	err = g.Wait()
	log.Warn().Err(err).Msg("inkwelld.serve stopped")
	return err
}
