package main

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/inkwell/internal/client"
	"github.com/danmuck/inkwell/internal/protocol/packet"
	"github.com/danmuck/inkwell/internal/protocol/session"
)

type connectFunc func(ctx context.Context, cfg client.Config) (*client.Client, error)

// dialer retries transport failures with backoff. Authentication failures
// are final.
type dialer struct {
	cfg     ctlConfig
	connect connectFunc
	rng     *rand.Rand
}

func newDialer(cfg ctlConfig) *dialer {
	return &dialer{
		cfg:     cfg,
		connect: client.Connect,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *dialer) dial(ctx context.Context) (*client.Client, error) {
	retryable := func(err error) bool { return errors.Is(err, packet.ErrConnect) }
	return session.Retry(ctx, d.cfg.Client.Session.Backoff, d.cfg.ConnectAttempts, d.rng, retryable,
		func(ctx context.Context, attempt int) (*client.Client, error) {
			c, err := d.connect(ctx, d.cfg.Client)
			if err != nil {
				log.Warn().
					Int("attempt", attempt).
					Str("addr", d.cfg.Client.Addr).
					Err(err).
					Msg("inkctl.dial")
			}
			return c, err
		})
}
