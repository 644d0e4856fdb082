// Package link keeps the satellite connected to the assistant server.
//
// The [Reconnector] dials, waits for the connection to end, and dials again
// with exponential backoff. Sessions are not its concern: the assistant sees
// link changes through the transport and fails whatever session was using
// the old connection.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/satellite/internal/observe"
	"github.com/MrWong99/satellite/internal/resilience"
)

// Default reconnection parameters.
const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// ErrGaveUp is returned by [Reconnector.Run] after MaxRetries consecutive
// failed attempts.
var ErrGaveUp = errors.New("link: giving up on the server")

// Dialer is the part of a transport client the reconnector drives. The
// websocket client implements it.
type Dialer interface {
	// Connect dials the server. ctx bounds only the handshake.
	Connect(ctx context.Context) error

	// Done is closed when the current connection ends.
	Done() <-chan struct{}
}

// Config configures a [Reconnector].
type Config struct {
	// MaxRetries is the number of consecutive failed attempts before Run
	// gives up. Zero retries forever.
	MaxRetries int

	// InitialBackoff is the wait after the first failure. It doubles with
	// each further failure up to MaxBackoff. Defaults to 1s.
	InitialBackoff time.Duration

	// MaxBackoff defaults to 30s.
	MaxBackoff time.Duration

	// ConnectTimeout bounds each handshake. Defaults to 10s.
	ConnectTimeout time.Duration

	// Breaker, if set, guards every attempt. Attempts it rejects count as
	// failures.
	Breaker *resilience.CircuitBreaker

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Reconnector supervises one [Dialer].
type Reconnector struct {
	d   Dialer
	cfg Config
}

// New returns a reconnector for d.
func New(d Dialer, cfg Config) *Reconnector {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Reconnector{d: d, cfg: cfg}
}

// Run keeps the dialer connected until ctx is cancelled, which returns nil.
// It returns an error wrapping [ErrGaveUp] once MaxRetries is exhausted.
func (r *Reconnector) Run(ctx context.Context) error {
	backoff := r.cfg.InitialBackoff
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := r.attempt(ctx)
		if err == nil {
			failures = 0
			backoff = r.cfg.InitialBackoff
			select {
			case <-ctx.Done():
				return nil
			case <-r.d.Done():
				slog.Warn("server connection lost, reconnecting", "in", backoff)
			}
		} else {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if r.cfg.MaxRetries > 0 && failures >= r.cfg.MaxRetries {
				return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, failures, err)
			}
			slog.Warn("server connection attempt failed",
				"attempt", failures,
				"max_retries", r.cfg.MaxRetries,
				"backoff", backoff,
				"err", err,
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if err != nil {
			backoff = min(backoff*2, r.cfg.MaxBackoff)
		}
	}
}

func (r *Reconnector) attempt(ctx context.Context) error {
	dial := func() error {
		dctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		defer cancel()
		return r.d.Connect(dctx)
	}

	var err error
	if r.cfg.Breaker != nil {
		err = r.cfg.Breaker.Execute(dial)
	} else {
		err = dial()
	}

	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "rejected"
	case err != nil:
		status = "error"
	}
	r.cfg.Metrics.RecordConnectAttempt(ctx, status)
	return err
}
