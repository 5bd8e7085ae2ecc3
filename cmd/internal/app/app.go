// Package app wires the tether runtime: config, logging, the token store, the API
// client, the realtime connection, the session manager and the local control surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tether/cmd/internal/auth/claims"
	"tether/cmd/internal/auth/remote"
	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/auth/tokenstore"
	"tether/cmd/internal/ids"
	"tether/cmd/internal/metrics"
	"tether/cmd/internal/realtime"
)

// App is the tether runtime. It owns every long-lived resource.
type App struct {
	cfg Config
	log Logger

	tokens    tokenstore.Store
	api       *remote.Client
	transport *realtime.WSTransport
	coord     *realtime.Coordinator
	mgr       *session.Manager

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	closeOnce sync.Once
	closeErr  error
}

// New constructs a fully wired App. Nothing is validated or connected yet; Run (or a
// CLI command) decides the session.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, log: log}
	if cfg.MetricsEnabled {
		a.registry, a.metrics = metrics.NewRegistry()
	}

	decoder, err := newDecoder(cfg)
	if err != nil {
		return nil, err
	}

	api, err := remote.New(cfg.API, log)
	if err != nil {
		return nil, err
	}
	a.api = api

	tokens, err := tokenstore.Open(ctx, cfg.Tokens)
	if err != nil {
		return nil, fmt.Errorf("token store: %w", err)
	}
	a.tokens = tokens
	log.Info("tokenstore.open", "backend", string(cfg.Tokens.Backend))

	deps := session.Deps{
		Tokens:      tokens,
		Decoder:     decoder,
		Profiles:    api,
		Memberships: api,
		Validator:   api,
		Logger:      log,
		Metrics:     a.metrics,
	}

	if cfg.Realtime.Enabled() {
		a.transport = realtime.NewWSTransport(cfg.Realtime, log, nil)
		a.coord = realtime.NewCoordinator(a.transport,
			realtime.WithLogger(log),
			realtime.WithMetrics(a.metrics),
			realtime.WithThrottle(cfg.Realtime.ReconnectLimit, cfg.Realtime.ReconnectWindow),
		)
		deps.Realtime = a.coord
		a.transport.OnDrop = a.onDrop
	} else {
		log.Info("realtime.disabled")
	}

	mgr, err := session.NewManager(cfg.Session, deps)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.mgr = mgr

	return a, nil
}

func newDecoder(cfg Config) (claims.Decoder, error) {
	d := claims.Multi{JWT: claims.NewJWTDecoder()}
	if cfg.PasetoPublicKey != "" {
		p, err := claims.NewPasetoDecoder(cfg.PasetoPublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: paseto public key: %v", ErrConfig, err)
		}
		d.Paseto = p
	}
	return d, nil
}

// Manager exposes the session manager (CLI commands).
func (a *App) Manager() *session.Manager { return a.mgr }

// Handler returns the control surface with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	c := control{
		log:      a.log,
		mgr:      a.mgr,
		store:    a.tokens,
		realtime: a.coord,
	}
	if a.registry != nil {
		c.gatherer = a.registry
	}
	registerHTTP(mux, c)

	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run decides the session, serves the control surface and blocks until ctx is
// cancelled or the server fails. Everything is released before it returns.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.log.Error("app.close.fail", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"control_url", runtimeBaseURL(a.cfg.HTTPAddr),
		"realtime", a.coord != nil,
		"metrics", a.registry != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if a.transport != nil {
		go a.consumeEvents(ctx, a.transport.Events())
	}

	// Initial decision; /readyz flips once it lands.
	go a.revalidate(ctx, "startup")

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// Close stops the manager (keeping stored tokens) and releases the token store. It is
// safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if err := a.mgr.Close(ctx); err != nil {
			a.closeErr = err
		}
		a.closeStore()
	})
	return a.closeErr
}

func (a *App) closeStore() {
	if c, ok := a.tokens.(tokenstore.Closer); ok {
		if err := c.Close(); err != nil {
			a.log.Error("tokenstore.close.fail", "err", err)
		}
	}
}

// revalidate runs a bounded full validation on behalf of a background trigger.
func (a *App) revalidate(ctx context.Context, reason string) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Session.RunTimeout)
	defer cancel()

	log := a.log.With("reason", reason, "run_id", ids.MustULID(time.Now()))
	snap, err := a.mgr.FullValidate(ctx)
	switch {
	case err == nil:
		log.Info("session.revalidate", "state", string(snap.State), "subject", snap.SubjectID())
	case errors.Is(err, session.ErrSuperseded), errors.Is(err, session.ErrClosed):
		log.Debug("session.revalidate.discarded", "err", err)
	default:
		log.Warn("session.revalidate.fail", "state", string(snap.State), "err", err)
	}
}

// onDrop re-validates after the server ended the realtime link; a still valid session
// reconnects through the coordinator's throttle.
func (a *App) onDrop(err error) {
	a.log.Info("realtime.drop", "err", err)
	a.revalidate(context.Background(), "realtime_drop")
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
