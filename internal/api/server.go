// Package api is the relay's HTTP surface: account registration and the
// tail, read and append endpoints clients sync against.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/histsync/internal/relaystore"
	"github.com/marcus/histsync/internal/serverdb"
)

const (
	maxBodyBytes      = 32 << 20
	housekeepInterval = time.Hour
)

// Server is the relay. It owns the record store and closes it when Run
// returns; the account database belongs to the caller.
type Server struct {
	config  Config
	store   *serverdb.ServerDB
	records relaystore.Store
	metrics *Metrics
	limiter *RateLimiter
	handler http.Handler
}

// NewServer wires routes and middleware around the given stores.
func NewServer(cfg Config, store *serverdb.ServerDB, records relaystore.Store) (*Server, error) {
	if store == nil || records == nil {
		return nil, errors.New("api: server db and record store are required")
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.MaxPostBatch <= 0 {
		cfg.MaxPostBatch = 1000
	}
	s := &Server{
		config:  cfg,
		store:   store,
		records: records,
		metrics: NewMetrics(),
		limiter: NewRateLimiter(),
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndRun listens on the configured address and calls Run.
func (s *Server) ListenAndRun(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Run(ctx, ln)
}

// Run serves on ln until ctx is cancelled, then gives in-flight requests
// up to ShutdownTimeout to finish.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	defer func() {
		if err := s.records.Close(); err != nil {
			slog.Error("close record store", "err", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := hs.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.housekeep(gctx, housekeepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return hs.Shutdown(sctx)
	})
	return g.Wait()
}

// housekeep sweeps idle limiter windows and prunes old throttle events
// every interval until ctx is done.
func (s *Server) housekeep(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.limiter.sweep()
		if s.config.RateLimitEventRetention <= 0 {
			continue
		}
		n, err := s.store.PruneThrottleEvents(ctx, s.config.RateLimitEventRetention)
		switch {
		case err != nil:
			slog.Error("prune throttle events", "err", err)
		case n > 0:
			slog.Info("pruned throttle events", "count", n)
		}
	}
}

func (s *Server) routes() http.Handler {
	authed := func(class string, limit int, h http.HandlerFunc) http.HandlerFunc {
		return s.requireAuth(s.limitByToken(class, limit, h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	mux.HandleFunc("POST /v1/register", s.limitByIP(classRegister, s.config.RateLimitRegister, s.handleRegister))
	mux.HandleFunc("GET /v1/me", authed(classOther, s.config.RateLimitOther, s.handleMe))

	mux.HandleFunc("GET /sync/tails", authed(classOther, s.config.RateLimitOther, s.handleTails))
	mux.HandleFunc("GET /sync/records", authed(classPull, s.config.RateLimitPull, s.handleGetRecords))
	mux.HandleFunc("POST /sync/records", authed(classPush, s.config.RateLimitPush, s.handlePostRecords))

	return stack(mux,
		recoverMiddleware,
		traceMiddleware,
		accessMiddleware(s.metrics),
		bodyLimitMiddleware(maxBodyBytes),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
