// Command histsync-server runs the record relay that histsync clients sync
// against. "histsync-server admin" manages accounts offline.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/marcus/histsync/internal/api"
	"github.com/marcus/histsync/internal/relaystore"
	"github.com/marcus/histsync/internal/serverdb"
	"github.com/marcus/histsync/internal/version"
	"github.com/spf13/pflag"
)

// Version is set at release time with -ldflags "-X main.Version=vX.Y.Z".
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		err = runAdmin(ctx, os.Args[2:], os.Stdout, os.Stderr)
	} else {
		err = serve(ctx)
	}
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// serve runs the relay until ctx is cancelled, then drains in-flight
// requests for up to the configured shutdown timeout.
func serve(ctx context.Context) error {
	cfg, err := api.LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	handler, err := newLogHandler(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))

	store, err := serverdb.Open(cfg.ServerDBPath)
	if err != nil {
		return fmt.Errorf("open server db: %w", err)
	}
	defer store.Close()

	records, err := relaystore.Open(cfg.Store, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open %s record store: %w", cfg.Store, err)
	}

	srv, err := api.NewServer(cfg, store, records)
	if err != nil {
		records.Close()
		return err
	}
	slog.Info("server starting",
		"version", version.Resolve(Version),
		"addr", cfg.ListenAddr,
		"store", cfg.Store,
		"data_dir", cfg.DataDir,
		"signup", cfg.AllowSignup,
	)
	err = srv.ListenAndRun(ctx)
	slog.Info("server stopped")
	return err
}

// newLogHandler returns a JSON or text slog handler at the named level.
func newLogHandler(w io.Writer, format, level string) (slog.Handler, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}
