package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marcus/histsync/internal/alias"
	"github.com/marcus/histsync/internal/crypto"
	"github.com/marcus/histsync/internal/db"
	"github.com/marcus/histsync/internal/history"
	"github.com/marcus/histsync/internal/journal"
	"github.com/marcus/histsync/internal/kv"
	"github.com/marcus/histsync/internal/output"
	"github.com/marcus/histsync/internal/record"
	hsync "github.com/marcus/histsync/internal/sync"
	"github.com/marcus/histsync/internal/syncclient"
	"github.com/marcus/histsync/internal/syncconfig"
)

// session is everything a command needs: settings, the open local store
// and, when the key is available, a journal writing as this host.
type session struct {
	cfg     *syncconfig.Config
	dataDir string
	store   *db.DB
	host    record.HostID
	key     *crypto.Key
}

// loadSettings reads config.toml and resolves the data directory.
func loadSettings() (*syncconfig.Config, string, error) {
	cfg, err := syncconfig.LoadConfig()
	if err != nil {
		return nil, "", err
	}
	dataDir, err := syncconfig.DataDir()
	if err != nil {
		return nil, "", err
	}
	return cfg, dataDir, nil
}

// openSession opens the local store. withKey also loads the encryption
// key, failing with syncconfig.ErrNoKey when there is none.
func openSession(withKey bool) (*session, error) {
	cfg, dataDir, err := loadSettings()
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, dataDir: dataDir}
	if withKey {
		s.key, err = syncconfig.LoadKey(cfg.ResolveKeyPath(dataDir))
		if err != nil {
			return nil, err
		}
	}
	s.host, err = syncconfig.HostID(dataDir)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.ResolveDBPath(dataDir)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s.store, err = db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

func (s *session) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

func (s *session) journal() *journal.Journal {
	return journal.New(s.store, s.key, s.host)
}

func (s *session) kv() *kv.Store           { return kv.New(s.journal()) }
func (s *session) aliases() *alias.Store   { return alias.New(s.journal()) }
func (s *session) history() *history.Store { return history.New(s.journal()) }

// client returns a sync client for the configured server, or an error when
// not logged in.
func (s *session) client() (*syncclient.Client, error) {
	token := syncconfig.Token()
	if token == "" {
		return nil, errNotLoggedIn
	}
	request, connect := s.cfg.Timeouts()
	return syncclient.New(s.cfg.ServerURL(), token, request, connect), nil
}

func (s *session) syncer() (*hsync.Syncer, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}
	opts := hsync.Options{
		Concurrency: s.cfg.Sync.Concurrency,
		PageSize:    s.cfg.Sync.PageSize,
	}
	return hsync.New(s.store, hsync.NewHTTPRemote(client), s.key, opts), nil
}

var errNotLoggedIn = errors.New("not logged in (run: histsync login)")

// printError renders err for the terminal, with a hint for the errors a
// user can act on.
func printError(err error) {
	output.Error("%v", err)
	var hint string
	switch {
	case errors.Is(err, syncclient.ErrUnauthorized):
		hint = "the server rejected the token; run: histsync login"
	case errors.Is(err, crypto.ErrAuthenticationFailed):
		hint = "records could not be decrypted; check that every machine uses the same key (histsync key show)"
	case errors.As(err, new(*hsync.ForkError)):
		hint = "local and server history diverged for a log; see: histsync sync --status"
	}
	if hint != "" {
		output.Info("  hint: %s", hint)
	}
}
