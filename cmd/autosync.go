package cmd

import (
	"context"
	"log/slog"
	"time"
)

// mutatingCommands lists commands that write records and may trigger auto-sync.
var mutatingCommands = map[string]bool{
	"kv set":      true,
	"kv del":      true,
	"alias set":   true,
	"alias del":   true,
	"history add": true,
	"history del": true,
}

// isMutatingCommand checks if the given command path triggers auto-sync.
func isMutatingCommand(name string) bool {
	return mutatingCommands[name]
}

// autoSyncTimeout bounds the sync run after a mutating command.
const autoSyncTimeout = 10 * time.Second

// autoSyncAfterMutation runs a sync cycle when auto_sync is on and the last
// sync is older than sync_frequency. Errors are logged, not returned.
func autoSyncAfterMutation(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, dataDir, err := loadSettings()
	if err != nil {
		slog.Debug("autosync: load settings", "err", err)
		return
	}
	due, err := cfg.ShouldSync(dataDir, time.Now())
	if err != nil {
		slog.Debug("autosync: check frequency", "err", err)
		return
	}
	if !due {
		return
	}

	s, err := openSession(true)
	if err != nil {
		slog.Debug("autosync: open", "err", err)
		return
	}
	defer s.Close()

	syncer, err := s.syncer()
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, autoSyncTimeout)
	defer cancel()

	report, err := runSync(ctx, s, syncer)
	if err != nil {
		slog.Debug("autosync: sync", "err", err)
		return
	}
	pulled, pushed := report.Totals()
	if err := report.Err(); err != nil {
		slog.Warn("autosync: some logs failed", "err", err)
	}
	slog.Debug("autosync: done", "pulled", pulled, "pushed", pushed)
}
