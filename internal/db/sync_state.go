package db

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/histsync/internal/record"
)

// LogSyncState is the outcome of the last sync attempt for one log.
type LogSyncState struct {
	Log       record.LogKey
	Outcome   string
	Detail    string
	UpdatedAt time.Time
}

// RecordSyncOutcome stores the result of reconciling one log.
func (db *DB) RecordSyncOutcome(ctx context.Context, log record.LogKey, outcome, detail string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO log_sync_state (host, tag, outcome, detail, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(host, tag) DO UPDATE SET
				outcome = excluded.outcome,
				detail = excluded.detail,
				updated_at = excluded.updated_at`,
			log.Host.String(), log.Tag, outcome, detail, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("record sync outcome %s: %w", log, err)
		}
		return nil
	})
}

// SyncOutcomes returns the last recorded outcome of every log.
func (db *DB) SyncOutcomes(ctx context.Context) ([]LogSyncState, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT host, tag, outcome, detail, updated_at
		FROM log_sync_state ORDER BY host, tag`)
	if err != nil {
		return nil, fmt.Errorf("sync outcomes: %w", err)
	}
	defer rows.Close()

	var out []LogSyncState
	for rows.Next() {
		var (
			host string
			ts   int64
			s    LogSyncState
		)
		if err := rows.Scan(&host, &s.Log.Tag, &s.Outcome, &s.Detail, &ts); err != nil {
			return nil, err
		}
		if s.Log.Host, err = record.ParseHostID(host); err != nil {
			return nil, err
		}
		s.UpdatedAt = time.Unix(0, ts)
		out = append(out, s)
	}
	return out, rows.Err()
}
