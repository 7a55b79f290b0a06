package serverdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ThrottleEvent is one request refused by the relay's rate limiter.
type ThrottleEvent struct {
	Seq     int64
	TokenID string // empty for unauthenticated requests
	IP      string
	Class   string // register, push, pull or other
	At      time.Time
}

// ThrottleFilter narrows ThrottleEvents. Zero fields match everything; a
// zero Limit means 100.
type ThrottleFilter struct {
	TokenID string
	IP      string
	Limit   int
}

// RecordThrottle appends a refused request to the log.
func (db *ServerDB) RecordThrottle(ctx context.Context, tokenID, ip, class string) error {
	var tok any
	if tokenID != "" {
		tok = tokenID
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO throttle_events (token_id, ip, class, at) VALUES (?, ?, ?, ?)`,
		tok, ip, class, db.now().Unix())
	if err != nil {
		return fmt.Errorf("record throttle event: %w", err)
	}
	return nil
}

// ThrottleEvents returns matching events, newest first.
func (db *ServerDB) ThrottleEvents(ctx context.Context, f ThrottleFilter) ([]ThrottleEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.TokenID != "" {
		where = append(where, "token_id = ?")
		args = append(args, f.TokenID)
	}
	if f.IP != "" {
		where = append(where, "ip = ?")
		args = append(args, f.IP)
	}
	q := `SELECT seq, token_id, ip, class, at FROM throttle_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list throttle events: %w", err)
	}
	defer rows.Close()

	var out []ThrottleEvent
	for rows.Next() {
		var (
			e   ThrottleEvent
			tok sql.NullString
			at  int64
		)
		if err := rows.Scan(&e.Seq, &tok, &e.IP, &e.Class, &at); err != nil {
			return nil, fmt.Errorf("scan throttle event: %w", err)
		}
		e.TokenID = tok.String
		e.At = time.Unix(at, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneThrottleEvents drops events older than age and reports how many
// went.
func (db *ServerDB) PruneThrottleEvents(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := db.now().Add(-age).Unix()
	res, err := db.conn.ExecContext(ctx, `DELETE FROM throttle_events WHERE at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune throttle events: %w", err)
	}
	return res.RowsAffected()
}
