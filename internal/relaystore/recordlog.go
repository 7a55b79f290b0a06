package relaystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marcus/histsync/internal/record"
	"github.com/marcus/histsync/internal/sqlitex"
)

var recordLogMigrations = []sqlitex.Migration{
	{
		Version:     1,
		Description: "relay records",
		SQL: `
CREATE TABLE IF NOT EXISTS records (
    id          TEXT PRIMARY KEY,
    host        TEXT NOT NULL,
    tag         TEXT NOT NULL,
    parent      TEXT,
    idx         INTEGER NOT NULL,
    timestamp   INTEGER NOT NULL,
    version     TEXT NOT NULL,
    data        BLOB NOT NULL,
    received_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(host, tag, idx)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_records_parent ON records(host, tag, parent);
`,
	},
}

// InitRecordLog migrates db to the current relay record schema. It works
// with any SQLite driver.
func InitRecordLog(db *sql.DB) error {
	if _, err := sqlitex.Migrate(context.Background(), db, recordLogMigrations); err != nil {
		return fmt.Errorf("init record log: %w", err)
	}
	return nil
}

// InsertRecords appends records within the given transaction. Records that
// are already stored byte-for-byte are skipped. The first record that does
// not extend its log's tail stops the insert with a *record.ChainError; the
// caller must roll back.
func InsertRecords(tx *sql.Tx, recs []record.Record) (int, error) {
	accepted := 0
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return accepted, err
		}

		existing, err := scanRecord(tx.QueryRow(
			`SELECT id, host, tag, parent, timestamp, version, data FROM records WHERE id = ?`, rec.ID.String()))
		if err == nil {
			if !existing.Equal(rec) {
				return accepted, &record.DuplicateError{ID: rec.ID}
			}
			slog.Debug("record already stored", "id", rec.ID)
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return accepted, fmt.Errorf("lookup %s: %w", rec.ID, err)
		}

		tail, pos, err := tailOf(tx, rec.Host, rec.Tag)
		if err != nil {
			return accepted, err
		}
		if err := record.CheckSuccessor(rec, tail); err != nil {
			return accepted, err
		}

		var parent any
		if rec.Parent != nil {
			parent = rec.Parent.String()
		}
		_, err = tx.Exec(
			`INSERT INTO records (id, host, tag, parent, idx, timestamp, version, data)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID.String(), rec.Host.String(), rec.Tag, parent, pos+1,
			int64(rec.Timestamp), rec.Version, rec.Data,
		)
		if err != nil {
			return accepted, fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
		accepted++
	}
	return accepted, nil
}

// GetRecordsSince returns up to limit records of one log after the given
// record (from genesis when after is nil), in chain order. A limit of zero
// or less returns the rest of the log.
func GetRecordsSince(tx *sql.Tx, log record.LogKey, after *record.RecordID, limit int) ([]record.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	start := int64(0)
	if after != nil {
		var pos int64
		err := tx.QueryRow(`SELECT idx FROM records WHERE id = ? AND host = ? AND tag = ?`,
			after.String(), log.Host.String(), log.Tag).Scan(&pos)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s in %s: %w", after, log, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("locate %s: %w", after, err)
		}
		start = pos + 1
	}

	rows, err := tx.Query(
		`SELECT id, host, tag, parent, timestamp, version, data FROM records
		 WHERE host = ? AND tag = ? AND idx >= ? ORDER BY idx ASC LIMIT ?`,
		log.Host.String(), log.Tag, start, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// GetTails returns the tail and count of every log.
func GetTails(tx *sql.Tx) ([]Tail, error) {
	rows, err := tx.Query(`
		SELECT r.host, r.tag, r.id, r.idx + 1
		FROM records r
		JOIN (SELECT host, tag, MAX(idx) AS m FROM records GROUP BY host, tag) t
		  ON r.host = t.host AND r.tag = t.tag AND r.idx = t.m
		ORDER BY r.host, r.tag`)
	if err != nil {
		return nil, fmt.Errorf("query tails: %w", err)
	}
	defer rows.Close()

	var out []Tail
	for rows.Next() {
		var host, tag, id string
		var count int64
		if err := rows.Scan(&host, &tag, &id, &count); err != nil {
			return nil, fmt.Errorf("scan tail: %w", err)
		}
		h, err := record.ParseHostID(host)
		if err != nil {
			return nil, err
		}
		tail, err := record.ParseRecordID(id)
		if err != nil {
			return nil, err
		}
		out = append(out, Tail{Log: record.LogKey{Host: h, Tag: tag}, Tail: tail, Count: count})
	}
	return out, rows.Err()
}

func tailOf(tx *sql.Tx, host record.HostID, tag string) (*record.RecordID, int64, error) {
	var id string
	var pos int64
	err := tx.QueryRow(`SELECT id, idx FROM records WHERE host = ? AND tag = ? ORDER BY idx DESC LIMIT 1`,
		host.String(), tag).Scan(&id, &pos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, -1, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("tail %s/%s: %w", host, tag, err)
	}
	rid, err := record.ParseRecordID(id)
	if err != nil {
		return nil, 0, err
	}
	return &rid, pos, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (record.Record, error) {
	var (
		id, host string
		parent   sql.NullString
		ts       int64
		r        record.Record
	)
	if err := s.Scan(&id, &host, &r.Tag, &parent, &ts, &r.Version, &r.Data); err != nil {
		return record.Record{}, err
	}
	var err error
	if r.ID, err = record.ParseRecordID(id); err != nil {
		return record.Record{}, err
	}
	if r.Host, err = record.ParseHostID(host); err != nil {
		return record.Record{}, err
	}
	if parent.Valid {
		p, err := record.ParseRecordID(parent.String)
		if err != nil {
			return record.Record{}, err
		}
		r.Parent = &p
	}
	r.Timestamp = uint64(ts)
	return r, nil
}
