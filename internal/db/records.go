package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/marcus/histsync/internal/record"
)

// LogStatus is the chain head and length of one log.
type LogStatus struct {
	Tail  record.RecordID
	Count int64
}

const recordColumns = `id, host, tag, parent, timestamp, version, data`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (record.Record, error) {
	var (
		id, host, parent sql.NullString
		ts               int64
		r                record.Record
	)
	if err := s.Scan(&id, &host, &r.Tag, &parent, &ts, &r.Version, &r.Data); err != nil {
		return record.Record{}, err
	}
	var err error
	if r.ID, err = record.ParseRecordID(id.String); err != nil {
		return record.Record{}, err
	}
	if r.Host, err = record.ParseHostID(host.String); err != nil {
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

func parentArg(p *record.RecordID) any {
	if p == nil {
		return nil
	}
	return p.String()
}

// Append stores rec at the end of its log. Appending a byte-identical copy
// of a stored record is a no-op.
func (db *DB) Append(ctx context.Context, rec record.Record) error {
	_, err := db.AppendBatch(ctx, []record.Record{rec})
	return err
}

// AppendBatch appends recs in order within one transaction. Either every
// record is accepted or none is. It returns the number of records newly
// inserted; identical duplicates are skipped.
func (db *DB) AppendBatch(ctx context.Context, recs []record.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	var inserted int
	err := db.withWriteLock(func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		n := 0
		for _, rec := range recs {
			ok, err := appendTx(ctx, tx, rec)
			if err != nil {
				return err
			}
			if ok {
				n++
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		inserted = n
		return nil
	})
	return inserted, err
}

// appendTx validates and inserts one record. The tail is read inside the
// same transaction as the insert.
func appendTx(ctx context.Context, tx *sql.Tx, rec record.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	existing, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, rec.ID.String()))
	switch {
	case err == nil:
		if existing.Equal(rec) {
			return false, nil
		}
		return false, &record.DuplicateError{ID: rec.ID}
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("lookup %s: %w", rec.ID, err)
	}

	tail, pos, err := tailTx(ctx, tx, rec.Host, rec.Tag)
	if err != nil {
		return false, err
	}
	if err := record.CheckSuccessor(rec, tail); err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (id, host, tag, parent, idx, timestamp, version, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.Host.String(), rec.Tag, parentArg(rec.Parent),
		pos+1, int64(rec.Timestamp), rec.Version, rec.Data)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	return true, nil
}

// tailTx returns the tail of a log and its position, or (nil, -1) for an
// empty log.
func tailTx(ctx context.Context, tx *sql.Tx, host record.HostID, tag string) (*record.RecordID, int64, error) {
	var id string
	var pos int64
	err := tx.QueryRowContext(ctx, `
		SELECT id, idx FROM records WHERE host = ? AND tag = ?
		ORDER BY idx DESC LIMIT 1`, host.String(), tag).Scan(&id, &pos)
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

// Tail returns the current chain head of a log, or nil if the log is empty.
func (db *DB) Tail(ctx context.Context, host record.HostID, tag string) (*record.RecordID, error) {
	var id string
	err := db.conn.QueryRowContext(ctx, `
		SELECT id FROM records WHERE host = ? AND tag = ?
		ORDER BY idx DESC LIMIT 1`, host.String(), tag).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tail %s/%s: %w", host, tag, err)
	}
	rid, err := record.ParseRecordID(id)
	if err != nil {
		return nil, err
	}
	return &rid, nil
}

// RangeSince returns up to limit records of a log in chain order, starting
// just after the record after (or at genesis when after is nil). A limit
// of zero or less means no limit. An after id that is not part of the log
// returns ErrNotFound.
func (db *DB) RangeSince(ctx context.Context, host record.HostID, tag string, after *record.RecordID, limit int) ([]record.Record, error) {
	start := int64(0)
	if after != nil {
		var pos int64
		err := db.conn.QueryRowContext(ctx,
			`SELECT idx FROM records WHERE id = ? AND host = ? AND tag = ?`,
			after.String(), host.String(), tag).Scan(&pos)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s in %s/%s: %w", after, host, tag, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("locate %s: %w", after, err)
		}
		start = pos + 1
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE host = ? AND tag = ? AND idx >= ?
		ORDER BY idx LIMIT ?`, host.String(), tag, start, limit)
	if err != nil {
		return nil, fmt.Errorf("range %s/%s: %w", host, tag, err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// KnownLogs lists every log with at least one record.
func (db *DB) KnownLogs(ctx context.Context) ([]record.LogKey, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT host, tag FROM records ORDER BY host, tag`)
	if err != nil {
		return nil, fmt.Errorf("known logs: %w", err)
	}
	defer rows.Close()

	var out []record.LogKey
	for rows.Next() {
		var host, tag string
		if err := rows.Scan(&host, &tag); err != nil {
			return nil, err
		}
		h, err := record.ParseHostID(host)
		if err != nil {
			return nil, err
		}
		out = append(out, record.LogKey{Host: h, Tag: tag})
	}
	return out, rows.Err()
}

// Status returns the tail and record count of every known log.
func (db *DB) Status(ctx context.Context) (map[record.LogKey]LogStatus, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT r.host, r.tag, r.id, r.idx + 1
		FROM records r
		JOIN (SELECT host, tag, MAX(idx) AS m FROM records GROUP BY host, tag) t
		  ON r.host = t.host AND r.tag = t.tag AND r.idx = t.m`)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	defer rows.Close()

	out := make(map[record.LogKey]LogStatus)
	for rows.Next() {
		var host, tag, id string
		var count int64
		if err := rows.Scan(&host, &tag, &id, &count); err != nil {
			return nil, err
		}
		h, err := record.ParseHostID(host)
		if err != nil {
			return nil, err
		}
		tail, err := record.ParseRecordID(id)
		if err != nil {
			return nil, err
		}
		out[record.LogKey{Host: h, Tag: tag}] = LogStatus{Tail: tail, Count: count}
	}
	return out, rows.Err()
}

// Get returns one record by id.
func (db *DB) Get(ctx context.Context, id record.RecordID) (record.Record, error) {
	r, err := scanRecord(db.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return r, err
}

// Count returns the total number of stored records.
func (db *DB) Count(ctx context.Context) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

// ByTag calls fn for every record carrying tag, across all hosts, in
// (host, chain position) order. Returning an error from fn stops the scan.
// fn must not call back into db: the scan holds the only connection.
func (db *DB) ByTag(ctx context.Context, tag string, fn func(record.Record) error) error {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE tag = ? ORDER BY host, idx`, tag)
	if err != nil {
		return fmt.Errorf("scan tag %s: %w", tag, err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Verify walks a log from genesis and checks that every record links to
// its predecessor. It returns the number of records checked.
func (db *DB) Verify(ctx context.Context, host record.HostID, tag string) (int64, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT idx, `+recordColumns+` FROM records
		WHERE host = ? AND tag = ? ORDER BY idx`, host.String(), tag)
	if err != nil {
		return 0, fmt.Errorf("verify %s/%s: %w", host, tag, err)
	}
	defer rows.Close()

	var (
		tail *record.RecordID
		n    int64
	)
	for rows.Next() {
		var pos int64
		var id, h, parent sql.NullString
		var ts int64
		r := record.Record{}
		if err := rows.Scan(&pos, &id, &h, &r.Tag, &parent, &ts, &r.Version, &r.Data); err != nil {
			return n, err
		}
		if pos != n {
			return n, fmt.Errorf("verify %s/%s: gap at position %d (found %d)", host, tag, n, pos)
		}
		if r.ID, err = record.ParseRecordID(id.String); err != nil {
			return n, err
		}
		r.Host = host
		if parent.Valid {
			p, err := record.ParseRecordID(parent.String)
			if err != nil {
				return n, err
			}
			r.Parent = &p
		}
		if err := record.CheckSuccessor(r, tail); err != nil {
			return n, err
		}
		id2 := r.ID
		tail = &id2
		n++
	}
	return n, rows.Err()
}
