package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is one sync account. Its ID partitions the account's records on
// the relay.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser registers email. Addresses compare case-insensitively.
func (db *ServerDB) CreateUser(ctx context.Context, email string) (*User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, errors.New("email is required")
	}

	u := &User{ID: "u_" + uuid.NewString(), Email: email, CreatedAt: db.now()}
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?) ON CONFLICT(email) DO NOTHING`,
		u.ID, u.Email, u.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrEmailTaken
	}
	u.CreatedAt = time.Unix(u.CreatedAt.Unix(), 0).UTC()
	return u, nil
}

// UserByID looks up an account by id.
func (db *ServerDB) UserByID(ctx context.Context, id string) (*User, error) {
	return db.userWhere(ctx, "id = ?", id)
}

// UserByEmail looks up an account by address.
func (db *ServerDB) UserByEmail(ctx context.Context, email string) (*User, error) {
	return db.userWhere(ctx, "email = ?", normalizeEmail(email))
}

func (db *ServerDB) userWhere(ctx context.Context, cond string, arg any) (*User, error) {
	var (
		u       User
		created int64
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, email, created_at FROM users WHERE `+cond, arg).Scan(&u.ID, &u.Email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = time.Unix(created, 0).UTC()
	return &u, nil
}

// Users lists every account, oldest first.
func (db *ServerDB) Users(ctx context.Context) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, email, created_at FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var (
			u       User
			created int64
		)
		if err := rows.Scan(&u.ID, &u.Email, &created); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}
