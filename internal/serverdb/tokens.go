package serverdb

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// TokenPrefix marks histsync sync tokens so they are recognizable in
	// config files and secret scanners.
	TokenPrefix = "hs_"

	// ScopeSync allows pushing and pulling records.
	ScopeSync = "sync"
)

// Token is a stored bearer token. The secret itself is never stored, only
// its SHA-256.
type Token struct {
	ID         string
	UserID     string
	Hint       string // first characters of the secret, for listings
	Name       string
	Scopes     []string
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// HasScope reports whether the token grants scope.
func (t *Token) HasScope(scope string) bool {
	return slices.Contains(t.Scopes, scope)
}

// TokenSpec describes a token to issue. A zero TTL never expires; no
// scopes means ScopeSync.
type TokenSpec struct {
	Name   string
	Scopes []string
	TTL    time.Duration
}

func hashToken(secret string) []byte {
	h := sha256.Sum256([]byte(secret))
	return h[:]
}

// IssueToken creates a token for userID and returns its secret, which is
// not recoverable afterwards.
func (db *ServerDB) IssueToken(ctx context.Context, userID string, spec TokenSpec) (string, *Token, error) {
	if _, err := db.UserByID(ctx, userID); err != nil {
		return "", nil, fmt.Errorf("issue token for %s: %w", userID, err)
	}
	scopes := spec.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeSync}
	}

	body := rand.Text()
	secret := TokenPrefix + body
	now := db.now()
	tok := &Token{
		ID:        "tk_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		UserID:    userID,
		Hint:      body[:6],
		Name:      spec.Name,
		Scopes:    scopes,
		CreatedAt: time.Unix(now.Unix(), 0).UTC(),
	}
	if spec.TTL > 0 {
		exp := time.Unix(now.Add(spec.TTL).Unix(), 0).UTC()
		tok.ExpiresAt = &exp
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO tokens (id, user_id, hash, hint, name, scopes, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tok.ID, userID, hashToken(secret), tok.Hint, tok.Name, strings.Join(scopes, ","),
		unixOrNil(tok.ExpiresAt), tok.CreatedAt.Unix())
	if err != nil {
		return "", nil, fmt.Errorf("insert token: %w", err)
	}
	return secret, tok, nil
}

// Authenticate resolves a bearer secret to its token and owner and stamps
// the token as used.
func (db *ServerDB) Authenticate(ctx context.Context, secret string) (*Token, *User, error) {
	if !strings.HasPrefix(secret, TokenPrefix) {
		return nil, nil, ErrInvalidToken
	}

	var (
		tok            Token
		u              User
		scopes         string
		exp, used      sql.NullInt64
		created, since int64
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT t.id, t.user_id, t.hint, t.name, t.scopes, t.expires_at, t.last_used_at, t.created_at,
		       u.id, u.email, u.created_at
		FROM tokens t JOIN users u ON u.id = t.user_id
		WHERE t.hash = ?`, hashToken(secret)).Scan(
		&tok.ID, &tok.UserID, &tok.Hint, &tok.Name, &scopes, &exp, &used, &created,
		&u.ID, &u.Email, &since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrInvalidToken
	}
	if err != nil {
		return nil, nil, fmt.Errorf("authenticate: %w", err)
	}
	tok.Scopes = strings.Split(scopes, ",")
	tok.ExpiresAt = timeOrNil(exp)
	tok.LastUsedAt = timeOrNil(used)
	tok.CreatedAt = time.Unix(created, 0).UTC()
	u.CreatedAt = time.Unix(since, 0).UTC()

	now := db.now()
	if tok.ExpiresAt != nil && !now.Before(*tok.ExpiresAt) {
		return nil, nil, ErrInvalidToken
	}

	if _, err := db.conn.ExecContext(ctx,
		`UPDATE tokens SET last_used_at = ? WHERE id = ?`, now.Unix(), tok.ID); err != nil {
		slog.Warn("stamp token use", "token", tok.ID, "err", err)
	} else {
		stamp := time.Unix(now.Unix(), 0).UTC()
		tok.LastUsedAt = &stamp
	}
	return &tok, &u, nil
}

// RevokeToken deletes one of userID's tokens.
func (db *ServerDB) RevokeToken(ctx context.Context, userID, tokenID string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM tokens WHERE id = ? AND user_id = ?`, tokenID, userID)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("token %s: %w", tokenID, ErrNotFound)
	}
	return nil
}

// Tokens lists userID's tokens, oldest first.
func (db *ServerDB) Tokens(ctx context.Context, userID string) ([]Token, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, user_id, hint, name, scopes, expires_at, last_used_at, created_at
		FROM tokens WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var (
			tok       Token
			scopes    string
			exp, used sql.NullInt64
			created   int64
		)
		if err := rows.Scan(&tok.ID, &tok.UserID, &tok.Hint, &tok.Name, &scopes, &exp, &used, &created); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tok.Scopes = strings.Split(scopes, ",")
		tok.ExpiresAt = timeOrNil(exp)
		tok.LastUsedAt = timeOrNil(used)
		tok.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, tok)
	}
	return out, rows.Err()
}
