package serverdb

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus/histsync/internal/sqlitex"
)

func newTestDB(t *testing.T) *ServerDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// setClock pins the database clock and returns a function that moves it.
func setClock(db *ServerDB, start time.Time) func(time.Duration) {
	now := start
	db.now = func() time.Time { return now }
	return func(d time.Duration) { now = now.Add(d) }
}

func mustUser(t *testing.T, db *ServerDB, email string) *User {
	t.Helper()
	u, err := db.CreateUser(context.Background(), email)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return u
}

func TestOpenMigrates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	v, err := sqlitex.Version(ctx, db.conn)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("version = %d, want %d", v, SchemaVersion)
	}
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestReopenKeepsAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	u := mustUser(t, db, "keep@test.com")
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	got, err := db.UserByID(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("UserByID: %v", err)
	}
	if got.Email != "keep@test.com" {
		t.Errorf("email = %q", got.Email)
	}
}

func TestCreateUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	u := mustUser(t, db, "  Alice@Example.COM ")
	if u.Email != "alice@example.com" {
		t.Errorf("email not normalized: %q", u.Email)
	}
	if !strings.HasPrefix(u.ID, "u_") {
		t.Errorf("id = %q", u.ID)
	}

	if _, err := db.CreateUser(ctx, "ALICE@example.com"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("duplicate: err = %v, want ErrEmailTaken", err)
	}
	if _, err := db.CreateUser(ctx, "   "); err == nil {
		t.Error("blank email accepted")
	}
}

func TestUserLookups(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := mustUser(t, db, "bob@test.com")

	byID, err := db.UserByID(ctx, u.ID)
	if err != nil || byID.Email != u.Email {
		t.Errorf("UserByID = %+v, %v", byID, err)
	}
	byEmail, err := db.UserByEmail(ctx, "BOB@test.com")
	if err != nil || byEmail.ID != u.ID {
		t.Errorf("UserByEmail = %+v, %v", byEmail, err)
	}
	if _, err := db.UserByID(ctx, "u_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: err = %v", err)
	}
	if _, err := db.UserByEmail(ctx, "nobody@test.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing email: err = %v", err)
	}
}

func TestUsersOldestFirst(t *testing.T) {
	db := newTestDB(t)
	advance := setClock(db, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	for _, e := range []string{"c@test.com", "a@test.com", "b@test.com"} {
		mustUser(t, db, e)
		advance(time.Minute)
	}

	users, err := db.Users(context.Background())
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	var got []string
	for _, u := range users {
		got = append(got, u.Email)
	}
	if strings.Join(got, ",") != "c@test.com,a@test.com,b@test.com" {
		t.Errorf("order = %v", got)
	}
}

func TestIssueAndAuthenticate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := mustUser(t, db, "tok@test.com")

	secret, tok, err := db.IssueToken(ctx, u.ID, TokenSpec{Name: "laptop"})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if !strings.HasPrefix(secret, TokenPrefix) {
		t.Errorf("secret %q lacks prefix", secret)
	}
	if !strings.HasPrefix(secret, TokenPrefix+tok.Hint) {
		t.Errorf("hint %q does not start the secret", tok.Hint)
	}
	if !tok.HasScope(ScopeSync) {
		t.Errorf("default scopes = %v", tok.Scopes)
	}

	got, owner, err := db.Authenticate(ctx, secret)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != tok.ID || owner.ID != u.ID {
		t.Errorf("got token %s owner %s", got.ID, owner.ID)
	}
	if got.LastUsedAt == nil {
		t.Error("LastUsedAt not stamped")
	}

	listed, err := db.Tokens(ctx, u.ID)
	if err != nil {
		t.Fatalf("Tokens: %v", err)
	}
	if len(listed) != 1 || listed[0].LastUsedAt == nil || listed[0].Name != "laptop" {
		t.Errorf("Tokens = %+v", listed)
	}
}

func TestIssueTokenUnknownUser(t *testing.T) {
	db := newTestDB(t)
	if _, _, err := db.IssueToken(context.Background(), "u_ghost", TokenSpec{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := mustUser(t, db, "rej@test.com")
	secret, _, err := db.IssueToken(ctx, u.ID, TokenSpec{})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	for _, bad := range []string{"", "hs_", "hs_NOTAREALTOKEN", strings.TrimPrefix(secret, TokenPrefix), secret + "x"} {
		if _, _, err := db.Authenticate(ctx, bad); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Authenticate(%q): err = %v", bad, err)
		}
	}
}

func TestTokenExpiry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	advance := setClock(db, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	u := mustUser(t, db, "exp@test.com")

	secret, tok, err := db.IssueToken(ctx, u.ID, TokenSpec{TTL: time.Hour})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if tok.ExpiresAt == nil {
		t.Fatal("ExpiresAt not set")
	}

	advance(59 * time.Minute)
	if _, _, err := db.Authenticate(ctx, secret); err != nil {
		t.Fatalf("before expiry: %v", err)
	}
	advance(time.Minute)
	if _, _, err := db.Authenticate(ctx, secret); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("at expiry: err = %v", err)
	}
}

func TestRevokeToken(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	owner := mustUser(t, db, "owner@test.com")
	other := mustUser(t, db, "other@test.com")
	secret, tok, err := db.IssueToken(ctx, owner.ID, TokenSpec{})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if err := db.RevokeToken(ctx, other.ID, tok.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("revoke by stranger: err = %v", err)
	}
	if err := db.RevokeToken(ctx, owner.ID, tok.ID); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, _, err := db.Authenticate(ctx, secret); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("revoked token still works: %v", err)
	}
}

func TestScopes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := mustUser(t, db, "scope@test.com")

	secret, _, err := db.IssueToken(ctx, u.ID, TokenSpec{Scopes: []string{"admin:read", "metrics"}})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	tok, _, err := db.Authenticate(ctx, secret)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tok.HasScope(ScopeSync) || !tok.HasScope("metrics") {
		t.Errorf("scopes = %v", tok.Scopes)
	}
}
