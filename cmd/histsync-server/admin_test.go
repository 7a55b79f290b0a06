package main

import (
	"bytes"
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func admin(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := runAdmin(context.Background(), append(args, "--db", db), &out, &errOut)
	return out.String(), err
}

func mustAdmin(t *testing.T, db string, args ...string) string {
	t.Helper()
	out, err := admin(t, db, args...)
	if err != nil {
		t.Fatalf("admin %v: %v", args, err)
	}
	return out
}

var tokenIDPattern = regexp.MustCompile(`issued token (tk_\w+)`)

func TestAdminAccountLifecycle(t *testing.T) {
	db := filepath.Join(t.TempDir(), "server.db")

	out := mustAdmin(t, db, "create-user", "--email", "Ops@Example.com")
	if !strings.Contains(out, "created account ops@example.com") || !strings.Contains(out, "token: hs_") {
		t.Fatalf("create-user output:\n%s", out)
	}

	if _, err := admin(t, db, "create-user", "--email", "ops@example.com"); err == nil {
		t.Fatal("duplicate create-user succeeded")
	}

	out = mustAdmin(t, db, "create-token", "--email", "ops@example.com", "--name", "laptop", "--expires", "720h")
	m := tokenIDPattern.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("create-token output:\n%s", out)
	}
	if !strings.Contains(out, "expires:") {
		t.Errorf("expiry not shown:\n%s", out)
	}

	out = mustAdmin(t, db, "users")
	if !strings.Contains(out, "ops@example.com") {
		t.Errorf("users output:\n%s", out)
	}

	out = mustAdmin(t, db, "tokens", "--email", "ops@example.com")
	if !strings.Contains(out, m[1]) || !strings.Contains(out, "laptop") || !strings.Contains(out, "admin") {
		t.Errorf("tokens output:\n%s", out)
	}

	mustAdmin(t, db, "revoke-token", "--email", "ops@example.com", "--id", m[1])
	out = mustAdmin(t, db, "tokens", "--email", "ops@example.com")
	if strings.Contains(out, m[1]) {
		t.Errorf("revoked token still listed:\n%s", out)
	}
	if _, err := admin(t, db, "revoke-token", "--email", "ops@example.com", "--id", m[1]); err == nil {
		t.Error("revoking twice succeeded")
	}
}

func TestAdminErrors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "server.db")

	var out, errOut bytes.Buffer
	if err := runAdmin(context.Background(), nil, &out, &errOut); err == nil {
		t.Error("no command accepted")
	}
	if !strings.Contains(errOut.String(), "create-user") {
		t.Errorf("usage not printed:\n%s", errOut.String())
	}

	cases := [][]string{
		{"frobnicate"},
		{"create-user"},
		{"create-token", "--email", "nobody@example.com", "--name", "x"},
		{"tokens", "--email", "nobody@example.com"},
		{"revoke-token", "--email", "nobody@example.com"},
		{"users", "--bogus-flag"},
	}
	for _, args := range cases {
		if _, err := admin(t, db, args...); err == nil {
			t.Errorf("admin %v succeeded", args)
		}
	}
}

func TestAdminThrottledEmpty(t *testing.T) {
	db := filepath.Join(t.TempDir(), "server.db")
	if out := mustAdmin(t, db, "throttled"); !strings.Contains(out, "no throttled requests") {
		t.Errorf("output:\n%s", out)
	}
}
