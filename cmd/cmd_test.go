package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus/histsync/internal/api"
	"github.com/marcus/histsync/internal/codec"
	"github.com/marcus/histsync/internal/kv"
	"github.com/marcus/histsync/internal/relaystore"
	"github.com/marcus/histsync/internal/serverdb"
	"github.com/marcus/histsync/internal/syncconfig"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// setupCLI points config and data at temp dirs and turns off network side
// effects. It returns the data dir.
func setupCLI(t *testing.T) string {
	t.Helper()
	dataDir := t.TempDir()
	t.Setenv("HISTSYNC_CONFIG_DIR", t.TempDir())
	t.Setenv("HISTSYNC_DATA_DIR", dataDir)
	t.Setenv("HISTSYNC_SYNC_URL", "")
	t.Setenv("HISTSYNC_TOKEN", "")
	t.Setenv("HISTSYNC_KEY", "")
	t.Setenv("HISTSYNC_SESSION", "")
	t.Setenv("HISTSYNC_AUTO_SYNC", "false")
	t.Setenv("HISTSYNC_UPDATE_CHECK", "false")
	return dataDir
}

// resetFlags restores every flag to its default so runs do not leak into
// each other through the shared command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	old := os.Stdout
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		done <- buf.String()
	}()

	runErr := rootCmd.ExecuteContext(context.Background())
	w.Close()
	os.Stdout = old
	return <-done, runErr
}

// mustRun fails the test when the command fails.
func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("histsync %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// startServer runs a relay server and points the CLI at it.
func startServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	store, err := serverdb.Open(filepath.Join(dir, "server.db"))
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	records, err := relaystore.Open(relaystore.BackendSQLite, filepath.Join(dir, "records"))
	if err != nil {
		t.Fatalf("open record store: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	cfg := api.Config{
		ServerDBPath:      filepath.Join(dir, "server.db"),
		DataDir:           filepath.Join(dir, "records"),
		Store:             relaystore.BackendSQLite,
		AllowSignup:       true,
		RateLimitRegister: 1000,
		RateLimitPush:     1000,
		RateLimitPull:     1000,
		RateLimitOther:    1000,
	}
	srv, err := api.NewServer(cfg, store, records)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	t.Setenv("HISTSYNC_SYNC_URL", httpSrv.URL)
	return httpSrv.URL
}

func TestIsMutatingCommand(t *testing.T) {
	// Commands that should trigger auto-sync
	mutating := []string{"kv set", "kv del", "alias set", "alias del", "history add", "history del"}
	for _, name := range mutating {
		if !isMutatingCommand(name) {
			t.Errorf("expected %q to be mutating", name)
		}
	}

	// Commands that should NOT trigger auto-sync
	readOnly := []string{"kv get", "kv list", "alias list", "history list", "sync", "init", "login", "store status", "version", "help"}
	for _, name := range readOnly {
		if isMutatingCommand(name) {
			t.Errorf("expected %q to NOT be mutating", name)
		}
	}
}

func TestCommandKey(t *testing.T) {
	tests := []struct {
		cmd  *cobra.Command
		want string
	}{
		{rootCmd, ""},
		{syncCmd, "sync"},
		{kvSetCmd, "kv set"},
		{historyAddCmd, "history add"},
	}
	for _, tt := range tests {
		if got := commandKey(tt.cmd); got != tt.want {
			t.Errorf("commandKey(%s) = %q, want %q", tt.cmd.Name(), got, tt.want)
		}
	}
}

func TestInitIsIdempotent(t *testing.T) {
	dataDir := setupCLI(t)

	mustRun(t, "init")
	keyPath := filepath.Join(dataDir, syncconfig.KeyFile)
	first, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, syncconfig.HostIDFile)); err != nil {
		t.Fatalf("host id not created: %v", err)
	}

	out := mustRun(t, "init")
	if !strings.Contains(out, "existing") {
		t.Errorf("second init should report the existing key, got %q", out)
	}
	second, _ := os.ReadFile(keyPath)
	if !bytes.Equal(first, second) {
		t.Fatal("init replaced an existing key")
	}
}

func TestDataCommandsRequireKey(t *testing.T) {
	setupCLI(t)
	_, err := runCLI(t, "kv", "list")
	if !errors.Is(err, syncconfig.ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestKVCommands(t *testing.T) {
	setupCLI(t)
	mustRun(t, "init")

	mustRun(t, "kv", "set", "editor", "vim")
	mustRun(t, "kv", "set", "-n", "work", "proxy", "on")

	if out := mustRun(t, "kv", "get", "editor"); out != "vim\n" {
		t.Fatalf("kv get: got %q", out)
	}
	if out := mustRun(t, "kv", "list"); !strings.Contains(out, "editor") || strings.Contains(out, "proxy") {
		t.Fatalf("kv list should only show the default namespace, got %q", out)
	}
	if out := mustRun(t, "kv", "list", "--all"); !strings.Contains(out, "work") || !strings.Contains(out, "proxy") {
		t.Fatalf("kv list --all: got %q", out)
	}

	mustRun(t, "kv", "del", "editor")
	if _, err := runCLI(t, "kv", "get", "editor"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestAliasListIsShell(t *testing.T) {
	setupCLI(t)
	mustRun(t, "init")

	mustRun(t, "alias", "set", "ll", "ls", "-la")
	mustRun(t, "alias", "set", "say", "echo", "it's")

	out := mustRun(t, "alias", "list")
	want := "alias ll='ls -la'\nalias say='echo it'\\''s'\n"
	if out != want {
		t.Fatalf("alias list:\ngot  %q\nwant %q", out, want)
	}

	mustRun(t, "alias", "del", "ll")
	if out := mustRun(t, "alias", "list"); strings.Contains(out, "ll=") {
		t.Fatalf("deleted alias still listed: %q", out)
	}
}

func TestHistoryCommands(t *testing.T) {
	setupCLI(t)
	mustRun(t, "init")

	id := strings.TrimSpace(mustRun(t, "history", "add", "--exit", "1", "--session", "s1", "--", "git", "status"))
	mustRun(t, "history", "add", "-q", "--session", "s2", "--", "make", "test")

	if out := mustRun(t, "history", "list", "--cmd-only"); out != "git status\nmake test\n" {
		t.Fatalf("history list: got %q", out)
	}
	if out := mustRun(t, "history", "list", "--cmd-only", "--session", "s2"); out != "make test\n" {
		t.Fatalf("session filter: got %q", out)
	}
	if out := mustRun(t, "history", "list", "--cmd-only", "--since", "1h"); out != "git status\nmake test\n" {
		t.Fatalf("since 1h: got %q", out)
	}
	if out := mustRun(t, "history", "list", "--cmd-only", "--since", "2099-01-01"); out != "" {
		t.Fatalf("since future date: got %q", out)
	}
	if _, err := runCLI(t, "history", "list", "--since", "whenever"); err == nil {
		t.Fatal("expected bad --since to fail")
	}

	var entries []codec.HistoryEntry
	if err := json.Unmarshal([]byte(mustRun(t, "history", "list", "--json")), &entries); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != id || entries[0].Exit != 1 || entries[0].Duration != -1 {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	mustRun(t, "history", "del", id)
	if out := mustRun(t, "history", "list", "--cmd-only"); out != "make test\n" {
		t.Fatalf("after delete: got %q", out)
	}
}

func TestKeyImportRefusesOverwrite(t *testing.T) {
	setupCLI(t)
	mustRun(t, "init")
	original := strings.TrimSpace(mustRun(t, "key", "show"))

	other := strings.TrimSpace(func() string {
		setupCLI(t)
		mustRun(t, "init")
		return mustRun(t, "key", "show")
	}())

	if _, err := runCLI(t, "key", "import", original); err == nil {
		t.Fatal("expected import over an existing key to fail")
	}
	mustRun(t, "key", "import", "--force", original)
	if got := strings.TrimSpace(mustRun(t, "key", "show")); got != original || got == other {
		t.Fatalf("key after import: got %q, want %q", got, original)
	}

	if _, err := runCLI(t, "key", "import", "--force", "not-base64!"); err == nil {
		t.Fatal("expected invalid key to be rejected")
	}
}

func TestSyncBetweenMachines(t *testing.T) {
	setupCLI(t)
	startServer(t)

	// Machine A registers, records a command and pushes it.
	mustRun(t, "init")
	mustRun(t, "register", "--email", "dev@test.com")
	key := strings.TrimSpace(mustRun(t, "key", "show"))
	mustRun(t, "history", "add", "-q", "--", "go", "test", "./...")

	out := mustRun(t, "sync")
	if !strings.Contains(out, "pushed 1") {
		t.Fatalf("sync on A: got %q", out)
	}
	if out := mustRun(t, "sync", "--status"); !strings.Contains(out, "in_sync") {
		t.Fatalf("status after sync: got %q", out)
	}

	// Machine B shares the login but has its own data dir.
	t.Setenv("HISTSYNC_DATA_DIR", t.TempDir())
	mustRun(t, "key", "import", key)
	if out := mustRun(t, "sync"); !strings.Contains(out, "pulled 1") {
		t.Fatalf("sync on B: got %q", out)
	}
	if out := mustRun(t, "history", "list", "--cmd-only"); out != "go test ./...\n" {
		t.Fatalf("history on B: got %q", out)
	}
	if out := mustRun(t, "store", "verify"); !strings.Contains(out, "1 records ok") {
		t.Fatalf("verify on B: got %q", out)
	}
}

func TestSyncRequiresLogin(t *testing.T) {
	setupCLI(t)
	mustRun(t, "init")
	if _, err := runCLI(t, "sync"); !errors.Is(err, errNotLoggedIn) {
		t.Fatalf("expected errNotLoggedIn, got %v", err)
	}
}

func TestAutoSyncAfterMutation(t *testing.T) {
	dataDir := setupCLI(t)
	startServer(t)
	mustRun(t, "init")
	mustRun(t, "register", "--email", "auto@test.com")

	t.Setenv("HISTSYNC_AUTO_SYNC", "true")
	mustRun(t, "kv", "set", "theme", "dark")

	last, err := syncconfig.LastSync(dataDir)
	if err != nil {
		t.Fatalf("LastSync: %v", err)
	}
	if last.IsZero() {
		t.Fatal("expected kv set to trigger a sync")
	}
	if out := mustRun(t, "sync", "--status"); !strings.Contains(out, "in_sync") {
		t.Fatalf("expected the kv log to be pushed, got %q", out)
	}

	// Read-only commands do not sync.
	if err := os.Remove(filepath.Join(dataDir, syncconfig.LastSyncFile)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	mustRun(t, "kv", "list")
	if last, _ := syncconfig.LastSync(dataDir); !last.IsZero() {
		t.Fatal("kv list should not sync")
	}
}

func TestLoginVerifiesToken(t *testing.T) {
	setupCLI(t)
	startServer(t)

	out := mustRun(t, "register", "--email", "login@test.com")
	var token string
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "token: "); ok {
			token = v
		}
	}
	if token == "" {
		t.Fatalf("no token in register output %q", out)
	}

	mustRun(t, "logout")
	if syncconfig.IsAuthenticated() {
		t.Fatal("still authenticated after logout")
	}

	if _, err := runCLI(t, "login", "--token", "hs_live_bogus"); err == nil {
		t.Fatal("expected a bad token to be rejected")
	}
	if syncconfig.IsAuthenticated() {
		t.Fatal("rejected token was saved")
	}

	mustRun(t, "login", "--token", token)
	if out := mustRun(t, "whoami"); !strings.Contains(out, "login@test.com") {
		t.Fatalf("whoami: got %q", out)
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"ls -la":    `'ls -la'`,
		"it's":      `'it'\''s'`,
		"":          `''`,
		`echo "$x"`: `'echo "$x"'`,
	}
	for in, want := range tests {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("hs_live_0123456789"); got != "hs_live_0123..." {
		t.Errorf("maskToken: got %q", got)
	}
	if got := maskToken("short"); got != "short" {
		t.Errorf("maskToken short: got %q", got)
	}
}
