package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/marcus/histsync/internal/api"
	"github.com/marcus/histsync/internal/serverdb"
	"github.com/spf13/pflag"
)

// adminCommand is one "histsync-server admin" subcommand. run gets the
// parsed flag set and an open account database.
type adminCommand struct {
	summary string
	flags   func(fs *pflag.FlagSet)
	run     func(ctx context.Context, fs *pflag.FlagSet, db *serverdb.ServerDB, out io.Writer) error
}

var adminCommands = map[string]adminCommand{
	"create-user": {
		summary: "Create an account and print its first token (works with signups disabled)",
		flags:   func(fs *pflag.FlagSet) { fs.String("email", "", "account email address") },
		run:     adminCreateUser,
	},
	"create-token": {
		summary: "Issue another sync token for an account",
		flags: func(fs *pflag.FlagSet) {
			fs.String("email", "", "account email address")
			fs.String("name", "", "token name, e.g. laptop")
			fs.Duration("expires", 0, "token lifetime, e.g. 720h; zero never expires")
		},
		run: adminCreateToken,
	},
	"users": {
		summary: "List accounts",
		run:     adminUsers,
	},
	"tokens": {
		summary: "List the tokens of an account",
		flags:   func(fs *pflag.FlagSet) { fs.String("email", "", "account email address") },
		run:     adminTokens,
	},
	"revoke-token": {
		summary: "Delete a token",
		flags: func(fs *pflag.FlagSet) {
			fs.String("email", "", "account email address")
			fs.String("id", "", "token id, see tokens")
		},
		run: adminRevokeToken,
	},
	"throttled": {
		summary: "Show recent rate limited requests",
		flags: func(fs *pflag.FlagSet) {
			fs.String("token", "", "only this token id")
			fs.String("ip", "", "only this client address")
			fs.Int("limit", 50, "max events to show")
		},
		run: adminThrottled,
	},
}

func adminUsage(w io.Writer) {
	names := make([]string, 0, len(adminCommands))
	for name := range adminCommands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "Usage: histsync-server admin <command> [flags]\n\nCommands:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t%s\n", name, adminCommands[name].summary)
	}
	tw.Flush()
}

// runAdmin executes an admin subcommand against the account database named
// by --db, or by SYNC_SERVER_DB_PATH when --db is absent.
func runAdmin(ctx context.Context, args []string, out, errOut io.Writer) error {
	if len(args) == 0 {
		adminUsage(errOut)
		return errors.New("missing admin command")
	}
	cmd, ok := adminCommands[args[0]]
	if !ok {
		adminUsage(errOut)
		return fmt.Errorf("unknown admin command %q", args[0])
	}

	fs := pflag.NewFlagSet("admin "+args[0], pflag.ContinueOnError)
	fs.SetOutput(errOut)
	dbPath := fs.String("db", "", "path to server.db (default: $SYNC_SERVER_DB_PATH or ./data/server.db)")
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	if *dbPath == "" {
		cfg, err := api.LoadConfig()
		if err != nil {
			return err
		}
		*dbPath = cfg.ServerDBPath
	}
	db, err := serverdb.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", *dbPath, err)
	}
	defer db.Close()
	return cmd.run(ctx, fs, db, out)
}

// required returns the value of a string flag or an error naming it.
func required(fs *pflag.FlagSet, name string) (string, error) {
	v, _ := fs.GetString(name)
	if v == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return v, nil
}

func userFlag(ctx context.Context, fs *pflag.FlagSet, db *serverdb.ServerDB) (*serverdb.User, error) {
	email, err := required(fs, "email")
	if err != nil {
		return nil, err
	}
	u, err := db.UserByEmail(ctx, email)
	if errors.Is(err, serverdb.ErrNotFound) {
		return nil, fmt.Errorf("no account for %s", email)
	}
	return u, err
}

const saveNotice = "\nSave this token now; it will not be shown again."

func adminCreateUser(ctx context.Context, fs *pflag.FlagSet, db *serverdb.ServerDB, out io.Writer) error {
	email, err := required(fs, "email")
	if err != nil {
		return err
	}
	u, err := db.CreateUser(ctx, email)
	if err != nil {
		return err
	}
	secret, _, err := db.IssueToken(ctx, u.ID, serverdb.TokenSpec{Name: "admin"})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "created account %s (%s)\n  token: %s\n%s\n", u.Email, u.ID, secret, saveNotice)
	return nil
}

func adminCreateToken(ctx context.Context, fs *pflag.FlagSet, db *serverdb.ServerDB, out io.Writer) error {
	u, err := userFlag(ctx, fs, db)
	if err != nil {
		return err
	}
	name, err := required(fs, "name")
	if err != nil {
		return err
	}
	ttl, _ := fs.GetDuration("expires")

	secret, tok, err := db.IssueToken(ctx, u.ID, serverdb.TokenSpec{Name: name, TTL: ttl})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "issued token %s (%s) for %s\n", tok.ID, tok.Name, u.Email)
	if tok.ExpiresAt != nil {
		fmt.Fprintf(out, "  expires: %s\n", humanize.Time(*tok.ExpiresAt))
	}
	fmt.Fprintf(out, "  token:   %s\n%s\n", secret, saveNotice)
	return nil
}

func adminUsers(ctx context.Context, _ *pflag.FlagSet, db *serverdb.ServerDB, out io.Writer) error {
	users, err := db.Users(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tCREATED")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", u.ID, u.Email, humanize.Time(u.CreatedAt))
	}
	return tw.Flush()
}

func adminTokens(ctx context.Context, fs *pflag.FlagSet, db *serverdb.ServerDB, out io.Writer) error {
	u, err := userFlag(ctx, fs, db)
	if err != nil {
		return err
	}
	toks, err := db.Tokens(ctx, u.ID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHINT\tNAME\tEXPIRES\tLAST USED")
	for _, tok := range toks {
		fmt.Fprintf(tw, "%s\t%s...\t%s\t%s\t%s\n", tok.ID, tok.Hint, tok.Name, whenOr(tok.ExpiresAt, "never"), whenOr(tok.LastUsedAt, "never"))
	}
	return tw.Flush()
}

func whenOr(t *time.Time, fallback string) string {
	if t == nil {
		return fallback
	}
	return humanize.Time(*t)
}

func adminRevokeToken(ctx context.Context, fs *pflag.FlagSet, db *serverdb.ServerDB, out io.Writer) error {
	u, err := userFlag(ctx, fs, db)
	if err != nil {
		return err
	}
	id, err := required(fs, "id")
	if err != nil {
		return err
	}
	if err := db.RevokeToken(ctx, u.ID, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "revoked token %s\n", id)
	return nil
}

func adminThrottled(ctx context.Context, fs *pflag.FlagSet, db *serverdb.ServerDB, out io.Writer) error {
	var f serverdb.ThrottleFilter
	f.TokenID, _ = fs.GetString("token")
	f.IP, _ = fs.GetString("ip")
	f.Limit, _ = fs.GetInt("limit")

	events, err := db.ThrottleEvents(ctx, f)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "no throttled requests")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tCLASS\tIP\tTOKEN")
	for _, e := range events {
		tok := e.TokenID
		if tok == "" {
			tok = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", humanize.Time(e.At), e.Class, e.IP, tok)
	}
	return tw.Flush()
}
