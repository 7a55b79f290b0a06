package db

import (
	"context"

	"github.com/marcus/histsync/internal/sqlitex"
)

// RunMigrations brings the schema up to SchemaVersion and reports how many
// steps ran. Concurrent openers serialize on the write lock; whoever comes
// second finds nothing to do.
func (db *DB) RunMigrations() (int, error) {
	ctx := context.Background()
	if v, err := sqlitex.Version(ctx, db.conn); err == nil && v >= SchemaVersion {
		return 0, nil
	}

	var n int
	err := db.withWriteLock(func() error {
		var err error
		n, err = sqlitex.Migrate(ctx, db.conn, migrations)
		return err
	})
	return n, err
}

// SchemaVersionInUse reads the schema version stored in the file.
func (db *DB) SchemaVersionInUse() (int, error) {
	return sqlitex.Version(context.Background(), db.conn)
}
