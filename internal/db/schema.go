package db

import "github.com/marcus/histsync/internal/sqlitex"

// SchemaVersion is the user_version of a fully migrated records database.
const SchemaVersion = 2

var migrations = []sqlitex.Migration{
	{
		Version:     1,
		Description: "records",
		SQL: `
CREATE TABLE IF NOT EXISTS records (
    id TEXT PRIMARY KEY,
    host TEXT NOT NULL,
    tag TEXT NOT NULL,
    parent TEXT,
    idx INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    version TEXT NOT NULL,
    data BLOB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_records_parent ON records(host, tag, parent);
CREATE UNIQUE INDEX IF NOT EXISTS idx_records_position ON records(host, tag, idx);
`,
	},
	{
		Version:     2,
		Description: "per-log sync outcome",
		SQL: `
CREATE TABLE IF NOT EXISTS log_sync_state (
    host TEXT NOT NULL,
    tag TEXT NOT NULL,
    outcome TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (host, tag)
);
`,
	},
}
