package history

import (
	"database/sql"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS passes (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    at             DATETIME NOT NULL,
    result         TEXT NOT NULL DEFAULT '',
    policy_count   INTEGER NOT NULL DEFAULT 0,
    warn_count     INTEGER NOT NULL DEFAULT 0,
    error_count    INTEGER NOT NULL DEFAULT 0,
    digest         TEXT NOT NULL DEFAULT '',
    error_text     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS pass_policies (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    pass_id   INTEGER NOT NULL REFERENCES passes(id),
    name      TEXT NOT NULL DEFAULT '',
    compiled  BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_pass_policies_pass ON pass_policies(pass_id);
CREATE INDEX IF NOT EXISTS idx_pass_policies_trend ON pass_policies(name);
`

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	// v2: pass duration and proxy host counts (idempotent)
	for _, stmt := range []string{
		"ALTER TABLE passes ADD COLUMN duration_ms INTEGER DEFAULT 0",
		"ALTER TABLE passes ADD COLUMN proxy_hosts INTEGER DEFAULT 0",
		"ALTER TABLE passes ADD COLUMN proxy_failures INTEGER DEFAULT 0",
	} {
		if _, err := db.Exec(stmt); err != nil && !isDuplicateColumn(err) {
			return err
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	// SQLite returns "duplicate column name" when the column already exists.
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
