// internal/writer/sqlite/schema.go
package sqlite

import (
	"fmt"
	"regexp"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// validIdent guards table names, which cannot be bound as parameters.
func validIdent(s string) error {
	if !identRe.MatchString(s) {
		return fmt.Errorf("sqlite: invalid table name %q", s)
	}
	return nil
}

// (batch_id, seq) makes a re-sent batch a no-op.
func createTableSQL(table string) string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		batch_id    TEXT    NOT NULL,
		seq         INTEGER NOT NULL,
		group_name  TEXT    NOT NULL,
		category    TEXT    NOT NULL DEFAULT '',
		tag         TEXT    NOT NULL,
		value_kind  TEXT    NOT NULL,
		value_int   INTEGER,
		value_real  REAL,
		value_raw   BLOB,
		quality     TEXT    NOT NULL CHECK (quality IN ('valid', 'stale', 'error')),
		captured_at INTEGER NOT NULL,
		PRIMARY KEY (batch_id, seq)
	);
	CREATE INDEX IF NOT EXISTS %[1]s_group_time ON %[1]s (group_name, captured_at);`, table)
}

func insertSQL(table string) string {
	return fmt.Sprintf(`
	INSERT OR IGNORE INTO %s (
		batch_id, seq, group_name, category, tag,
		value_kind, value_int, value_real, value_raw,
		quality, captured_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
}
