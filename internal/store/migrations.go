package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS outcomes (
		id           TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL,
		batch_id     TEXT NOT NULL DEFAULT '',
		app_name     TEXT NOT NULL,
		test_name    TEXT NOT NULL,
		test_id      TEXT NOT NULL,
		target       TEXT NOT NULL,
		browser      TEXT NOT NULL DEFAULT '',
		width        INTEGER NOT NULL DEFAULT 0,
		height       INTEGER NOT NULL DEFAULT 0,
		session_id   TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT '',
		steps        INTEGER NOT NULL DEFAULT 0,
		matches      INTEGER NOT NULL DEFAULT 0,
		mismatches   INTEGER NOT NULL DEFAULT 0,
		missing      INTEGER NOT NULL DEFAULT 0,
		is_new       INTEGER NOT NULL DEFAULT 0,
		aborted      INTEGER NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT '',
		completed_at TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_outcomes_run_id ON outcomes(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_batch_id ON outcomes(batch_id)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_completed_at ON outcomes(completed_at)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "outcomes",
		column:   "branch_name",
		alterSQL: "ALTER TABLE outcomes ADD COLUMN branch_name TEXT NOT NULL DEFAULT ''",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_outcomes_branch ON outcomes(app_name, branch_name)",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil // Column already exists
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
