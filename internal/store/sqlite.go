package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/me/vgrid/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

const outcomeColumns = `id, run_id, batch_id, app_name, test_name, branch_name, test_id, target, browser, width, height,
	session_id, status, steps, matches, mismatches, missing, is_new, aborted, error, completed_at`

// SaveOutcome inserts rec, assigning an id when it has none.
func (s *SQLiteStore) SaveOutcome(ctx context.Context, rec *model.OutcomeRecord) error {
	if rec.ID == "" {
		rec.ID = "out_" + uuid.New().String()
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	s.logger.Debug("sql", "op", "insert", "table", "outcomes", "id", rec.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (`+outcomeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.BatchID, rec.AppName, rec.TestName, rec.BranchName, rec.TestID, rec.Target,
		rec.Browser, rec.Width, rec.Height, rec.SessionID, string(rec.Status), rec.Steps, rec.Matches,
		rec.Mismatches, rec.Missing, rec.IsNew, rec.Aborted, rec.Error,
		rec.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert outcome %s: %w", rec.ID, err)
	}
	return nil
}

// GetOutcome returns the record with id, or nil when there is none.
func (s *SQLiteStore) GetOutcome(ctx context.Context, id string) (*model.OutcomeRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "outcomes", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE id = ?`, id)
	rec, err := scanOutcome(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListOutcomes returns records newest first, optionally filtered by batch,
// with the total count of matching records.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, opts model.ListOptions) ([]*model.OutcomeRecord, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "outcomes", "limit", opts.Limit, "offset", opts.Offset, "batch_id", opts.BatchID)
	opts.Clamp()

	var where []string
	var args []any
	if opts.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, opts.BatchID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outcomes`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes`+clause+` ORDER BY completed_at DESC, id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []*model.OutcomeRecord
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(sc scanner) (*model.OutcomeRecord, error) {
	var rec model.OutcomeRecord
	var status, completedAt string
	err := sc.Scan(&rec.ID, &rec.RunID, &rec.BatchID, &rec.AppName, &rec.TestName, &rec.BranchName, &rec.TestID,
		&rec.Target, &rec.Browser, &rec.Width, &rec.Height, &rec.SessionID, &status, &rec.Steps, &rec.Matches,
		&rec.Mismatches, &rec.Missing, &rec.IsNew, &rec.Aborted, &rec.Error, &completedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = model.ResultStatus(status)
	rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
	return &rec, nil
}
