package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/taskworker/internal/model"

	_ "modernc.org/sqlite"
)

const createDispatchesTable = `
CREATE TABLE IF NOT EXISTS dispatches (
    id           TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL,
    task_name    TEXT NOT NULL,
    payload_kind TEXT NOT NULL,
    outcome      TEXT NOT NULL,
    error        TEXT NOT NULL,
    duration_ms  INTEGER NOT NULL,
    created_at   DATETIME NOT NULL
)`

const createDispatchesIndex = `
CREATE INDEX IF NOT EXISTS idx_dispatches_created_at ON dispatches (created_at)`

const dispatchColumns = `id, session_id, task_name, payload_kind, outcome, error, duration_ms, created_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; one connection also keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createDispatchesTable, createDispatchesIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate dispatches: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordDispatch inserts a dispatch record.
func (s *SQLiteStore) RecordDispatch(ctx context.Context, d *model.Dispatch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches (`+dispatchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SessionID, d.TaskName, d.PayloadKind, d.Outcome, d.Error,
		d.DurationMS, d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispatch(row scanner) (*model.Dispatch, error) {
	d := &model.Dispatch{}
	err := row.Scan(
		&d.ID, &d.SessionID, &d.TaskName, &d.PayloadKind, &d.Outcome, &d.Error,
		&d.DurationMS, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetDispatch retrieves a dispatch record by ID.
func (s *SQLiteStore) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	d, err := scanDispatch(s.db.QueryRowContext(ctx,
		`SELECT `+dispatchColumns+` FROM dispatches WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch: %w", err)
	}
	return d, nil
}

// ListDispatches returns a page of dispatch records, newest first, along with
// the total number of records.
func (s *SQLiteStore) ListDispatches(ctx context.Context, limit, offset int) ([]*model.Dispatch, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM dispatches").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dispatches: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+dispatchColumns+` FROM dispatches
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var dispatches []*model.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan dispatch: %w", err)
		}
		dispatches = append(dispatches, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate dispatches: %w", err)
	}

	return dispatches, total, nil
}

// GetDispatchStats aggregates the journal by outcome and by task.
func (s *SQLiteStore) GetDispatchStats(ctx context.Context) (*DispatchStats, error) {
	stats := &DispatchStats{
		CountByOutcome: make(map[string]int),
		CountByTask:    make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM dispatches",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("aggregate dispatches: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	if err := s.countBy(ctx, "outcome", stats.CountByOutcome); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "task_name", stats.CountByTask); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills into with row counts grouped by column. column is always a
// constant from this package.
func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM dispatches WHERE "+column+" != '' GROUP BY "+column,
	)
	if err != nil {
		return fmt.Errorf("count dispatches by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return nil
}
