// Package sqlite provides a SQLite-backed document store for single-node
// deployments and local development.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/wigma-ws/internal/store"
	"github.com/dkeye/wigma-ws/internal/store/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists document state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) GetSnapshot(ctx context.Context, projectID string) ([]byte, bool, error) {
	var data []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT snapshot FROM yjs_snapshots WHERE project_id = ?`, projectID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get snapshot: %w", err)
	}
	return data, true, nil
}

func (s *Store) UpsertSnapshot(ctx context.Context, projectID string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO yjs_snapshots (project_id, snapshot, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
		   snapshot = excluded.snapshot,
		   updated_at = excluded.updated_at`,
		projectID, data, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetUpdates(ctx context.Context, projectID string, afterID int64) ([]store.Update, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, data FROM yjs_updates WHERE project_id = ? AND id > ? ORDER BY id ASC`,
		projectID, afterID,
	)
	if err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}
	defer rows.Close()

	var out []store.Update
	for rows.Next() {
		var u store.Update
		if err := rows.Scan(&u.ID, &u.Data); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return out, nil
}

func (s *Store) AppendUpdate(ctx context.Context, projectID string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO yjs_updates (project_id, data, created_at) VALUES (?, ?, ?)`,
		projectID, data, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

func (s *Store) LastUpdateID(ctx context.Context, projectID string) (int64, error) {
	var id int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM yjs_updates WHERE project_id = ?`, projectID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("last update id: %w", err)
	}
	return id, nil
}

func (s *Store) ClearUpdates(ctx context.Context, projectID string, uptoID int64) (int, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM yjs_updates WHERE project_id = ? AND id <= ?`, projectID, uptoID,
	)
	if err != nil {
		return 0, fmt.Errorf("clear updates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear updates: %w", err)
	}
	return int(n), nil
}

func (s *Store) CheckAccess(ctx context.Context, projectID, userID string) (bool, error) {
	var role string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT role FROM project_users WHERE project_id = ? AND user_id = ?`,
		projectID, userID,
	).Scan(&role)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check access: %w", err)
	}
	return true, nil
}

// GrantAccess adds or updates a project membership.
func (s *Store) GrantAccess(ctx context.Context, projectID, userID, role string) error {
	if role == "" {
		role = "editor"
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO project_users (project_id, user_id, role) VALUES (?, ?, ?)
		 ON CONFLICT(project_id, user_id) DO UPDATE SET role = excluded.role`,
		projectID, userID, role,
	)
	if err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	return nil
}
