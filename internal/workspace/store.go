package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/muxhq/mux/internal/common/sqlite"
	"github.com/muxhq/mux/internal/runtime"
)

// Status tracks a workspace record through its lifecycle.
type Status string

const (
	StatusCreating Status = "creating"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
	StatusDeleting Status = "deleting"
)

// ErrNotFound is returned when no workspace record matches.
var ErrNotFound = errors.New("workspace not found")

// Record is the persisted workspace row.
type Record struct {
	ID            string    `db:"id" json:"id"`
	ProjectPath   string    `db:"project_path" json:"project_path"`
	Name          string    `db:"name" json:"name"`
	Branch        string    `db:"branch" json:"branch"`
	TrunkBranch   string    `db:"trunk_branch" json:"trunk_branch"`
	Path          string    `db:"path" json:"path"`
	SourceBranch  string    `db:"source_branch" json:"source_branch,omitempty"`
	RuntimeConfig string    `db:"runtime_config" json:"-"`
	Status        Status    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Runtime decodes the record's persisted runtime configuration.
func (r *Record) Runtime() (runtime.Config, error) {
	var cfg runtime.Config
	if err := json.Unmarshal([]byte(r.RuntimeConfig), &cfg); err != nil {
		return runtime.Config{}, fmt.Errorf("decoding runtime config for workspace %s: %w", r.ID, err)
	}
	return cfg, nil
}

// SetRuntime encodes cfg into the record.
func (r *Record) SetRuntime(cfg runtime.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding runtime config: %w", err)
	}
	r.RuntimeConfig = string(data)
	return nil
}

// Store persists workspace records in SQLite.
type Store struct {
	db *sqlx.DB
}

// OpenDB opens the SQLite database at path with WAL and foreign keys on.
func OpenDB(path string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewStore initializes the schema and returns a store over db.
func NewStore(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing workspace schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		project_path TEXT NOT NULL,
		name TEXT NOT NULL,
		branch TEXT NOT NULL,
		trunk_branch TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		source_branch TEXT NOT NULL DEFAULT '',
		runtime_config TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(project_path, name)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Databases created before fork support lack these columns.
	for _, col := range []struct{ name, definition string }{
		{"trunk_branch", "TEXT NOT NULL DEFAULT ''"},
		{"source_branch", "TEXT NOT NULL DEFAULT ''"},
	} {
		if err := sqlite.EnsureColumn(s.db.DB, "workspaces", col.name, col.definition); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts rec, assigning ID and timestamps when unset.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workspaces (id, project_path, name, branch, trunk_branch, path, source_branch, runtime_config, status, created_at, updated_at)
		VALUES (:id, :project_path, :name, :branch, :trunk_branch, :path, :source_branch, :runtime_config, :status, :created_at, :updated_at)
	`, rec)
	return err
}

// Get returns the record with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM workspaces WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByName returns the record for (projectPath, name).
func (s *Store) GetByName(ctx context.Context, projectPath, name string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM workspaces WHERE project_path = ? AND name = ?`, projectPath, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns all records for a project, newest first. An empty projectPath
// lists every workspace.
func (s *Store) List(ctx context.Context, projectPath string) ([]*Record, error) {
	var recs []*Record
	var err error
	if projectPath == "" {
		err = s.db.SelectContext(ctx, &recs, `SELECT * FROM workspaces ORDER BY created_at DESC`)
	} else {
		err = s.db.SelectContext(ctx, &recs, `SELECT * FROM workspaces WHERE project_path = ? ORDER BY created_at DESC`, projectPath)
	}
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// UpdateStatus transitions the record's status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workspaces SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Rename updates the record's name and path after a successful worktree move.
func (s *Store) Rename(ctx context.Context, id, newName, newPath string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workspaces SET name = ?, path = ?, updated_at = ? WHERE id = ?`,
		newName, newPath, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Delete removes the record.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
