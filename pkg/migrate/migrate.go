package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/pressly/goose/v3"
)

const DefaultDir = "pkg/migrate/migrations"

// Result is one migration a Runner applied, rolled back or listed.
type Result struct {
	Version  int64
	Path     string
	Action   string
	Duration time.Duration
}

// Runner applies one migration source to one database through a goose
// Provider. It never closes the database it was given.
type Runner struct {
	provider *goose.Provider
}

// NewRunner reads migrations from the root of fsys.
func NewRunner(db *sql.DB, fsys fs.FS, dialect goose.Dialect) (*Runner, error) {
	if db == nil {
		return nil, errors.New("migrate: db is required")
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("migrate: load migrations: %w", err)
	}
	return &Runner{provider: provider}, nil
}

// EmbeddedRunner runs the migrations compiled into the binary on Postgres.
func EmbeddedRunner(db *sql.DB) (*Runner, error) {
	sub, err := fs.Sub(Migrations, embeddedDir)
	if err != nil {
		return nil, err
	}
	return NewRunner(db, sub, goose.DialectPostgres)
}

// DirRunner runs the migrations in dir on Postgres.
func DirRunner(db *sql.DB, dir string) (*Runner, error) {
	if dir == "" {
		return nil, errors.New("migrate: dir is required")
	}
	return NewRunner(db, os.DirFS(dir), goose.DialectPostgres)
}

// Version is the highest applied migration, 0 for an empty database.
func (r *Runner) Version(ctx context.Context) (int64, error) {
	return r.provider.GetDBVersion(ctx)
}

// Up applies every pending migration.
func (r *Runner) Up(ctx context.Context) ([]Result, error) {
	applied, err := r.provider.Up(ctx)
	return results(applied), wrap("up", err)
}

// Down rolls back the latest migration.
func (r *Runner) Down(ctx context.Context) ([]Result, error) {
	rolled, err := r.provider.Down(ctx)
	if rolled == nil {
		return nil, wrap("down", err)
	}
	return results([]*goose.MigrationResult{rolled}), wrap("down", err)
}

// To moves the schema up or down until target is the current version.
func (r *Runner) To(ctx context.Context, target int64) ([]Result, error) {
	current, err := r.Version(ctx)
	if err != nil {
		return nil, wrap("version", err)
	}
	var moved []*goose.MigrationResult
	switch {
	case target > current:
		moved, err = r.provider.UpTo(ctx, target)
	case target < current:
		moved, err = r.provider.DownTo(ctx, target)
	}
	return results(moved), wrap(fmt.Sprintf("migrate to %d", target), err)
}

// Status lists every known migration; Action is "applied" or "pending".
func (r *Runner) Status(ctx context.Context) ([]Result, error) {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return nil, wrap("status", err)
	}
	out := make([]Result, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, Result{Version: st.Source.Version, Path: st.Source.Path, Action: string(st.State)})
	}
	return out, nil
}

// ParseVersion accepts a goose version such as 20260301120000.
func ParseVersion(raw string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid migration version %q (expected YYYYMMDDHHMMSS)", raw)
	}
	return v, nil
}

func results(in []*goose.MigrationResult) []Result {
	out := make([]Result, 0, len(in))
	for _, res := range in {
		if res == nil || res.Source == nil {
			continue
		}
		out = append(out, Result{
			Version:  res.Source.Version,
			Path:     res.Source.Path,
			Action:   res.Direction,
			Duration: res.Duration,
		})
	}
	return out
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("goose %s: %w", op, err)
}
