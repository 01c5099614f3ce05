package tracker

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no tracked resource matches the requested
// project and slot.
var ErrNotFound = errors.New("tracked resource not found")

// Entry is one tracked cloud resource. A project holds at most one resource
// per slot, so (ProjectSlug, SlotName) is the registry key.
type Entry struct {
	ProjectSlug string
	SlotName    string
	Kind        string
	ProviderID  string
	Region      string
	CreatedAt   time.Time
}

// Store is the durable registry of every resource the orchestrator has
// created. Entries are recorded before any identifier is written back to a
// blueprint, so a crash between the two leaves the resource findable.
type Store struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a tracker store instance. Call Init before use.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("tracker database path is required")
	}
	return &Store{path: cfg.Path}, nil
}

// Init opens the database in WAL mode and runs pending migrations.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open tracker database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping tracker database: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Record upserts an entry. Re-recording the same (project, slot) replaces
// the previous provider ID, which is what a retried deployment step wants.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ProjectSlug == "" || e.SlotName == "" {
		return fmt.Errorf("tracker: project slug and slot name are required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO resources (project_slug, slot_name, kind, provider_id, region, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_slug, slot_name) DO UPDATE SET
			kind = excluded.kind,
			provider_id = excluded.provider_id,
			region = excluded.region
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ProjectSlug,
		e.SlotName,
		e.Kind,
		e.ProviderID,
		e.Region,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record resource %s/%s: %w", e.ProjectSlug, e.SlotName, err)
	}

	return nil
}

// Remove deletes an entry. Removing an entry that was never recorded is not
// an error; teardown must be idempotent.
func (s *Store) Remove(ctx context.Context, projectSlug, slotName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM resources WHERE project_slug = ? AND slot_name = ?`,
		projectSlug, slotName,
	)
	if err != nil {
		return fmt.Errorf("failed to remove resource %s/%s: %w", projectSlug, slotName, err)
	}
	return nil
}

// Get retrieves one entry by project and slot.
func (s *Store) Get(ctx context.Context, projectSlug, slotName string) (*Entry, error) {
	query := `
		SELECT project_slug, slot_name, kind, provider_id, region, created_at
		FROM resources
		WHERE project_slug = ? AND slot_name = ?
	`

	var e Entry
	err := s.db.QueryRowContext(ctx, query, projectSlug, slotName).Scan(
		&e.ProjectSlug,
		&e.SlotName,
		&e.Kind,
		&e.ProviderID,
		&e.Region,
		&e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, projectSlug, slotName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource %s/%s: %w", projectSlug, slotName, err)
	}

	return &e, nil
}

// List returns every entry for one project, oldest first.
func (s *Store) List(ctx context.Context, projectSlug string) ([]Entry, error) {
	query := `
		SELECT project_slug, slot_name, kind, provider_id, region, created_at
		FROM resources
		WHERE project_slug = ?
		ORDER BY created_at, slot_name
	`

	rows, err := s.db.QueryContext(ctx, query, projectSlug)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources for %s: %w", projectSlug, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ListAll returns every tracked entry across all projects.
func (s *Store) ListAll(ctx context.Context) ([]Entry, error) {
	query := `
		SELECT project_slug, slot_name, kind, provider_id, region, created_at
		FROM resources
		ORDER BY project_slug, created_at, slot_name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Count returns the number of tracked resources, for the metrics gauge.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count resources: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ProjectSlug,
			&e.SlotName,
			&e.Kind,
			&e.ProviderID,
			&e.Region,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan resource row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate resource rows: %w", err)
	}
	return entries, nil
}
