package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	embeddedmigrations "github.com/solatis/attributor/migrations"
)

/*
 * Schema migrations.
 *
 * Migration files are embedded per driver (migrations/sqlite, migrations/postgres)
 * and applied in filename order. Each file runs in its own transaction together
 * with its row in the migrations table, so a failing file leaves nothing behind.
 *
 * Applied files are pinned by sha256: editing a migration after it ran, or
 * removing it from the binary, fails every later MigrateUp until resolved by
 * hand.
 */

// MigrationStatus represents the state of a single migration.
type MigrationStatus struct {
	ID          string
	Checksum    string
	Applied     bool
	AppliedAt   *time.Time
	ExecutionMs int64
}

type migration struct {
	ID       string
	Checksum string
	SQL      string
}

// appliedRow mirrors one row of the migrations table. applied_at is TEXT on
// SQLite and TIMESTAMP on PostgreSQL, hence the untyped column.
type appliedRow struct {
	ID          string `db:"migration_id"`
	Checksum    string `db:"checksum"`
	AppliedAt   any    `db:"applied_at"`
	ExecutionMs int64  `db:"execution_ms"`
}

// plan pairs the embedded migrations with what the database has recorded.
type plan struct {
	embedded []migration
	applied  map[string]appliedRow
}

// MigrateUp applies pending migrations in order and returns the IDs applied
// by this call. On failure the IDs applied before the failing one are still
// returned.
func MigrateUp(ctx context.Context, db *sqlx.DB) ([]string, error) {
	p, err := loadPlan(ctx, db)
	if err != nil {
		return nil, err
	}
	if err := p.verify(); err != nil {
		return nil, fmt.Errorf("migration checksum validation failed: %w", err)
	}

	var done []string
	for _, m := range p.embedded {
		if _, ok := p.applied[m.ID]; ok {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return done, err
		}
		done = append(done, m.ID)
	}
	return done, nil
}

// MigrateStatus lists every embedded migration with its applied state.
func MigrateStatus(ctx context.Context, db *sqlx.DB) ([]MigrationStatus, error) {
	p, err := loadPlan(ctx, db)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(p.embedded))
	for _, m := range p.embedded {
		row, ok := p.applied[m.ID]
		if !ok {
			statuses = append(statuses, MigrationStatus{ID: m.ID, Checksum: m.Checksum})
			continue
		}
		statuses = append(statuses, MigrationStatus{
			ID:          row.ID,
			Checksum:    row.Checksum,
			Applied:     true,
			AppliedAt:   parseAppliedAt(row.AppliedAt),
			ExecutionMs: row.ExecutionMs,
		})
	}
	return statuses, nil
}

func loadPlan(ctx context.Context, db *sqlx.DB) (*plan, error) {
	fsys, dir, err := embeddedFor(db.DriverName())
	if err != nil {
		return nil, err
	}
	embedded, err := parseMigrationFiles(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to parse migrations: %w", err)
	}

	if _, err := db.ExecContext(ctx, trackingTableSQL(db.DriverName())); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	var rows []appliedRow
	if err := db.SelectContext(ctx, &rows, "SELECT migration_id, checksum, applied_at, execution_ms FROM migrations"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := make(map[string]appliedRow, len(rows))
	for _, r := range rows {
		applied[r.ID] = r
	}
	return &plan{embedded: embedded, applied: applied}, nil
}

// verify checks every recorded migration is still embedded, unchanged.
func (p *plan) verify() error {
	want := make(map[string]string, len(p.embedded))
	for _, m := range p.embedded {
		want[m.ID] = m.Checksum
	}
	ids := make([]string, 0, len(p.applied))
	for id := range p.applied {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		sum, ok := want[id]
		if !ok {
			return fmt.Errorf("migration %s exists in database but not in embedded files", id)
		}
		if got := p.applied[id].Checksum; got != sum {
			return fmt.Errorf("checksum mismatch for migration %s: expected %s, got %s", id, sum, got)
		}
	}
	return nil
}

// parseAppliedAt accepts a native timestamp (PostgreSQL) or RFC3339 text
// (SQLite).
func parseAppliedAt(v any) *time.Time {
	var raw string
	switch t := v.(type) {
	case time.Time:
		return &t
	case string:
		raw = t
	case []byte:
		raw = string(t)
	default:
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &parsed
}

// embeddedFor selects the embedded schema for a sqlx driver name.
func embeddedFor(driver string) (embed.FS, string, error) {
	switch driver {
	case "sqlite3":
		return embeddedmigrations.SqliteMigrations, "sqlite", nil
	case "postgres":
		return embeddedmigrations.PostgresMigrations, "postgres", nil
	default:
		return embed.FS{}, "", fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func parseMigrationFiles(fsys embed.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var migrations []migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		content, err := fsys.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(content)
		migrations = append(migrations, migration{
			ID:       e.Name(),
			Checksum: hex.EncodeToString(sum[:]),
			SQL:      string(content),
		})
	}

	// ReadDir already sorts by name; keep the ordering explicit.
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].ID < migrations[j].ID })
	return migrations, nil
}

// trackingTableSQL must match the migrations table in 001_initial_schema.sql.
func trackingTableSQL(driver string) string {
	if driver == "sqlite3" {
		return `CREATE TABLE IF NOT EXISTS migrations (
			migration_id TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			execution_ms INTEGER NOT NULL,
			CHECK (applied_at LIKE '____-__-__T__:__:__Z')
		)`
	}
	return `CREATE TABLE IF NOT EXISTS migrations (
		migration_id TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at TIMESTAMP WITHOUT TIME ZONE NOT NULL,
		execution_ms INTEGER NOT NULL
	)`
}

// applyMigration runs m and records it in one transaction.
func applyMigration(ctx context.Context, db *sqlx.DB, m migration) error {
	start := time.Now()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %s: %w", m.ID, err)
	}
	defer tx.Rollback()

	// lib/pq rejects several statements in one Exec.
	for _, stmt := range strings.Split(m.SQL, ";") {
		stmt = stripComments(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", m.ID, err)
		}
	}

	now := time.Now().UTC()
	var appliedAt any = now
	if tx.DriverName() == "sqlite3" {
		appliedAt = now.Format(time.RFC3339)
	}
	record := tx.Rebind("INSERT INTO migrations (migration_id, checksum, applied_at, execution_ms) VALUES (?, ?, ?, ?)")
	if _, err := tx.ExecContext(ctx, record, m.ID, m.Checksum, appliedAt, time.Since(start).Milliseconds()); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", m.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", m.ID, err)
	}
	return nil
}

// stripComments drops whole-line "--" comments so a statement preceded by a
// comment block is still executed.
func stripComments(stmt string) string {
	var kept []string
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
