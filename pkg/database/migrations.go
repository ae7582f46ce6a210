package database

import (
	"database/sql"
	"fmt"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// migrations is the ordered, compiled-in schema history. New changes are
// appended with the next version number; applied versions are tracked in
// schema_migrations so restarts are no-ops.
var migrations = []Migration{
	{
		Version:     "001",
		Description: "users, groups, membership, invitations",
		SQL: `
			CREATE TABLE IF NOT EXISTS users (
				user_id  TEXT PRIMARY KEY,
				name     TEXT NOT NULL,
				icon_url TEXT NOT NULL DEFAULT ''
			);
			CREATE TABLE IF NOT EXISTS groups (
				group_id TEXT PRIMARY KEY,
				title    TEXT NOT NULL,
				icon_url TEXT NOT NULL DEFAULT ''
			);
			CREATE TABLE IF NOT EXISTS group_members (
				group_id TEXT NOT NULL,
				user_id  TEXT NOT NULL,
				PRIMARY KEY (group_id, user_id)
			);
			CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id);
			CREATE TABLE IF NOT EXISTS group_invitations (
				user_id  TEXT NOT NULL,
				group_id TEXT NOT NULL,
				PRIMARY KEY (user_id, group_id)
			);
		`,
	},
	{
		Version:     "002",
		Description: "media catalog",
		SQL: `
			CREATE TABLE IF NOT EXISTS media (
				media_id    TEXT PRIMARY KEY,
				playlist_id TEXT NOT NULL,
				file_path   TEXT NOT NULL,
				duration    REAL NOT NULL DEFAULT 0,
				sort_order  INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_media_playlist_order ON media(playlist_id, sort_order);
		`,
	},
}

// MigrationManager applies pending migrations against an open database.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a migration manager.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// ApplyMigrations applies every migration not yet recorded, each inside its
// own transaction.
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := m.appliedVersions()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.apply(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
	}

	return nil
}

func (m *MigrationManager) createMigrationTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (m *MigrationManager) appliedVersions() (map[string]bool, error) {
	rows, err := m.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *MigrationManager) apply(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(migration.SQL); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, migration.Version); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}
