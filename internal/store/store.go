package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"partyline/pkg/database"
	"partyline/pkg/interfaces"
	"partyline/pkg/types"
)

// Manager implements interfaces.Store on SQLite. All writes funnel through a
// single goroutine; SQLite tolerates concurrent readers under WAL but only
// one writer, so serializing writes here keeps the rest of the system free
// of busy-retry handling.
type Manager struct {
	db           *sql.DB
	config       *database.Config
	logger       zerolog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations, validates the resulting
// schema and starts the write loop.
func NewManager(config *database.Config, logger zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := database.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	validator := database.NewSchemaValidator(db)
	if err := validator.ValidateTablesExist(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	if err := validator.ValidateIndexes(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With().Str("component", "store").Logger(),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

// writeLoop processes all write operations in a single goroutine, retrying
// once after a short delay on failure.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn().Err(err).Msg("store write failed, retrying")
				time.Sleep(time.Second)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error().Err(err).Msg("store write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStoreClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrStoreClosed
	}
}

// UpsertUser creates or replaces the identity record for userID.
func (m *Manager) UpsertUser(ctx context.Context, user *types.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (user_id, name, icon_url) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET name = excluded.name, icon_url = excluded.icon_url
		`, user.UserID, user.Name, user.IconURL)
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	})
}

// GetUser retrieves an identity record.
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.User, error) {
	var user types.User
	err := m.db.QueryRowContext(ctx,
		`SELECT user_id, name, icon_url FROM users WHERE user_id = ?`, userID,
	).Scan(&user.UserID, &user.Name, &user.IconURL)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// ListUsers returns the records for the given ids, skipping unknown ids.
func (m *Manager) ListUsers(ctx context.Context, userIDs []string) ([]*types.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query := `SELECT user_id, name, icon_url FROM users WHERE user_id IN (` + placeholders(len(userIDs)) + `)`
	rows, err := m.db.QueryContext(ctx, query, toArgs(userIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		var user types.User
		if err := rows.Scan(&user.UserID, &user.Name, &user.IconURL); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}

// CreateGroup persists a new group record.
func (m *Manager) CreateGroup(ctx context.Context, group *types.Group) error {
	if err := group.Validate(); err != nil {
		return err
	}
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO groups (group_id, title, icon_url) VALUES (?, ?, ?)`,
			group.GroupID, group.Title, group.IconURL,
		)
		if err != nil {
			return fmt.Errorf("failed to insert group: %w", err)
		}
		return nil
	})
}

// UpdateGroup rewrites a group's title and icon.
func (m *Manager) UpdateGroup(ctx context.Context, groupID, title, iconURL string) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE groups SET title = ?, icon_url = ? WHERE group_id = ?`,
			title, iconURL, groupID,
		)
		if err != nil {
			return fmt.Errorf("failed to update group: %w", err)
		}
		return nil
	})
}

// GetGroup retrieves one group record.
func (m *Manager) GetGroup(ctx context.Context, groupID string) (*types.Group, error) {
	var group types.Group
	err := m.db.QueryRowContext(ctx,
		`SELECT group_id, title, icon_url FROM groups WHERE group_id = ?`, groupID,
	).Scan(&group.GroupID, &group.Title, &group.IconURL)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query group: %w", err)
	}
	return &group, nil
}

// ListGroups returns the records for the given group ids, skipping unknown
// ids.
func (m *Manager) ListGroups(ctx context.Context, groupIDs []string) ([]*types.Group, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	query := `SELECT group_id, title, icon_url FROM groups WHERE group_id IN (` + placeholders(len(groupIDs)) + `)`
	rows, err := m.db.QueryContext(ctx, query, toArgs(groupIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var groups []*types.Group
	for rows.Next() {
		var group types.Group
		if err := rows.Scan(&group.GroupID, &group.Title, &group.IconURL); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, &group)
	}
	return groups, rows.Err()
}

// AddMember persists membership, replacing any stale duplicate row.
func (m *Manager) AddMember(ctx context.Context, groupID, userID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID,
		); err != nil {
			return fmt.Errorf("failed to clear stale membership: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (group_id, user_id) VALUES (?, ?)`, groupID, userID,
		); err != nil {
			return fmt.Errorf("failed to insert membership: %w", err)
		}

		return tx.Commit()
	})
}

// RemoveMember deletes a membership row. Removing a non-member is a no-op.
func (m *Manager) RemoveMember(ctx context.Context, groupID, userID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`DELETE FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete membership: %w", err)
		}
		return nil
	})
}

// ListMemberIDs returns the user ids belonging to a group.
func (m *Manager) ListMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	return m.listIDs(ctx,
		`SELECT user_id FROM group_members WHERE group_id = ?`, groupID)
}

// ListGroupIDsForUser returns the group ids a user belongs to.
func (m *Manager) ListGroupIDsForUser(ctx context.Context, userID string) ([]string, error) {
	return m.listIDs(ctx,
		`SELECT group_id FROM group_members WHERE user_id = ?`, userID)
}

// PutInvitation records a pending invitation, overwriting an existing pair.
func (m *Manager) PutInvitation(ctx context.Context, userID, groupID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO group_invitations (user_id, group_id) VALUES (?, ?)
			ON CONFLICT(user_id, group_id) DO NOTHING
		`, userID, groupID)
		if err != nil {
			return fmt.Errorf("failed to insert invitation: %w", err)
		}
		return nil
	})
}

// DeleteInvitation removes a pending invitation, reporting whether the pair
// existed.
func (m *Manager) DeleteInvitation(ctx context.Context, userID, groupID string) (bool, error) {
	var affected int64
	err := m.executeWrite(func(db *sql.DB) error {
		result, err := db.ExecContext(ctx,
			`DELETE FROM group_invitations WHERE user_id = ? AND group_id = ?`, userID, groupID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete invitation: %w", err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListInvitationGroupIDs returns the group ids with a pending invitation for
// the user.
func (m *Manager) ListInvitationGroupIDs(ctx context.Context, userID string) ([]string, error) {
	return m.listIDs(ctx,
		`SELECT group_id FROM group_invitations WHERE user_id = ?`, userID)
}

// CreateMedia appends an item to its playlist's catalog, assigning the next
// sort order within the same write so concurrent uploads cannot collide.
func (m *Manager) CreateMedia(ctx context.Context, media *types.MediaItem) error {
	if err := media.Validate(); err != nil {
		return err
	}
	return m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var last sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT MAX(sort_order) FROM media WHERE playlist_id = ?`, media.PlaylistID,
		).Scan(&last)
		if err != nil {
			return fmt.Errorf("failed to read last sort order: %w", err)
		}
		if last.Valid {
			media.SortOrder = int(last.Int64) + 1
		} else {
			media.SortOrder = 1
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO media (media_id, playlist_id, file_path, duration, sort_order)
			VALUES (?, ?, ?, ?, ?)
		`, media.MediaID, media.PlaylistID, media.FilePath, media.Duration, media.SortOrder); err != nil {
			return fmt.Errorf("failed to insert media: %w", err)
		}

		return tx.Commit()
	})
}

// GetMedia retrieves one catalog entry.
func (m *Manager) GetMedia(ctx context.Context, mediaID string) (*types.MediaItem, error) {
	var media types.MediaItem
	err := m.db.QueryRowContext(ctx, `
		SELECT media_id, playlist_id, file_path, duration, sort_order
		FROM media WHERE media_id = ?
	`, mediaID).Scan(&media.MediaID, &media.PlaylistID, &media.FilePath, &media.Duration, &media.SortOrder)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query media: %w", err)
	}
	return &media, nil
}

// DeleteMedia removes one catalog entry.
func (m *Manager) DeleteMedia(ctx context.Context, mediaID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM media WHERE media_id = ?`, mediaID)
		if err != nil {
			return fmt.Errorf("failed to delete media: %w", err)
		}
		return nil
	})
}

// ListMedia returns a playlist's catalog ordered by sort order, insertion
// order breaking ties.
func (m *Manager) ListMedia(ctx context.Context, playlistID string) ([]*types.MediaItem, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT media_id, playlist_id, file_path, duration, sort_order
		FROM media WHERE playlist_id = ?
		ORDER BY sort_order ASC, rowid ASC
	`, playlistID)
	if err != nil {
		return nil, fmt.Errorf("failed to query media: %w", err)
	}
	defer rows.Close()

	var items []*types.MediaItem
	for rows.Next() {
		var media types.MediaItem
		if err := rows.Scan(&media.MediaID, &media.PlaylistID, &media.FilePath, &media.Duration, &media.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan media: %w", err)
		}
		items = append(items, &media)
	}
	return items, rows.Err()
}

// ListPlaylistIDs returns every playlist id present in the catalog. Used to
// rebuild playback state on server start.
func (m *Manager) ListPlaylistIDs(ctx context.Context) ([]string, error) {
	return m.listIDs(ctx, `SELECT DISTINCT playlist_id FROM media`)
}

// HealthCheck verifies database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Close stops the write loop and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	return m.db.Close()
}

func (m *Manager) listIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
