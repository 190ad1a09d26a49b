package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/tapedeck/internal/shared"
)

// ProviderCursor is the change-feed position stored after a completed sync.
type ProviderCursor struct {
	ProfileID      string
	ProviderID     string
	ChangeCursor   string
	LastFullSyncAt time.Time
	UpdatedAt      time.Time
}

// CursorRepository stores one [ProviderCursor] per (profile, provider).
type CursorRepository struct {
	db DBTX
}

func NewCursorRepository(db DBTX) *CursorRepository {
	return &CursorRepository{db: db}
}

func (r *CursorRepository) Get(ctx context.Context, profileID, providerID string) (*ProviderCursor, error) {
	query := `
		SELECT profile_id, provider_id, change_cursor, last_full_sync_at, updated_at
		FROM provider_cursors WHERE profile_id = ? AND provider_id = ?
	`
	var c ProviderCursor
	var lastFull sql.NullTime
	err := r.db.QueryRowContext(ctx, query, profileID, providerID).
		Scan(&c.ProfileID, &c.ProviderID, &c.ChangeCursor, &lastFull, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: cursor for %s/%s", shared.ErrNotFound, profileID, providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cursor: %w", err)
	}
	c.LastFullSyncAt = fromNullTime(lastFull)
	return &c, nil
}

// Upsert stores c. A zero LastFullSyncAt keeps the stored value.
func (r *CursorRepository) Upsert(ctx context.Context, c *ProviderCursor) error {
	c.UpdatedAt = time.Now().UTC()
	query := `
		INSERT INTO provider_cursors (profile_id, provider_id, change_cursor, last_full_sync_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (profile_id, provider_id) DO UPDATE SET
			change_cursor = excluded.change_cursor,
			last_full_sync_at = COALESCE(excluded.last_full_sync_at, provider_cursors.last_full_sync_at),
			updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, c.ProfileID, c.ProviderID, c.ChangeCursor, timeOrNil(c.LastFullSyncAt), c.UpdatedAt); err != nil {
		return fmt.Errorf("failed to store cursor: %w", err)
	}
	return nil
}
