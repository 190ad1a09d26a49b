package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/shared"
)

const trackColumns = `id, profile_id, provider_id, provider_file_id, file_name, title, artist_id, album_id,
	track_number, disc_number, duration_ms, bitrate, file_size, mime_type, content_hash, artwork_path,
	remote_modified_at, metadata_modified_at, artwork_modified_at, file_modified_at,
	created_at, updated_at, deleted_at, deleted_reason`

// scanner is satisfied by [sql.Row] and [sql.Rows].
type scanner interface {
	Scan(dest ...any) error
}

// TrackScope narrows track queries to one profile's library on one provider. Empty fields match all.
type TrackScope struct {
	ProfileID  string
	ProviderID string
}

func (s TrackScope) where(args []any) (string, []any) {
	return " AND (? = '' OR profile_id = ?) AND (? = '' OR provider_id = ?)",
		append(args, s.ProfileID, s.ProfileID, s.ProviderID, s.ProviderID)
}

// DuplicateKey identifies active tracks of one profile and provider sharing a content hash.
type DuplicateKey struct {
	ProfileID   string
	ProviderID  string
	ContentHash string
}

// Scope returns the scope the duplicate group lives in.
func (k DuplicateKey) Scope() TrackScope {
	return TrackScope{ProfileID: k.ProfileID, ProviderID: k.ProviderID}
}

// TrackRepository implements models.Repository[*models.Track].
//
// Standard queries only see active tracks. Soft-deleted tracks keep their metadata and are
// addressed through the deletion marker written over provider_file_id.
type TrackRepository struct {
	db DBTX
}

var _ models.Repository[*models.Track] = (*TrackRepository)(nil)

// NewTrackRepository creates a new TrackRepository with the given database connection
func NewTrackRepository(db DBTX) *TrackRepository {
	return &TrackRepository{db: db}
}

// Create inserts a new [models.Track] with generated ID and sequence.
func (r *TrackRepository) Create(ctx context.Context, track *models.Track) error {
	if err := track.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	sequence, err := NextSequence(ctx, r.db, "tracks")
	if err != nil {
		return fmt.Errorf("failed to generate sequence: %w", err)
	}

	if track.ID == "" {
		track.ID = shared.GenerateID()
	}
	now := time.Now().UTC()
	track.CreatedAt, track.UpdatedAt = now, now

	query := `
		INSERT INTO tracks (id, sequence, profile_id, provider_id, provider_file_id, file_name, title, artist_id,
			album_id, track_number, disc_number, duration_ms, bitrate, file_size, mime_type, content_hash,
			artwork_path, remote_modified_at, metadata_modified_at, artwork_modified_at, file_modified_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		track.ID,
		sequence,
		track.ProfileID,
		track.ProviderID,
		track.ProviderFileID,
		track.FileName,
		track.Title,
		track.ArtistID,
		track.AlbumID,
		track.TrackNumber,
		track.DiscNumber,
		track.Duration.Milliseconds(),
		track.Bitrate,
		track.FileSize,
		track.MimeType,
		track.ContentHash,
		track.ArtworkPath,
		timeOrNil(track.RemoteModifiedAt),
		timeOrNil(track.MetadataModifiedAt),
		timeOrNil(track.ArtworkModifiedAt),
		timeOrNil(track.FileModifiedAt),
		now,
		now,
	)
	if err != nil {
		return wrapDuplicate(err, "failed to insert track %s/%s", track.ProviderID, track.ProviderFileID)
	}

	return nil
}

// Get retrieves a track by ID, excluding soft-deleted tracks
func (r *TrackRepository) Get(ctx context.Context, id string) (*models.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks WHERE id = ? AND deleted_at IS NULL`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id), id)
}

// GetAny retrieves a track by ID including soft-deleted tracks.
func (r *TrackRepository) GetAny(ctx context.Context, id string) (*models.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks WHERE id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id), id)
}

// GetByProviderFileID retrieves the active track for a provider file.
func (r *TrackRepository) GetByProviderFileID(ctx context.Context, providerID, fileID string) (*models.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks
		WHERE provider_id = ? AND provider_file_id = ? AND deleted_at IS NULL`
	return r.scanOne(r.db.QueryRowContext(ctx, query, providerID, fileID), providerID+"/"+fileID)
}

// FindByContentHash returns active tracks in scope with the given content hash, oldest first.
func (r *TrackRepository) FindByContentHash(ctx context.Context, scope TrackScope, hash string) ([]*models.Track, error) {
	if hash == "" {
		return nil, nil
	}
	filter, args := scope.where([]any{hash})
	query := `SELECT ` + trackColumns + ` FROM tracks
		WHERE content_hash = ? AND deleted_at IS NULL` + filter + ` ORDER BY sequence ASC`
	return r.query(ctx, query, args...)
}

// DuplicateHashes returns the content hashes shared by more than one active track of the same
// profile and provider. Copies in different libraries never form a group.
func (r *TrackRepository) DuplicateHashes(ctx context.Context, scope TrackScope) ([]DuplicateKey, error) {
	filter, args := scope.where(nil)
	query := `
		SELECT profile_id, provider_id, content_hash FROM tracks
		WHERE deleted_at IS NULL AND content_hash != ''` + filter + `
		GROUP BY profile_id, provider_id, content_hash
		HAVING COUNT(*) > 1
		ORDER BY profile_id ASC, provider_id ASC, content_hash ASC
	`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate hashes: %w", err)
	}
	defer rows.Close()

	var keys []DuplicateKey
	for rows.Next() {
		var k DuplicateKey
		if err := rows.Scan(&k.ProfileID, &k.ProviderID, &k.ContentHash); err != nil {
			return nil, fmt.Errorf("failed to scan hash: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return keys, nil
}

// Update modifies an existing active track.
func (r *TrackRepository) Update(ctx context.Context, track *models.Track) error {
	if err := track.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	query := `
		UPDATE tracks
		SET profile_id = ?, provider_file_id = ?, file_name = ?, title = ?, artist_id = ?, album_id = ?,
			track_number = ?, disc_number = ?, duration_ms = ?, bitrate = ?, file_size = ?, mime_type = ?,
			content_hash = ?, artwork_path = ?, remote_modified_at = ?, metadata_modified_at = ?,
			artwork_modified_at = ?, file_modified_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query,
		track.ProfileID,
		track.ProviderFileID,
		track.FileName,
		track.Title,
		track.ArtistID,
		track.AlbumID,
		track.TrackNumber,
		track.DiscNumber,
		track.Duration.Milliseconds(),
		track.Bitrate,
		track.FileSize,
		track.MimeType,
		track.ContentHash,
		track.ArtworkPath,
		timeOrNil(track.RemoteModifiedAt),
		timeOrNil(track.MetadataModifiedAt),
		timeOrNil(track.ArtworkModifiedAt),
		timeOrNil(track.FileModifiedAt),
		now,
		track.ID,
	)
	if err != nil {
		return wrapDuplicate(err, "failed to update track %s", track.ID)
	}
	if err := checkAffected(result, "track", track.ID); err != nil {
		return err
	}
	track.UpdatedAt = now
	return nil
}

// Upsert inserts track or updates the active track with the same (provider, provider file id).
// On update track.ID and CreatedAt are replaced by the stored values.
func (r *TrackRepository) Upsert(ctx context.Context, track *models.Track) (bool, error) {
	existing, err := r.GetByProviderFileID(ctx, track.ProviderID, track.ProviderFileID)
	switch {
	case IsNotFound(err):
		if err := r.Create(ctx, track); err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		return false, err
	}

	track.ID = existing.ID
	track.CreatedAt = existing.CreatedAt
	return false, r.Update(ctx, track)
}

// Delete soft-deletes a track as removed from the provider.
func (r *TrackRepository) Delete(ctx context.Context, id string) error {
	return r.SoftDelete(ctx, id, models.DeletionReasonRemoved)
}

// SoftDelete replaces provider_file_id with a deletion marker and stamps deleted_at.
// The row keeps its metadata and can be brought back with [TrackRepository.Restore].
func (r *TrackRepository) SoftDelete(ctx context.Context, id, reason string) error {
	track, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `
		UPDATE tracks
		SET provider_file_id = ?, deleted_at = ?, deleted_reason = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, models.DeletionMarker(track.ProviderFileID, now), now, reason, now, id)
	if err != nil {
		return fmt.Errorf("failed to soft delete track: %w", err)
	}
	return checkAffected(result, "track", id)
}

// Restore reverses a soft delete. It fails with a duplicate error when another active
// track has since claimed the original provider file id.
func (r *TrackRepository) Restore(ctx context.Context, id string) error {
	track, err := r.GetAny(ctx, id)
	if err != nil {
		return err
	}
	if !track.IsDeleted() {
		return fmt.Errorf("%w: track %s is not deleted", shared.ErrInvalidInput, id)
	}
	original, _, ok := models.ParseDeletionMarker(track.ProviderFileID)
	if !ok {
		return fmt.Errorf("%w: track %s has no deletion marker", shared.ErrInvalidInput, id)
	}

	query := `
		UPDATE tracks
		SET provider_file_id = ?, deleted_at = NULL, deleted_reason = '', updated_at = ?
		WHERE id = ? AND deleted_at IS NOT NULL
	`
	result, err := r.db.ExecContext(ctx, query, original, time.Now().UTC(), id)
	if err != nil {
		return wrapDuplicate(err, "failed to restore track %s", id)
	}
	return checkAffected(result, "deleted track", id)
}

// HardDelete removes the row outright.
func (r *TrackRepository) HardDelete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tracks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete track: %w", err)
	}
	return checkAffected(result, "track", id)
}

// RenameIdentity points an active track at a new provider file.
func (r *TrackRepository) RenameIdentity(ctx context.Context, id, fileID, fileName, title string) error {
	query := `
		UPDATE tracks
		SET provider_file_id = ?, file_name = ?, title = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, fileID, fileName, title, time.Now().UTC(), id)
	if err != nil {
		return wrapDuplicate(err, "failed to rename track %s", id)
	}
	return checkAffected(result, "track", id)
}

// ListByMarkerPrefix returns soft-deleted tracks of a provider whose provider_file_id starts with prefix.
func (r *TrackRepository) ListByMarkerPrefix(ctx context.Context, providerID, prefix string) ([]*models.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks
		WHERE provider_id = ? AND provider_file_id LIKE ? ESCAPE '\' AND deleted_at IS NOT NULL
		ORDER BY deleted_at DESC`
	return r.query(ctx, query, providerID, escapeLike(prefix)+"%")
}

// ListDeleted returns every soft-deleted track, most recent first.
func (r *TrackRepository) ListDeleted(ctx context.Context) ([]*models.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks WHERE deleted_at IS NOT NULL ORDER BY deleted_at DESC`
	return r.query(ctx, query)
}

// IsSuppressedDuplicate reports whether fileID was soft-deleted as a duplicate within scope.
func (r *TrackRepository) IsSuppressedDuplicate(ctx context.Context, scope TrackScope, fileID string) (bool, error) {
	pattern := escapeLike(models.DeletionMarkerPrefix) + "%:" + escapeLike(fileID)
	filter, args := scope.where([]any{models.DeletionReasonDuplicate, pattern})
	query := `
		SELECT EXISTS(
			SELECT 1 FROM tracks
			WHERE deleted_reason = ? AND provider_file_id LIKE ? ESCAPE '\'` + filter + `
		)
	`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check suppressed duplicates: %w", err)
	}
	return exists, nil
}

// List retrieves active tracks matching the given criteria.
//
// Supported keys: profile_id, provider_id, artist_id, album_id, content_hash.
func (r *TrackRepository) List(ctx context.Context, criteria map[string]any) ([]*models.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks WHERE deleted_at IS NULL`
	args := []any{}

	for _, key := range []string{"profile_id", "provider_id", "artist_id", "album_id", "content_hash"} {
		if v, ok := criteria[key].(string); ok && v != "" {
			query += " AND " + key + " = ?"
			args = append(args, v)
		}
	}

	query += " ORDER BY sequence ASC"
	return r.query(ctx, query, args...)
}

// Count returns the number of active tracks for a profile and provider. Empty values match all.
func (r *TrackRepository) Count(ctx context.Context, profileID, providerID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM tracks
		WHERE deleted_at IS NULL AND (? = '' OR profile_id = ?) AND (? = '' OR provider_id = ?)
	`
	var n int
	if err := r.db.QueryRowContext(ctx, query, profileID, profileID, providerID, providerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tracks: %w", err)
	}
	return n, nil
}

func (r *TrackRepository) query(ctx context.Context, query string, args ...any) ([]*models.Track, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	var tracks []*models.Track
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return tracks, nil
}

// scanOne scans a single [sql.Row] into a [models.Track]
func (r *TrackRepository) scanOne(row *sql.Row, key string) (*models.Track, error) {
	track, err := scanTrack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: track %s", shared.ErrNotFound, key)
	}
	return track, err
}

func scanTrack(s scanner) (*models.Track, error) {
	var t models.Track
	var durationMS int64
	var remoteMod, metadataMod, artworkMod, fileMod, deletedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.ProfileID, &t.ProviderID, &t.ProviderFileID, &t.FileName, &t.Title, &t.ArtistID, &t.AlbumID,
		&t.TrackNumber, &t.DiscNumber, &durationMS, &t.Bitrate, &t.FileSize, &t.MimeType, &t.ContentHash, &t.ArtworkPath,
		&remoteMod, &metadataMod, &artworkMod, &fileMod,
		&t.CreatedAt, &t.UpdatedAt, &deletedAt, &t.DeletedReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan track: %w", err)
	}

	t.Duration = time.Duration(durationMS) * time.Millisecond
	t.RemoteModifiedAt = fromNullTime(remoteMod)
	t.MetadataModifiedAt = fromNullTime(metadataMod)
	t.ArtworkModifiedAt = fromNullTime(artworkMod)
	t.FileModifiedAt = fromNullTime(fileMod)
	t.DeletedAt = ptrFromNullTime(deletedAt)
	return &t, nil
}
