package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/shared"
)

// ArtistRepository resolves artists by normalized name.
type ArtistRepository struct {
	db DBTX
}

func NewArtistRepository(db DBTX) *ArtistRepository {
	return &ArtistRepository{db: db}
}

// FindOrCreate returns the artist whose normalized name matches name, creating it if needed.
// A blank name yields (nil, nil).
func (r *ArtistRepository) FindOrCreate(ctx context.Context, name string) (*models.Artist, error) {
	normalized := shared.NormalizeName(name)
	if normalized == "" {
		return nil, nil
	}

	artist, err := r.GetByNormalizedName(ctx, normalized)
	if err == nil || !IsNotFound(err) {
		return artist, err
	}

	sequence, err := NextSequence(ctx, r.db, "artists")
	if err != nil {
		return nil, fmt.Errorf("failed to generate sequence: %w", err)
	}

	now := time.Now().UTC()
	artist = &models.Artist{
		ID:             shared.GenerateID(),
		Name:           strings.TrimSpace(name),
		NormalizedName: normalized,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	query := `
		INSERT INTO artists (id, sequence, name, normalized_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := r.db.ExecContext(ctx, query, artist.ID, sequence, artist.Name, artist.NormalizedName, now, now); err != nil {
		return nil, wrapDuplicate(err, "failed to insert artist %q", artist.Name)
	}
	return artist, nil
}

func (r *ArtistRepository) Get(ctx context.Context, id string) (*models.Artist, error) {
	query := `SELECT id, name, normalized_name, created_at, updated_at FROM artists WHERE id = ?`
	return scanArtist(r.db.QueryRowContext(ctx, query, id), id)
}

func (r *ArtistRepository) GetByNormalizedName(ctx context.Context, normalized string) (*models.Artist, error) {
	query := `SELECT id, name, normalized_name, created_at, updated_at FROM artists WHERE normalized_name = ?`
	return scanArtist(r.db.QueryRowContext(ctx, query, normalized), normalized)
}

func scanArtist(row *sql.Row, key string) (*models.Artist, error) {
	var a models.Artist
	err := row.Scan(&a.ID, &a.Name, &a.NormalizedName, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artist %s", shared.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan artist: %w", err)
	}
	return &a, nil
}

// AlbumRepository resolves albums by (normalized title, artist).
type AlbumRepository struct {
	db DBTX
}

func NewAlbumRepository(db DBTX) *AlbumRepository {
	return &AlbumRepository{db: db}
}

const albumColumns = `id, title, normalized_title, artist_id, year, artwork_path, created_at, updated_at`

// FindOrCreate returns the album titled title for artistID ("" when unknown), creating it if needed.
// A blank title yields (nil, nil). A known year fills in a stored zero year.
func (r *AlbumRepository) FindOrCreate(ctx context.Context, title, artistID string, year int) (*models.Album, error) {
	normalized := shared.NormalizeName(title)
	if normalized == "" {
		return nil, nil
	}

	query := `SELECT ` + albumColumns + ` FROM albums WHERE normalized_title = ? AND artist_id = ?`
	album, err := scanAlbum(r.db.QueryRowContext(ctx, query, normalized, artistID), normalized)
	switch {
	case err == nil:
		if album.Year == 0 && year > 0 {
			if _, err := r.db.ExecContext(ctx, `UPDATE albums SET year = ?, updated_at = ? WHERE id = ?`,
				year, time.Now().UTC(), album.ID); err != nil {
				return nil, fmt.Errorf("failed to update album year: %w", err)
			}
			album.Year = year
		}
		return album, nil
	case !IsNotFound(err):
		return nil, err
	}

	sequence, err := NextSequence(ctx, r.db, "albums")
	if err != nil {
		return nil, fmt.Errorf("failed to generate sequence: %w", err)
	}

	now := time.Now().UTC()
	album = &models.Album{
		ID:              shared.GenerateID(),
		Title:           strings.TrimSpace(title),
		NormalizedTitle: normalized,
		ArtistID:        artistID,
		Year:            year,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	insert := `
		INSERT INTO albums (id, sequence, title, normalized_title, artist_id, year, artwork_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)
	`
	if _, err := r.db.ExecContext(ctx, insert, album.ID, sequence, album.Title, normalized, artistID, year, now, now); err != nil {
		return nil, wrapDuplicate(err, "failed to insert album %q", album.Title)
	}
	return album, nil
}

func (r *AlbumRepository) Get(ctx context.Context, id string) (*models.Album, error) {
	query := `SELECT ` + albumColumns + ` FROM albums WHERE id = ?`
	return scanAlbum(r.db.QueryRowContext(ctx, query, id), id)
}

// SetArtwork records the artwork file for an album.
func (r *AlbumRepository) SetArtwork(ctx context.Context, id, path string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE albums SET artwork_path = ?, updated_at = ? WHERE id = ?`,
		path, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set album artwork: %w", err)
	}
	return checkAffected(result, "album", id)
}

func scanAlbum(row *sql.Row, key string) (*models.Album, error) {
	var a models.Album
	err := row.Scan(&a.ID, &a.Title, &a.NormalizedTitle, &a.ArtistID, &a.Year, &a.ArtworkPath, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: album %s", shared.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan album: %w", err)
	}
	return &a, nil
}
