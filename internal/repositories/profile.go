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

// ProfileRepository implements models.Repository[*models.Profile].
//
// Profiles are soft deleted via deleted_at.
type ProfileRepository struct {
	db DBTX
}

var _ models.Repository[*models.Profile] = (*ProfileRepository)(nil)

func NewProfileRepository(db DBTX) *ProfileRepository {
	return &ProfileRepository{db: db}
}

const profileColumns = `id, provider_id, account, display_name, token, created_at, updated_at`

// Create inserts a new profile with generated ID and sequence.
func (r *ProfileRepository) Create(ctx context.Context, p *models.Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	sequence, err := NextSequence(ctx, r.db, "profiles")
	if err != nil {
		return fmt.Errorf("failed to generate sequence: %w", err)
	}

	if p.ID == "" {
		p.ID = shared.GenerateID()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	query := `
		INSERT INTO profiles (id, sequence, provider_id, account, display_name, token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := r.db.ExecContext(ctx, query, p.ID, sequence, p.ProviderID, p.Account, p.DisplayName, string(p.Token), now, now); err != nil {
		return wrapDuplicate(err, "failed to insert profile %s/%s", p.ProviderID, p.Account)
	}
	return nil
}

func (r *ProfileRepository) Get(ctx context.Context, id string) (*models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id = ? AND deleted_at IS NULL`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id), id)
}

// GetByAccount retrieves a profile by provider and account name.
func (r *ProfileRepository) GetByAccount(ctx context.Context, providerID, account string) (*models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE provider_id = ? AND account = ? AND deleted_at IS NULL`
	return r.scanOne(r.db.QueryRowContext(ctx, query, providerID, account), providerID+"/"+account)
}

func (r *ProfileRepository) Update(ctx context.Context, p *models.Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	query := `
		UPDATE profiles SET display_name = ?, token = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, p.DisplayName, string(p.Token), now, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if err := checkAffected(result, "profile", p.ID); err != nil {
		return err
	}
	p.UpdatedAt = now
	return nil
}

// UpdateToken replaces the stored token of a profile.
func (r *ProfileRepository) UpdateToken(ctx context.Context, id string, token []byte) error {
	query := `UPDATE profiles SET token = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, string(token), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update profile token: %w", err)
	}
	return checkAffected(result, "profile", id)
}

// Delete soft-deletes a profile.
func (r *ProfileRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE profiles SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	return checkAffected(result, "profile", id)
}

// List retrieves active profiles; supports the provider_id criterion.
func (r *ProfileRepository) List(ctx context.Context, criteria map[string]any) ([]*models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE deleted_at IS NULL`
	args := []any{}
	if provider, ok := criteria["provider_id"].(string); ok && provider != "" {
		query += " AND provider_id = ?"
		args = append(args, provider)
	}
	query += " ORDER BY sequence ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return profiles, nil
}

func (r *ProfileRepository) scanOne(row *sql.Row, key string) (*models.Profile, error) {
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile %s", shared.ErrNotFound, key)
	}
	return p, err
}

func scanProfile(s scanner) (*models.Profile, error) {
	var p models.Profile
	var token string
	if err := s.Scan(&p.ID, &p.ProviderID, &p.Account, &p.DisplayName, &token, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan profile: %w", err)
	}
	if token != "" {
		p.Token = []byte(token)
	}
	return &p, nil
}
