package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/shared"
)

// SyncJobRepository persists [models.SyncJob] state machines.
//
// Jobs are written from their snapshot and read back with [models.RestoreSyncJob], so a job
// interrupted by a crash can be reloaded and resumed from its cursor.
type SyncJobRepository struct {
	db DBTX
}

func NewSyncJobRepository(db DBTX) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

const jobColumns = `id, profile_id, provider_id, sync_type, status, discovered, processed, failed, percent, phase,
	stats, cursor, discovery_complete, error_message, error_details, created_at, updated_at, started_at, completed_at`

// Create inserts a new job. A second active job for the same profile fails with [shared.ErrDuplicate].
func (r *SyncJobRepository) Create(ctx context.Context, job *models.SyncJob) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	sequence, err := NextSequence(ctx, r.db, "sync_jobs")
	if err != nil {
		return fmt.Errorf("failed to generate sequence: %w", err)
	}

	s := job.Snapshot()
	stats, details, err := encodeJobPayloads(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sync_jobs (id, sequence, profile_id, provider_id, sync_type, status, discovered, processed,
			failed, percent, phase, stats, cursor, discovery_complete, error_message, error_details,
			created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		s.ID,
		sequence,
		s.ProfileID,
		s.ProviderID,
		s.SyncType,
		s.Status,
		s.Progress.Discovered,
		s.Progress.Processed,
		s.Progress.Failed,
		s.Progress.Percent,
		s.Progress.Phase.String(),
		stats,
		s.Cursor,
		s.DiscoveryComplete,
		s.ErrorMessage,
		details,
		s.CreatedAt,
		s.UpdatedAt,
		ptrTimeOrNil(s.StartedAt),
		ptrTimeOrNil(s.CompletedAt),
	)
	if err != nil {
		return wrapDuplicate(err, "failed to insert sync job %s", s.ID)
	}
	return nil
}

// Save writes every mutable field of job.
func (r *SyncJobRepository) Save(ctx context.Context, job *models.SyncJob) error {
	s := job.Snapshot()
	stats, details, err := encodeJobPayloads(s)
	if err != nil {
		return err
	}

	query := `
		UPDATE sync_jobs
		SET status = ?, discovered = ?, processed = ?, failed = ?, percent = ?, phase = ?, stats = ?, cursor = ?,
			discovery_complete = ?, error_message = ?, error_details = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		s.Status,
		s.Progress.Discovered,
		s.Progress.Processed,
		s.Progress.Failed,
		s.Progress.Percent,
		s.Progress.Phase.String(),
		stats,
		s.Cursor,
		s.DiscoveryComplete,
		s.ErrorMessage,
		details,
		s.UpdatedAt,
		ptrTimeOrNil(s.StartedAt),
		ptrTimeOrNil(s.CompletedAt),
		s.ID,
	)
	if err != nil {
		return wrapDuplicate(err, "failed to save sync job %s", s.ID)
	}
	return checkAffected(result, "sync job", s.ID)
}

func (r *SyncJobRepository) Get(ctx context.Context, id string) (*models.SyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id), id)
}

// FindActiveByProfile returns the pending or running job of a profile.
func (r *SyncJobRepository) FindActiveByProfile(ctx context.Context, profileID string) (*models.SyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE profile_id = ? AND status IN ('pending', 'running')`
	return r.scanOne(r.db.QueryRowContext(ctx, query, profileID), "active/"+profileID)
}

// ListByProfile returns a profile's jobs, newest first. limit <= 0 returns all.
func (r *SyncJobRepository) ListByProfile(ctx context.Context, profileID string, limit int) ([]*models.SyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE profile_id = ? ORDER BY sequence DESC`
	args := []any{profileID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.query(ctx, query, args...)
}

// ListRecent returns the newest jobs across profiles.
func (r *SyncJobRepository) ListRecent(ctx context.Context, limit int) ([]*models.SyncJob, error) {
	return r.query(ctx, `SELECT `+jobColumns+` FROM sync_jobs ORDER BY sequence DESC LIMIT ?`, limit)
}

// ListActive returns every pending or running job.
func (r *SyncJobRepository) ListActive(ctx context.Context) ([]*models.SyncJob, error) {
	return r.query(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE status IN ('pending', 'running') ORDER BY sequence ASC`)
}

func (r *SyncJobRepository) query(ctx context.Context, query string, args ...any) ([]*models.SyncJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return jobs, nil
}

func (r *SyncJobRepository) scanOne(row *sql.Row, key string) (*models.SyncJob, error) {
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sync job %s", shared.ErrNotFound, key)
	}
	return job, err
}

func scanJob(s scanner) (*models.SyncJob, error) {
	var snap models.SyncJobSnapshot
	var phase, stats, details string
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&snap.ID, &snap.ProfileID, &snap.ProviderID, &snap.SyncType, &snap.Status,
		&snap.Progress.Discovered, &snap.Progress.Processed, &snap.Progress.Failed, &snap.Progress.Percent, &phase,
		&stats, &snap.Cursor, &snap.DiscoveryComplete, &snap.ErrorMessage, &details,
		&snap.CreatedAt, &snap.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sync job: %w", err)
	}

	if snap.Progress.Phase, err = models.ParsePhase(phase); err != nil {
		return nil, err
	}
	if stats != "" {
		snap.Stats = &models.SyncJobStats{}
		if err := json.Unmarshal([]byte(stats), snap.Stats); err != nil {
			return nil, fmt.Errorf("failed to decode job stats: %w", err)
		}
	}
	if details != "" {
		if err := json.Unmarshal([]byte(details), &snap.ErrorDetails); err != nil {
			return nil, fmt.Errorf("failed to decode job error details: %w", err)
		}
	}
	snap.StartedAt = ptrFromNullTime(startedAt)
	snap.CompletedAt = ptrFromNullTime(completedAt)

	return models.RestoreSyncJob(snap)
}

func encodeJobPayloads(s models.SyncJobSnapshot) (stats, details string, err error) {
	if s.Stats != nil {
		b, err := json.Marshal(s.Stats)
		if err != nil {
			return "", "", fmt.Errorf("failed to encode job stats: %w", err)
		}
		stats = string(b)
	}
	if len(s.ErrorDetails) > 0 {
		b, err := json.Marshal(s.ErrorDetails)
		if err != nil {
			return "", "", fmt.Errorf("failed to encode job error details: %w", err)
		}
		details = string(b)
	}
	return stats, details, nil
}
