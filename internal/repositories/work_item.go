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

// WorkItemRepository stores scan queue entries keyed by job.
type WorkItemRepository struct {
	db DBTX
}

func NewWorkItemRepository(db DBTX) *WorkItemRepository {
	return &WorkItemRepository{db: db}
}

const workItemColumns = `id, job_id, position, remote_file_id, name, size, mime_type, content_hash, modified_at,
	status, attempts, last_error, created_at, updated_at`

// Insert adds item unless the job already holds the same remote file. It reports whether a row was written.
func (r *WorkItemRepository) Insert(ctx context.Context, item *models.WorkItem) (bool, error) {
	if item.ID == "" {
		item.ID = shared.GenerateID()
	}
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now

	query := `
		INSERT INTO work_items (id, job_id, position, remote_file_id, name, size, mime_type, content_hash,
			modified_at, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, remote_file_id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		item.ID,
		item.JobID,
		item.Position,
		item.RemoteFileID,
		item.Name,
		item.Size,
		item.MimeType,
		item.ContentHash,
		timeOrNil(item.ModifiedAt),
		string(item.Status),
		item.Attempts,
		item.LastError,
		now,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert work item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows > 0, nil
}

// Get returns an item of jobID.
func (r *WorkItemRepository) Get(ctx context.Context, jobID, id string) (*models.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE job_id = ? AND id = ?`
	item, err := scanWorkItem(r.db.QueryRowContext(ctx, query, jobID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", shared.ErrItemNotFound, id)
	}
	return item, err
}

// NextPending returns the pending item with the lowest position.
func (r *WorkItemRepository) NextPending(ctx context.Context, jobID string) (*models.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items
		WHERE job_id = ? AND status = ? ORDER BY position ASC LIMIT 1`
	item, err := scanWorkItem(r.db.QueryRowContext(ctx, query, jobID, string(models.WorkItemPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrQueueEmpty
	}
	return item, err
}

// MaxPosition returns the highest position used by jobID, or 0.
func (r *WorkItemRepository) MaxPosition(ctx context.Context, jobID string) (int64, error) {
	var pos int64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM work_items WHERE job_id = ?`, jobID).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue position: %w", err)
	}
	return pos, nil
}

// Transition moves an item from one status to another, recording attempts and error text.
// position, when non-zero, moves the item to that queue position.
func (r *WorkItemRepository) Transition(ctx context.Context, jobID, id string, from, to models.WorkItemStatus, attempts int, lastError string, position int64) error {
	query := `
		UPDATE work_items
		SET status = ?, attempts = ?, last_error = ?, position = CASE WHEN ? > 0 THEN ? ELSE position END, updated_at = ?
		WHERE job_id = ? AND id = ? AND status = ?
	`
	result, err := r.db.ExecContext(ctx, query, string(to), attempts, lastError, position, position, time.Now().UTC(), jobID, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s is not %s", shared.ErrItemNotFound, id, from)
	}
	return nil
}

// ResetStatus moves every item of jobID in status from back to to, returning the count.
func (r *WorkItemRepository) ResetStatus(ctx context.Context, jobID string, from, to models.WorkItemStatus) (int64, error) {
	result, err := r.db.ExecContext(ctx, `UPDATE work_items SET status = ?, updated_at = ? WHERE job_id = ? AND status = ?`,
		string(to), time.Now().UTC(), jobID, string(from))
	if err != nil {
		return 0, fmt.Errorf("failed to reset work items: %w", err)
	}
	return result.RowsAffected()
}

// CountByStatus returns per-status counts for jobID.
func (r *WorkItemRepository) CountByStatus(ctx context.Context, jobID string) (models.QueueStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("failed to count work items: %w", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.QueueStats{}, fmt.Errorf("failed to scan work item count: %w", err)
		}
		switch models.WorkItemStatus(status) {
		case models.WorkItemPending:
			stats.Pending = n
		case models.WorkItemInProgress:
			stats.InProgress = n
		case models.WorkItemCompleted:
			stats.Completed = n
		case models.WorkItemFailed:
			stats.Failed = n
		case models.WorkItemDeferred:
			stats.Deferred = n
		}
	}
	return stats, rows.Err()
}

// ListByStatus returns items of jobID in status ordered by position. An empty status lists all items.
func (r *WorkItemRepository) ListByStatus(ctx context.Context, jobID string, status models.WorkItemStatus) ([]*models.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE job_id = ?`
	args := []any{jobID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY position ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query work items: %w", err)
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return items, nil
}

func scanWorkItem(s scanner) (*models.WorkItem, error) {
	var item models.WorkItem
	var status string
	var modifiedAt sql.NullTime
	err := s.Scan(&item.ID, &item.JobID, &item.Position, &item.RemoteFileID, &item.Name, &item.Size, &item.MimeType,
		&item.ContentHash, &modifiedAt, &status, &item.Attempts, &item.LastError, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}
	item.Status = models.WorkItemStatus(status)
	item.ModifiedAt = fromNullTime(modifiedAt)
	return &item, nil
}
