// Package queue implements the scan queue: a persisted, resumable FIFO of the work items
// discovered for one sync job.
//
// The queue has a single consumer per job. Persistence exists so a crash mid-run does not
// lose the discovered set; [Open] returns items left in progress by a crashed run to the
// pending state.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/shared"
)

// Store is the persistence the queue needs. [repositories.WorkItemRepository] implements it.
type Store interface {
	Insert(ctx context.Context, item *models.WorkItem) (bool, error)
	Get(ctx context.Context, jobID, id string) (*models.WorkItem, error)
	NextPending(ctx context.Context, jobID string) (*models.WorkItem, error)
	MaxPosition(ctx context.Context, jobID string) (int64, error)
	Transition(ctx context.Context, jobID, id string, from, to models.WorkItemStatus, attempts int, lastError string, position int64) error
	ResetStatus(ctx context.Context, jobID string, from, to models.WorkItemStatus) (int64, error)
	CountByStatus(ctx context.Context, jobID string) (models.QueueStats, error)
	ListByStatus(ctx context.Context, jobID string, status models.WorkItemStatus) ([]*models.WorkItem, error)
}

// DefaultMaxAttempts bounds how often a failing item is retried.
const DefaultMaxAttempts = 3

// ScanQueue is the work queue of a single job.
type ScanQueue struct {
	store       Store
	jobID       string
	maxAttempts int
	retryable   func(error) bool
	logger      *log.Logger

	mu       sync.Mutex
	closed   bool
	position int64
}

// Option configures a [ScanQueue].
type Option func(*ScanQueue)

// WithMaxAttempts sets the attempt budget per item. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(q *ScanQueue) {
		if n >= 1 {
			q.maxAttempts = n
		}
	}
}

// WithRetryable decides which failures are re-queued while attempts remain.
func WithRetryable(fn func(error) bool) Option {
	return func(q *ScanQueue) {
		if fn != nil {
			q.retryable = fn
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(q *ScanQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// DefaultRetryable retries timeouts and provider failures.
func DefaultRetryable(err error) bool {
	return errors.Is(err, shared.ErrTimeout) || errors.Is(err, shared.ErrProviderRequest)
}

// Open binds a queue to jobID, resetting items a previous run left in progress.
func Open(ctx context.Context, store Store, jobID string, opts ...Option) (*ScanQueue, error) {
	q := &ScanQueue{
		store:       store,
		jobID:       jobID,
		maxAttempts: DefaultMaxAttempts,
		retryable:   DefaultRetryable,
		logger:      shared.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = shared.WithLogger(q.logger, "job_id", jobID)

	reset, err := store.ResetStatus(ctx, jobID, models.WorkItemInProgress, models.WorkItemPending)
	if err != nil {
		return nil, fmt.Errorf("failed to recover in-progress items: %w", err)
	}
	if reset > 0 {
		q.logger.Info("requeued interrupted items", "count", reset)
	}

	if q.position, err = store.MaxPosition(ctx, jobID); err != nil {
		return nil, err
	}
	return q, nil
}

// JobID returns the job this queue belongs to.
func (q *ScanQueue) JobID() string {
	return q.jobID
}

// Close makes every later call fail with [shared.ErrQueueClosed].
func (q *ScanQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *ScanQueue) checkOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%w: job %s", shared.ErrQueueClosed, q.jobID)
	}
	return nil
}

func (q *ScanQueue) nextPosition() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.position++
	return q.position
}

// Enqueue appends item at the tail. Items with status [models.WorkItemDeferred] keep it;
// everything else enters as pending. Re-enqueueing a remote file the job already holds is a
// no-op and reports false.
func (q *ScanQueue) Enqueue(ctx context.Context, item *models.WorkItem) (bool, error) {
	if err := q.checkOpen(); err != nil {
		return false, err
	}

	item.JobID = q.jobID
	item.Position = q.nextPosition()
	item.Attempts = 0
	item.LastError = ""
	if item.Status != models.WorkItemDeferred {
		item.Status = models.WorkItemPending
	}

	inserted, err := q.store.Insert(ctx, item)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s: %w", item.RemoteFileID, err)
	}
	return inserted, nil
}

// Dequeue returns the oldest pending item and marks it in progress.
// It returns [shared.ErrQueueEmpty] when nothing is pending.
func (q *ScanQueue) Dequeue(ctx context.Context) (*models.WorkItem, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	item, err := q.store.NextPending(ctx, q.jobID)
	if err != nil {
		return nil, err
	}

	if err := q.store.Transition(ctx, q.jobID, item.ID, models.WorkItemPending, models.WorkItemInProgress,
		item.Attempts, item.LastError, 0); err != nil {
		return nil, err
	}
	item.Status = models.WorkItemInProgress
	return item, nil
}

// MarkComplete finishes an in-progress item.
func (q *ScanQueue) MarkComplete(ctx context.Context, id string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}

	item, err := q.store.Get(ctx, q.jobID, id)
	if err != nil {
		return err
	}
	return q.store.Transition(ctx, q.jobID, id, models.WorkItemInProgress, models.WorkItemCompleted, item.Attempts, "", 0)
}

// MarkFailed records a failed attempt. The item goes back to the tail of the queue while
// attempts remain and cause is retryable; otherwise it is terminally failed.
func (q *ScanQueue) MarkFailed(ctx context.Context, id string, cause error) (bool, error) {
	if err := q.checkOpen(); err != nil {
		return false, err
	}

	item, err := q.store.Get(ctx, q.jobID, id)
	if err != nil {
		return false, err
	}

	attempts := item.Attempts + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if attempts < q.maxAttempts && cause != nil && q.retryable(cause) {
		if err := q.store.Transition(ctx, q.jobID, id, models.WorkItemInProgress, models.WorkItemPending,
			attempts, msg, q.nextPosition()); err != nil {
			return false, err
		}
		q.logger.Debug("requeued failed item", "item", item.RemoteFileID, "attempts", attempts)
		return true, nil
	}

	if err := q.store.Transition(ctx, q.jobID, id, models.WorkItemInProgress, models.WorkItemFailed, attempts, msg, 0); err != nil {
		return false, err
	}
	return false, nil
}

// Release returns an in-progress item to pending without spending an attempt.
func (q *ScanQueue) Release(ctx context.Context, id string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	item, err := q.store.Get(ctx, q.jobID, id)
	if err != nil {
		return err
	}
	return q.store.Transition(ctx, q.jobID, id, models.WorkItemInProgress, models.WorkItemPending, item.Attempts, item.LastError, 0)
}

// Requeue moves a deferred item to the tail of the pending queue.
func (q *ScanQueue) Requeue(ctx context.Context, id string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	return q.store.Transition(ctx, q.jobID, id, models.WorkItemDeferred, models.WorkItemPending, 0, "", q.nextPosition())
}

// Stats counts items per status.
func (q *ScanQueue) Stats(ctx context.Context) (models.QueueStats, error) {
	if err := q.checkOpen(); err != nil {
		return models.QueueStats{}, err
	}
	return q.store.CountByStatus(ctx, q.jobID)
}

// PendingCount returns the number of pending items.
func (q *ScanQueue) PendingCount(ctx context.Context) (int, error) {
	stats, err := q.Stats(ctx)
	return stats.Pending, err
}

// InProgressCount returns the number of in-progress items.
func (q *ScanQueue) InProgressCount(ctx context.Context) (int, error) {
	stats, err := q.Stats(ctx)
	return stats.InProgress, err
}

func (q *ScanQueue) list(ctx context.Context, status models.WorkItemStatus) ([]*models.WorkItem, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	return q.store.ListByStatus(ctx, q.jobID, status)
}

func (q *ScanQueue) ListPending(ctx context.Context) ([]*models.WorkItem, error) {
	return q.list(ctx, models.WorkItemPending)
}

func (q *ScanQueue) ListInProgress(ctx context.Context) ([]*models.WorkItem, error) {
	return q.list(ctx, models.WorkItemInProgress)
}

func (q *ScanQueue) ListDeferred(ctx context.Context) ([]*models.WorkItem, error) {
	return q.list(ctx, models.WorkItemDeferred)
}

func (q *ScanQueue) ListFailed(ctx context.Context) ([]*models.WorkItem, error) {
	return q.list(ctx, models.WorkItemFailed)
}

// Items returns every item of the job in queue order, whatever its status.
func (q *ScanQueue) Items(ctx context.Context) ([]*models.WorkItem, error) {
	return q.list(ctx, "")
}
