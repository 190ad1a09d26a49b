package models

import (
	"time"

	"github.com/desertthunder/tapedeck/internal/shared"
)

// SyncEventKind names a [SyncEvent].
type SyncEventKind string

const (
	EventStarted   SyncEventKind = "started"
	EventProgress  SyncEventKind = "progress"
	EventCompleted SyncEventKind = "completed"
	EventFailed    SyncEventKind = "failed"
	EventCancelled SyncEventKind = "cancelled"
)

// IsTerminal reports whether the event closes a job.
func (k SyncEventKind) IsTerminal() bool {
	return k == EventCompleted || k == EventFailed || k == EventCancelled
}

// SyncEvent is broadcast while a job runs. Delivery is best effort; the
// persisted job is the source of truth for terminal status.
type SyncEvent struct {
	ID        string                   `json:"id"`
	Kind      SyncEventKind            `json:"kind"`
	JobID     string                   `json:"job_id"`
	ProfileID string                   `json:"profile_id"`
	Progress  *SyncProgress            `json:"progress,omitempty"`
	Conflicts *ConflictResolutionStats `json:"conflicts,omitempty"`
	Stats     *SyncJobStats            `json:"stats,omitempty"`
	Message   string                   `json:"message,omitempty"`
	Details   map[string]any           `json:"details,omitempty"`
	At        time.Time                `json:"at"`
}

func newEvent(kind SyncEventKind, job *SyncJob) SyncEvent {
	progress := job.Progress()
	return SyncEvent{
		ID:        shared.GenerateID(),
		Kind:      kind,
		JobID:     job.ID,
		ProfileID: job.ProfileID,
		Progress:  &progress,
		At:        time.Now().UTC(),
	}
}

func StartedEvent(job *SyncJob) SyncEvent {
	return newEvent(EventStarted, job)
}

func ProgressEvent(job *SyncJob) SyncEvent {
	return newEvent(EventProgress, job)
}

// ConflictPhaseEvent reports a finished conflict resolution phase.
func ConflictPhaseEvent(job *SyncJob, phase Phase, stats ConflictResolutionStats) SyncEvent {
	e := newEvent(EventProgress, job)
	e.Progress.Phase = phase
	e.Conflicts = &stats
	return e
}

func CompletedEvent(job *SyncJob) SyncEvent {
	e := newEvent(EventCompleted, job)
	e.Stats = job.Stats()
	return e
}

func FailedEvent(job *SyncJob) SyncEvent {
	e := newEvent(EventFailed, job)
	e.Message = job.ErrorMessage()
	e.Details = job.ErrorDetails()
	return e
}

func CancelledEvent(job *SyncJob) SyncEvent {
	e := newEvent(EventCancelled, job)
	e.Message = job.ErrorMessage()
	return e
}
