package models

import (
	"time"
)

// WorkItemStatus is the queue state of a [WorkItem].
type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "pending"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemCompleted  WorkItemStatus = "completed"
	WorkItemFailed     WorkItemStatus = "failed"
	// WorkItemDeferred marks a rename candidate: recorded for the job but
	// handed to conflict resolution instead of the processor.
	WorkItemDeferred WorkItemStatus = "deferred"
)

// WorkItem is one remote file discovered during a sync pass.
type WorkItem struct {
	ID           string
	JobID        string
	Position     int64
	RemoteFileID string
	Name         string
	Size         int64
	MimeType     string
	ContentHash  string
	ModifiedAt   time.Time
	Status       WorkItemStatus
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// QueueStats counts a job's work items per status.
type QueueStats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Deferred   int `json:"deferred"`
}

func (s QueueStats) Total() int {
	return s.Pending + s.InProgress + s.Completed + s.Failed + s.Deferred
}
