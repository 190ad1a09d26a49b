package models

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/goccy/go-json"

	"github.com/desertthunder/tapedeck/internal/shared"
)

// SyncStatus is the state of a [SyncJob].
type SyncStatus int

const (
	StatusPending SyncStatus = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s SyncStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is absorbing.
func (s SyncStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseSyncStatus parses the persisted form of a status.
func ParseSyncStatus(s string) (SyncStatus, error) {
	for _, st := range []SyncStatus{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
		if st.String() == s {
			return st, nil
		}
	}
	return StatusPending, fmt.Errorf("%w: unknown sync status %q", shared.ErrInvalidInput, s)
}

// SyncType selects between a full listing and a change-feed pass.
type SyncType int

const (
	SyncTypeFull SyncType = iota
	SyncTypeIncremental
)

func (t SyncType) String() string {
	if t == SyncTypeIncremental {
		return "incremental"
	}
	return "full"
}

func ParseSyncType(s string) (SyncType, error) {
	switch s {
	case "full":
		return SyncTypeFull, nil
	case "incremental":
		return SyncTypeIncremental, nil
	}
	return SyncTypeFull, fmt.Errorf("%w: unknown sync type %q", shared.ErrInvalidInput, s)
}

// transitions is the complete transition table. Terminal states have no entry.
var transitions = map[SyncStatus][]SyncStatus{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to SyncStatus) bool {
	return slices.Contains(transitions[from], to)
}

// InvalidStateTransitionError is returned by every [SyncJob] method whose precondition does not hold.
// The job is left unchanged.
type InvalidStateTransitionError struct {
	From   SyncStatus
	To     SyncStatus
	Reason string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s: %s", e.From, e.To, e.Reason)
}

func (e *InvalidStateTransitionError) Unwrap() error {
	return shared.ErrInvalidStateTransition
}

// SyncProgress is a point-in-time view of a running job.
type SyncProgress struct {
	Discovered int     `json:"discovered"`
	Processed  int     `json:"processed"`
	Failed     int     `json:"failed"`
	Percent    float64 `json:"percent"`
	Phase      Phase   `json:"phase"`
}

// SyncJobStats is recorded when a job completes.
type SyncJobStats struct {
	ItemsDiscovered    int           `json:"items_discovered"`
	ItemsAdded         int           `json:"items_added"`
	ItemsUpdated       int           `json:"items_updated"`
	ItemsSkipped       int           `json:"items_skipped"`
	ItemsFailed        int           `json:"items_failed"`
	DuplicatesDetected int           `json:"duplicates_detected"`
	DuplicatesResolved int           `json:"duplicates_resolved"`
	RenamesResolved    int           `json:"renames_resolved"`
	DeletionsSoft      int           `json:"deletions_soft"`
	DeletionsHard      int           `json:"deletions_hard"`
	SpaceReclaimed     int64         `json:"space_reclaimed"`
	BytesDownloaded    int64         `json:"bytes_downloaded"`
	Duration           time.Duration `json:"duration"`
}

// ApplyConflicts copies conflict resolution counters into s.
func (s *SyncJobStats) ApplyConflicts(c ConflictResolutionStats) {
	s.DuplicatesDetected = c.DuplicatesDetected
	s.DuplicatesResolved = c.DuplicatesResolved
	s.RenamesResolved = c.RenamesResolved
	s.DeletionsSoft = c.DeletionsSoft
	s.DeletionsHard = c.DeletionsHard
	s.SpaceReclaimed = c.SpaceReclaimed
}

// SyncJob is the state machine and progress record of one sync run.
//
// Status, progress, stats, cursor and error fields only change through the transition
// methods, which validate the current state against the transition table first.
type SyncJob struct {
	ID         string
	ProfileID  string
	ProviderID string
	SyncType   SyncType
	CreatedAt  time.Time
	UpdatedAt  time.Time

	status        SyncStatus
	progress      SyncProgress
	stats         *SyncJobStats
	cursor        string
	discoveryDone bool
	errorMessage  string
	errorDetails  map[string]any
	startedAt     *time.Time
	completedAt   *time.Time
}

// NewSyncJob creates a pending job with a generated ID.
func NewSyncJob(profileID, providerID string, syncType SyncType) *SyncJob {
	now := time.Now().UTC()
	return &SyncJob{
		ID:         shared.GenerateID(),
		ProfileID:  profileID,
		ProviderID: providerID,
		SyncType:   syncType,
		CreatedAt:  now,
		UpdatedAt:  now,
		status:     StatusPending,
		progress:   SyncProgress{Phase: PhaseIdle},
	}
}

func (j *SyncJob) Status() SyncStatus      { return j.status }
func (j *SyncJob) Progress() SyncProgress  { return j.progress }
func (j *SyncJob) Cursor() string          { return j.cursor }
func (j *SyncJob) DiscoveryComplete() bool { return j.discoveryDone }
func (j *SyncJob) ErrorMessage() string    { return j.errorMessage }
func (j *SyncJob) StartedAt() *time.Time   { return j.startedAt }
func (j *SyncJob) CompletedAt() *time.Time { return j.completedAt }
func (j *SyncJob) IsActive() bool          { return !j.status.IsTerminal() }

// Stats returns a copy of the completion stats, or nil before completion.
func (j *SyncJob) Stats() *SyncJobStats {
	if j.stats == nil {
		return nil
	}
	s := *j.stats
	return &s
}

// ErrorDetails returns a copy of the failure detail payload.
func (j *SyncJob) ErrorDetails() map[string]any {
	return maps.Clone(j.errorDetails)
}

// Validate checks the identity fields.
func (j *SyncJob) Validate() error {
	if j.ID == "" || j.ProfileID == "" || j.ProviderID == "" {
		return fmt.Errorf("%w: sync job id, profile and provider are required", shared.ErrInvalidInput)
	}
	return nil
}

func (j *SyncJob) transition(to SyncStatus) error {
	if CanTransition(j.status, to) {
		return nil
	}
	reason := fmt.Sprintf("%s is not reachable from %s", to, j.status)
	if j.status.IsTerminal() {
		reason = fmt.Sprintf("job is already %s", j.status)
	}
	return &InvalidStateTransitionError{From: j.status, To: to, Reason: reason}
}

func (j *SyncJob) requireRunning(op string) error {
	if j.status == StatusRunning {
		return nil
	}
	return &InvalidStateTransitionError{
		From:   j.status,
		To:     j.status,
		Reason: op + " requires a running job",
	}
}

func (j *SyncJob) touch() time.Time {
	now := time.Now().UTC()
	j.UpdatedAt = now
	return now
}

// Start moves a pending job to running and stamps started_at.
func (j *SyncJob) Start() error {
	if err := j.transition(StatusRunning); err != nil {
		return err
	}
	now := j.touch()
	j.status = StatusRunning
	j.startedAt = &now
	return nil
}

// Complete stores stats, sets progress to 100% and stamps completed_at.
func (j *SyncJob) Complete(stats SyncJobStats) error {
	if err := j.transition(StatusCompleted); err != nil {
		return err
	}
	now := j.touch()
	j.status = StatusCompleted
	j.stats = &stats
	j.progress.Percent = 100
	j.progress.Phase = PhaseDone
	j.completedAt = &now
	return nil
}

// Fail records message and details and stamps completed_at.
func (j *SyncJob) Fail(message string, details map[string]any) error {
	if err := j.transition(StatusFailed); err != nil {
		return err
	}
	now := j.touch()
	j.status = StatusFailed
	j.errorMessage = message
	j.errorDetails = maps.Clone(details)
	j.completedAt = &now
	return nil
}

// Cancel stamps completed_at and records the progress at the moment of cancellation.
func (j *SyncJob) Cancel() error {
	if err := j.transition(StatusCancelled); err != nil {
		return err
	}
	now := j.touch()
	j.status = StatusCancelled
	j.errorMessage = shared.ErrCancelled.Error()
	j.errorDetails = map[string]any{
		"processed": j.progress.Processed,
		"phase":     j.progress.Phase.String(),
	}
	j.completedAt = &now
	return nil
}

// UpdateProgress records counters and phase. Percent is derived from processed+failed over discovered.
func (j *SyncJob) UpdateProgress(discovered, processed, failed int, phase Phase) error {
	if err := j.requireRunning("update_progress"); err != nil {
		return err
	}
	if discovered < 0 || processed < 0 || failed < 0 {
		return fmt.Errorf("%w: negative progress counters", shared.ErrInvalidInput)
	}
	j.touch()
	j.progress = SyncProgress{
		Discovered: discovered,
		Processed:  processed,
		Failed:     failed,
		Percent:    percent(processed+failed, discovered),
		Phase:      phase,
	}
	return nil
}

// SetPhase changes only the phase of a running job.
func (j *SyncJob) SetPhase(phase Phase) error {
	if err := j.requireRunning("set_phase"); err != nil {
		return err
	}
	j.touch()
	j.progress.Phase = phase
	return nil
}

// UpdateCursor stores the discovery resume token.
func (j *SyncJob) UpdateCursor(cursor string) error {
	if err := j.requireRunning("update_cursor"); err != nil {
		return err
	}
	j.touch()
	j.cursor = cursor
	return nil
}

// MarkDiscoveryComplete records that every page has been listed and enqueued.
func (j *SyncJob) MarkDiscoveryComplete() error {
	if err := j.requireRunning("mark_discovery_complete"); err != nil {
		return err
	}
	j.touch()
	j.discoveryDone = true
	return nil
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) / float64(total) * 100
	// 100% is reserved for completion
	return min(p, 99.9)
}

// SyncJobSnapshot is the flat, serializable form of a [SyncJob].
type SyncJobSnapshot struct {
	ID                string         `json:"id"`
	ProfileID         string         `json:"profile_id"`
	ProviderID        string         `json:"provider_id"`
	SyncType          string         `json:"sync_type"`
	Status            string         `json:"status"`
	Progress          SyncProgress   `json:"progress"`
	Stats             *SyncJobStats  `json:"stats,omitempty"`
	Cursor            string         `json:"cursor"`
	DiscoveryComplete bool           `json:"discovery_complete"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	ErrorDetails      map[string]any `json:"error_details,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// Snapshot captures every field of j.
func (j *SyncJob) Snapshot() SyncJobSnapshot {
	return SyncJobSnapshot{
		ID:                j.ID,
		ProfileID:         j.ProfileID,
		ProviderID:        j.ProviderID,
		SyncType:          j.SyncType.String(),
		Status:            j.status.String(),
		Progress:          j.progress,
		Stats:             j.Stats(),
		Cursor:            j.cursor,
		DiscoveryComplete: j.discoveryDone,
		ErrorMessage:      j.errorMessage,
		ErrorDetails:      j.ErrorDetails(),
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
		StartedAt:         j.startedAt,
		CompletedAt:       j.completedAt,
	}
}

// RestoreSyncJob rebuilds a job from storage without replaying transitions.
func RestoreSyncJob(s SyncJobSnapshot) (*SyncJob, error) {
	status, err := ParseSyncStatus(s.Status)
	if err != nil {
		return nil, err
	}
	syncType, err := ParseSyncType(s.SyncType)
	if err != nil {
		return nil, err
	}

	j := &SyncJob{
		ID:            s.ID,
		ProfileID:     s.ProfileID,
		ProviderID:    s.ProviderID,
		SyncType:      syncType,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		status:        status,
		progress:      s.Progress,
		cursor:        s.Cursor,
		discoveryDone: s.DiscoveryComplete,
		errorMessage:  s.ErrorMessage,
		errorDetails:  maps.Clone(s.ErrorDetails),
		startedAt:     s.StartedAt,
		completedAt:   s.CompletedAt,
	}
	if s.Stats != nil {
		stats := *s.Stats
		j.stats = &stats
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *SyncJob) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.Snapshot())
}

func (j *SyncJob) UnmarshalJSON(data []byte) error {
	var s SyncJobSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	restored, err := RestoreSyncJob(s)
	if err != nil {
		return err
	}
	*j = *restored
	return nil
}
