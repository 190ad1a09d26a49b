package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/desertthunder/tapedeck/internal/shared"
)

// SyncInProgressError is returned when a profile already has a job running in this process.
type SyncInProgressError struct {
	ProfileID string
	JobID     string
}

func (e *SyncInProgressError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("sync already in progress for profile %s", e.ProfileID)
	}
	return fmt.Sprintf("sync already in progress for profile %s (job %s)", e.ProfileID, e.JobID)
}

func (e *SyncInProgressError) Unwrap() error {
	return shared.ErrSyncInProgress
}

// ActiveRun describes a job the coordinator is executing.
type ActiveRun struct {
	ProfileID string    `json:"profile_id"`
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
}

type runEntry struct {
	profileID string
	jobID     string
	startedAt time.Time
	cancel    context.CancelCauseFunc
	done      chan struct{}
}

// registry maps profile ids to their in-flight run. The lock only guards map and entry fields
// and is never held while calling out.
type registry struct {
	mu   sync.Mutex
	runs map[string]*runEntry
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*runEntry)}
}

// reserve claims profileID. It fails when a run already holds it.
func (r *registry) reserve(profileID string, cancel context.CancelCauseFunc) (*runEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.runs[profileID]; ok {
		return nil, &SyncInProgressError{ProfileID: profileID, JobID: existing.jobID}
	}
	e := &runEntry{
		profileID: profileID,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.runs[profileID] = e
	return e, nil
}

func (r *registry) bind(e *runEntry, jobID string) {
	r.mu.Lock()
	e.jobID = jobID
	r.mu.Unlock()
}

// release removes e and wakes waiters. Releasing twice is a no-op.
func (r *registry) release(e *runEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[e.profileID] != e {
		return
	}
	delete(r.runs, e.profileID)
	close(e.done)
}

// cancel fires the run's cancellation with cause and returns its job id.
func (r *registry) cancel(profileID string, cause error) (string, bool) {
	r.mu.Lock()
	e, ok := r.runs[profileID]
	var jobID string
	var cancel context.CancelCauseFunc
	if ok {
		jobID, cancel = e.jobID, e.cancel
	}
	r.mu.Unlock()

	if !ok {
		return "", false
	}
	cancel(cause)
	return jobID, true
}

func (r *registry) done(profileID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[profileID]; ok {
		return e.done
	}
	return nil
}

func (r *registry) list() []ActiveRun {
	r.mu.Lock()
	out := make([]ActiveRun, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, ActiveRun{ProfileID: e.profileID, JobID: e.jobID, StartedAt: e.startedAt})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}
