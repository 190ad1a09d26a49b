package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/tapedeck/internal/conflicts"
	"github.com/desertthunder/tapedeck/internal/metadata"
	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/queue"
	"github.com/desertthunder/tapedeck/internal/repositories"
	"github.com/desertthunder/tapedeck/internal/services"
	"github.com/desertthunder/tapedeck/internal/shared"
)

// EventBus receives job events. Emit must not block for long.
type EventBus interface {
	Emit(ctx context.Context, e models.SyncEvent)
}

type nopBus struct{}

func (nopBus) Emit(context.Context, models.SyncEvent) {}

// RunOptions selects what a run does.
type RunOptions struct {
	ProfileID string
	// Incremental reads the provider change feed instead of listing everything. It falls back to
	// a full run when no change cursor is stored.
	Incremental bool
	// Resume continues an unfinished job of the profile instead of failing it as interrupted.
	Resume bool
}

// Coordinator sequences sync runs: session validation, discovery, filtering, enqueueing,
// processing, conflict resolution and finalization.
//
// At most one run per profile executes at a time. Runs for different profiles are independent.
type Coordinator struct {
	store        *repositories.Store
	auth         services.AuthManager
	providers    services.ProviderFactory
	processor    *metadata.Processor
	orchestrator *conflicts.Orchestrator

	providerID  string
	events      EventBus
	network     services.NetworkMonitor
	policy      services.NetworkPolicy
	filter      FileFilter
	timeout     time.Duration
	maxAttempts int
	logger      *log.Logger

	registry *registry
}

type Option func(*Coordinator)

// WithProviderID sets the provider jobs are created for. Sessions for another provider are rejected.
func WithProviderID(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.providerID = id
		}
	}
}

func WithEventBus(bus EventBus) Option {
	return func(c *Coordinator) {
		if bus != nil {
			c.events = bus
		}
	}
}

// WithNetwork enables the network check performed before a run touches any state.
func WithNetwork(monitor services.NetworkMonitor, policy services.NetworkPolicy) Option {
	return func(c *Coordinator) {
		c.network = monitor
		c.policy = policy
	}
}

func WithFileFilter(f FileFilter) Option {
	return func(c *Coordinator) { c.filter = f }
}

// WithTimeout bounds the wall-clock time of a run. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func WithMaxItemAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCoordinator(
	store *repositories.Store,
	auth services.AuthManager,
	providers services.ProviderFactory,
	processor *metadata.Processor,
	orchestrator *conflicts.Orchestrator,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:        store,
		auth:         auth,
		providers:    providers,
		processor:    processor,
		orchestrator: orchestrator,
		providerID:   services.DriveProviderID,
		events:       nopBus{},
		filter:       NewFileFilter(shared.DefaultConfig().Sync),
		maxAttempts:  queue.DefaultMaxAttempts,
		logger:       shared.NewNopLogger(),
		registry:     newRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes a sync for opts.ProfileID and returns the job in its terminal state.
//
// A cancelled run returns the cancelled job and a nil error. Failed runs return the job together
// with the failure. Exclusivity and network violations return before any job is created.
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (*models.SyncJob, error) {
	r, err := c.begin(ctx, opts.ProfileID, func(ctx context.Context) (*models.SyncJob, bool, error) {
		return c.claimJob(ctx, opts)
	})
	if err != nil {
		return nil, err
	}
	return r.execute()
}

// Start launches a run in the background and returns a snapshot of its job.
// The run outlives ctx; stop it with [Coordinator.Cancel].
func (c *Coordinator) Start(ctx context.Context, opts RunOptions) (*models.SyncJob, error) {
	r, err := c.begin(context.WithoutCancel(ctx), opts.ProfileID, func(ctx context.Context) (*models.SyncJob, bool, error) {
		return c.claimJob(ctx, opts)
	})
	if err != nil {
		return nil, err
	}

	snapshot, err := models.RestoreSyncJob(r.job.Snapshot())
	if err != nil {
		r.abandon()
		return nil, err
	}
	go r.execute()
	return snapshot, nil
}

// Resume continues the unfinished job jobID from its stored cursor and queue.
func (c *Coordinator) Resume(ctx context.Context, jobID string) (*models.SyncJob, error) {
	job, err := c.store.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.IsActive() {
		return nil, fmt.Errorf("%w: job %s is %s", shared.ErrJobNotResumable, jobID, job.Status())
	}

	r, err := c.begin(ctx, job.ProfileID, func(context.Context) (*models.SyncJob, bool, error) {
		return job, true, nil
	})
	if err != nil {
		return nil, err
	}
	return r.execute()
}

// Cancel requests cancellation of the profile's running job and returns its id. The run stops at
// the next item boundary.
func (c *Coordinator) Cancel(profileID string) (string, error) {
	jobID, ok := c.registry.cancel(profileID, shared.ErrCancelled)
	if !ok {
		return "", fmt.Errorf("%w: no sync running for profile %s", shared.ErrNotFound, profileID)
	}
	c.logger.Info("cancellation requested", "profile_id", profileID, "job_id", jobID)
	return jobID, nil
}

// Wait blocks until the profile has no running job or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, profileID string) error {
	done := c.registry.done(profileID)
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active lists the runs in flight, ordered by profile.
func (c *Coordinator) Active() []ActiveRun {
	return c.registry.list()
}

// CancelOrphan marks an unfinished job left by a dead process as cancelled. Jobs running in this
// process must be cancelled with [Coordinator.Cancel].
func (c *Coordinator) CancelOrphan(ctx context.Context, jobID string) (*models.SyncJob, error) {
	job, err := c.store.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, run := range c.registry.list() {
		if run.JobID == jobID {
			return nil, &SyncInProgressError{ProfileID: run.ProfileID, JobID: jobID}
		}
	}
	if err := job.Cancel(); err != nil {
		return nil, err
	}
	if err := c.store.Jobs.Save(ctx, job); err != nil {
		return nil, err
	}
	c.events.Emit(ctx, models.CancelledEvent(job))
	return job, nil
}

func (c *Coordinator) checkNetwork(ctx context.Context) error {
	if c.network == nil {
		return nil
	}
	info, err := c.network.NetworkInfo(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrNetworkUnavailable, err)
	}
	return c.policy.Check(info)
}

// begin reserves the profile, checks the network and obtains the job from claim. Every failure
// releases the reservation, so nothing is left behind when begin returns an error.
func (c *Coordinator) begin(
	ctx context.Context,
	profileID string,
	claim func(context.Context) (*models.SyncJob, bool, error),
) (*syncRun, error) {
	if profileID == "" {
		return nil, fmt.Errorf("%w: profile id", shared.ErrMissingArgument)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	entry, err := c.registry.reserve(profileID, cancel)
	if err != nil {
		cancel(nil)
		return nil, err
	}

	fail := func(err error) (*syncRun, error) {
		c.registry.release(entry)
		cancel(nil)
		return nil, err
	}

	if err := c.checkNetwork(ctx); err != nil {
		c.logger.Warn("network check failed, sync not started", "profile_id", profileID, "err", err)
		return fail(err)
	}

	job, resumed, err := claim(ctx)
	if err != nil {
		return fail(err)
	}
	c.registry.bind(entry, job.ID)

	stop := func() {}
	if c.timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, c.timeout,
			fmt.Errorf("%w: sync exceeded %s", shared.ErrTimeout, c.timeout))
		stop = cancelTimeout
	}

	r := &syncRun{
		c:       c,
		ctx:     runCtx,
		job:     job,
		entry:   entry,
		resumed: resumed,
		stop: func() {
			stop()
			cancel(nil)
		},
		logger: shared.WithLogger(c.logger, "job_id", job.ID, "profile_id", profileID),
	}

	if job.Status() == models.StatusPending {
		if err := job.Start(); err != nil {
			r.stop()
			return fail(err)
		}
		if err := c.store.Jobs.Save(ctx, job); err != nil {
			r.stop()
			return fail(err)
		}
		c.events.Emit(ctx, models.StartedEvent(job))
	}
	r.logger.Info("sync started", "type", job.SyncType, "resumed", resumed)
	return r, nil
}

// claimJob deals with an unfinished job left by an earlier process and creates a new one
// unless that job is being resumed.
func (c *Coordinator) claimJob(ctx context.Context, opts RunOptions) (*models.SyncJob, bool, error) {
	orphan, err := c.store.Jobs.FindActiveByProfile(ctx, opts.ProfileID)
	switch {
	case err == nil && opts.Resume:
		return orphan, true, nil
	case err == nil:
		if err := orphan.Fail("interrupted", map[string]any{"reason": "superseded by a new run"}); err != nil {
			return nil, false, err
		}
		if err := c.store.Jobs.Save(ctx, orphan); err != nil {
			return nil, false, err
		}
		c.events.Emit(ctx, models.FailedEvent(orphan))
		c.logger.Warn("failed interrupted job", "job_id", orphan.ID, "profile_id", opts.ProfileID)
	case !errors.Is(err, shared.ErrNotFound):
		return nil, false, err
	}

	syncType := models.SyncTypeFull
	if opts.Incremental {
		cursor, err := c.store.Cursors.Get(ctx, opts.ProfileID, c.providerID)
		switch {
		case err == nil && cursor.ChangeCursor != "":
			syncType = models.SyncTypeIncremental
		case err == nil || errors.Is(err, shared.ErrNotFound):
			c.logger.Info("no change cursor stored, running a full sync", "profile_id", opts.ProfileID)
		default:
			return nil, false, err
		}
	}

	job := models.NewSyncJob(opts.ProfileID, c.providerID, syncType)
	if err := c.store.Jobs.Create(ctx, job); err != nil {
		return nil, false, err
	}
	return job, false, nil
}
