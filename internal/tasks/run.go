package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/tapedeck/internal/conflicts"
	"github.com/desertthunder/tapedeck/internal/metadata"
	"github.com/desertthunder/tapedeck/internal/metrics"
	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/queue"
	"github.com/desertthunder/tapedeck/internal/repositories"
	"github.com/desertthunder/tapedeck/internal/services"
	"github.com/desertthunder/tapedeck/internal/shared"
)

// syncRun is the state of one executing job. Only its own goroutine touches it.
type syncRun struct {
	c       *Coordinator
	ctx     context.Context
	job     *models.SyncJob
	entry   *runEntry
	resumed bool
	stop    func()
	logger  *log.Logger

	provider services.StorageProvider
	queue    *queue.ScanQueue
	stats    models.SyncJobStats
	filtered int

	// removed collects file ids the change feed reported gone.
	removed []string
	// changeCursor is stored on completion as the start of the next incremental run.
	changeCursor string
}

// bg is used for writes that must land even after the run was cancelled.
func (r *syncRun) bg() context.Context {
	return context.WithoutCancel(r.ctx)
}

// abandon releases a run that will never execute.
func (r *syncRun) abandon() {
	r.stop()
	r.c.registry.release(r.entry)
}

func (r *syncRun) execute() (*models.SyncJob, error) {
	defer r.c.registry.release(r.entry)
	defer r.stop()

	metrics.TrackActiveSync(true)
	defer metrics.TrackActiveSync(false)

	start := time.Now()
	err := r.pipeline()
	return r.finish(err, time.Since(start))
}

func (r *syncRun) pipeline() error {
	if err := r.validateSession(); err != nil {
		return err
	}

	q, err := queue.Open(r.ctx, r.c.store.WorkItems, r.job.ID,
		queue.WithMaxAttempts(r.c.maxAttempts),
		queue.WithLogger(r.c.logger),
	)
	if err != nil {
		return err
	}
	r.queue = q

	if !r.job.DiscoveryComplete() {
		if err := r.discover(); err != nil {
			return err
		}
	}
	if err := r.process(); err != nil {
		return err
	}
	if err := r.resolveConflicts(); err != nil {
		return err
	}
	return r.report(models.PhaseFinalizing)
}

func (r *syncRun) validateSession() error {
	if err := r.report(models.PhaseValidating); err != nil {
		return err
	}

	session, err := r.c.auth.CurrentSession(r.ctx, r.job.ProfileID)
	if err != nil {
		return fmt.Errorf("failed to validate session: %w", err)
	}
	if session.ProviderID != r.job.ProviderID {
		return fmt.Errorf("%w: session is for provider %s, job for %s", shared.ErrSessionInvalid, session.ProviderID, r.job.ProviderID)
	}

	provider, err := r.c.providers(r.ctx, session)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	r.provider = provider
	return nil
}

func (r *syncRun) discover() error {
	if err := r.report(models.PhaseDiscovering); err != nil {
		return err
	}

	var err error
	if r.job.SyncType == models.SyncTypeIncremental {
		err = r.discoverChanges()
	} else {
		err = r.discoverAll()
	}
	if err != nil {
		return err
	}

	if err := r.job.MarkDiscoveryComplete(); err != nil {
		return err
	}
	if err := r.report(models.PhaseEnqueueing); err != nil {
		return err
	}
	r.logger.Info("discovery finished", "discovered", r.job.Progress().Discovered, "filtered", r.filtered)
	return nil
}

// discoverAll pages through the full listing, resuming from the job's cursor.
func (r *syncRun) discoverAll() error {
	if src, ok := r.provider.(services.ChangeCursorSource); ok && !r.resumed {
		token, err := src.StartCursor(r.ctx)
		if err != nil {
			r.logger.Warn("failed to read change cursor, next run will be full", "err", err)
		}
		r.changeCursor = token
	}

	cursor := r.job.Cursor()
	for {
		if err := r.ctx.Err(); err != nil {
			return err
		}

		page, err := r.provider.ListMedia(r.ctx, cursor)
		if err != nil {
			return fmt.Errorf("failed to list media: %w", err)
		}
		if err := r.enqueue(page.Files); err != nil {
			return err
		}
		if err := r.advance(page.NextCursor); err != nil {
			return err
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// discoverChanges pages through the change feed from the job's cursor or the stored one.
func (r *syncRun) discoverChanges() error {
	cursor := r.job.Cursor()
	if cursor == "" {
		stored, err := r.c.store.Cursors.Get(r.ctx, r.job.ProfileID, r.job.ProviderID)
		if err != nil {
			return fmt.Errorf("failed to load change cursor: %w", err)
		}
		cursor = stored.ChangeCursor
	}

	for {
		if err := r.ctx.Err(); err != nil {
			return err
		}

		set, err := r.provider.GetChanges(r.ctx, cursor)
		if err != nil {
			return fmt.Errorf("failed to read changes: %w", err)
		}
		if err := r.enqueue(set.Changed); err != nil {
			return err
		}
		r.removed = append(r.removed, set.Removed...)
		if set.NewStartCursor != "" {
			r.changeCursor = set.NewStartCursor
		}
		if err := r.advance(set.NextCursor); err != nil {
			return err
		}
		if set.NextCursor == "" {
			return nil
		}
		cursor = set.NextCursor
	}
}

// advance records the cursor of the next page and publishes discovery progress.
func (r *syncRun) advance(next string) error {
	if err := r.job.UpdateCursor(next); err != nil {
		return err
	}
	return r.report(models.PhaseDiscovering)
}

// enqueue filters files and appends the survivors to the queue. A new file whose content hash
// already belongs to another track of the profile may be a rename and is deferred until the
// conflict phases decide.
func (r *syncRun) enqueue(files []services.RemoteFile) error {
	for _, f := range files {
		if ok, reason := r.c.filter.Accept(f); !ok {
			r.filtered++
			r.logger.Debug("file filtered", "file", f.Name, "reason", reason)
			continue
		}

		item := &models.WorkItem{
			RemoteFileID: f.ID,
			Name:         f.Name,
			Size:         f.Size,
			MimeType:     f.MimeType,
			ContentHash:  f.ContentHash,
			ModifiedAt:   f.ModifiedAt,
		}

		candidate, err := r.isRenameCandidate(f)
		if err != nil {
			return err
		}
		if candidate {
			item.Status = models.WorkItemDeferred
		}

		if _, err := r.queue.Enqueue(r.ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (r *syncRun) isRenameCandidate(f services.RemoteFile) (bool, error) {
	if f.ContentHash == "" {
		return false, nil
	}

	_, err := r.c.store.Tracks.GetByProviderFileID(r.ctx, r.job.ProviderID, f.ID)
	switch {
	case err == nil:
		return false, nil
	case !repositories.IsNotFound(err):
		return false, err
	}

	scope := repositories.TrackScope{ProfileID: r.job.ProfileID, ProviderID: r.job.ProviderID}
	tracks, err := r.c.store.Tracks.FindByContentHash(r.ctx, scope, f.ContentHash)
	if err != nil {
		return false, err
	}
	return len(tracks) > 0, nil
}

// process drains the queue one item at a time. Cancellation is observed between items; an item
// already started runs to completion so its writes are never partial.
func (r *syncRun) process() error {
	if err := r.report(models.PhaseProcessing); err != nil {
		return err
	}

	jc := metadata.JobContext{JobID: r.job.ID, ProfileID: r.job.ProfileID, ProviderID: r.job.ProviderID}
	for {
		if err := r.ctx.Err(); err != nil {
			return err
		}

		item, err := r.queue.Dequeue(r.ctx)
		if errors.Is(err, shared.ErrQueueEmpty) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.ctx.Err(); err != nil {
			if rerr := r.queue.Release(r.bg(), item.ID); rerr != nil {
				r.logger.Warn("failed to release item", "file", item.Name, "err", rerr)
			}
			return err
		}

		res, perr := r.c.processor.Process(r.bg(), jc, r.provider, item)
		if perr != nil {
			if repositories.IsUnrecoverable(perr) {
				return perr
			}
			requeued, err := r.queue.MarkFailed(r.bg(), item.ID, perr)
			if err != nil {
				return err
			}
			if requeued {
				metrics.RecordItem("retried")
			} else {
				metrics.RecordItem("failed")
			}
			r.logger.Warn("item failed", "file", item.Name, "attempt", item.Attempts+1, "requeued", requeued, "err", perr)
		} else {
			if err := r.queue.MarkComplete(r.bg(), item.ID); err != nil {
				return err
			}
			r.record(res)
		}

		if err := r.report(models.PhaseProcessing); err != nil {
			return err
		}
	}
}

func (r *syncRun) record(res metadata.Result) {
	r.stats.BytesDownloaded += res.BytesDownloaded

	switch {
	case res.IsNew:
		r.stats.ItemsAdded++
		metrics.RecordItem("added")
	case res.Updated:
		r.stats.ItemsUpdated++
		metrics.RecordItem("updated")
	default:
		r.stats.ItemsSkipped++
		metrics.RecordItem("skipped")
	}
}

// resolveConflicts runs the conflict phases against every file this job discovered, then
// processes rename candidates that turned out to be new files.
func (r *syncRun) resolveConflicts() error {
	if err := r.ctx.Err(); err != nil {
		return err
	}

	items, err := r.queue.Items(r.ctx)
	if err != nil {
		return err
	}

	in := conflicts.RunInput{
		ProfileID:      r.job.ProfileID,
		ProviderID:     r.job.ProviderID,
		CurrentFiles:   make(map[string]string, len(items)),
		Incremental:    r.job.SyncType == models.SyncTypeIncremental,
		RemovedFileIDs: r.removed,
	}
	for _, item := range items {
		in.CurrentFiles[item.RemoteFileID] = item.Name
		if item.Status == models.WorkItemDeferred {
			in.Candidates = append(in.Candidates, conflicts.RenameCandidate{
				WorkItemID:   item.ID,
				RemoteFileID: item.RemoteFileID,
				Name:         item.Name,
				ContentHash:  item.ContentHash,
			})
		}
	}

	result, err := r.c.orchestrator.Run(r.ctx, in, func(phase models.Phase, stats models.ConflictResolutionStats) {
		if err := r.job.SetPhase(phase); err != nil {
			r.logger.Warn("failed to set phase", "phase", phase, "err", err)
			return
		}
		if err := r.c.store.Jobs.Save(r.bg(), r.job); err != nil {
			r.logger.Warn("failed to save job", "err", err)
		}
		r.c.events.Emit(r.bg(), models.ConflictPhaseEvent(r.job, phase, stats))
	})
	r.stats.ApplyConflicts(result.Stats)
	if err != nil {
		return err
	}

	if len(result.Unmatched) > 0 {
		if err := r.processUnmatched(in, &result); err != nil {
			return err
		}
	}
	metrics.RecordConflicts(result.Stats)
	return nil
}

// processUnmatched processes rename candidates as new files, then resolves any duplicate sets
// they completed, since the duplicate phase ran before they had tracks.
func (r *syncRun) processUnmatched(in conflicts.RunInput, result *conflicts.RunResult) error {
	hashes := make([]string, 0, len(result.Unmatched))
	for _, c := range result.Unmatched {
		if err := r.queue.Requeue(r.ctx, c.WorkItemID); err != nil {
			return err
		}
		hashes = append(hashes, c.ContentHash)
	}
	r.logger.Info("processing unmatched rename candidates", "count", len(result.Unmatched))
	if err := r.process(); err != nil {
		return err
	}

	settled, err := r.c.orchestrator.SettleDuplicates(r.ctx, in, hashes)
	result.Stats.Add(settled)
	r.stats.ApplyConflicts(result.Stats)
	if err != nil {
		return err
	}
	if settled.DuplicatesDetected > 0 {
		r.c.events.Emit(r.bg(), models.ConflictPhaseEvent(r.job, models.PhaseDuplicates, result.Stats))
	}
	return nil
}

// report stores the job's counters and phase and emits a progress event.
func (r *syncRun) report(phase models.Phase) error {
	p := r.job.Progress()
	discovered, processed, failed := p.Discovered, p.Processed, p.Failed
	if r.queue != nil {
		qs, err := r.queue.Stats(r.bg())
		if err != nil {
			return err
		}
		discovered, processed, failed = qs.Total(), qs.Completed, qs.Failed
	}

	if err := r.job.UpdateProgress(discovered, processed, failed, phase); err != nil {
		return err
	}
	if err := r.c.store.Jobs.Save(r.bg(), r.job); err != nil {
		return err
	}
	r.c.events.Emit(r.bg(), models.ProgressEvent(r.job))
	return nil
}

// finish moves the job to its terminal state, persists it and emits the matching event.
func (r *syncRun) finish(runErr error, elapsed time.Duration) (*models.SyncJob, error) {
	ctx := r.bg()
	phase := r.job.Progress().Phase
	var result error

	switch {
	case runErr == nil:
		r.finalizeStats(elapsed)
		if err := r.job.Complete(r.stats); err != nil {
			return r.job, err
		}
		r.storeChangeCursor(ctx)
	case r.ctx.Err() != nil && errors.Is(context.Cause(r.ctx), shared.ErrTimeout):
		result = context.Cause(r.ctx)
		if err := r.job.Fail(result.Error(), map[string]any{
			"phase":           phase.String(),
			"timeout_seconds": r.c.timeout.Seconds(),
		}); err != nil {
			return r.job, err
		}
	case r.ctx.Err() != nil:
		if err := r.job.Cancel(); err != nil {
			return r.job, err
		}
	default:
		result = runErr
		if err := r.job.Fail(runErr.Error(), map[string]any{"phase": phase.String()}); err != nil {
			return r.job, err
		}
	}

	if r.queue != nil {
		r.queue.Close()
	}
	if err := r.c.store.Jobs.Save(ctx, r.job); err != nil {
		r.logger.Error("failed to save terminal job state", "status", r.job.Status(), "err", err)
		return r.job, errors.Join(result, err)
	}
	metrics.RecordJob(r.job.Status(), elapsed)

	switch r.job.Status() {
	case models.StatusCompleted:
		r.c.events.Emit(ctx, models.CompletedEvent(r.job))
		r.logger.Info("sync completed", "added", r.stats.ItemsAdded, "updated", r.stats.ItemsUpdated,
			"failed", r.stats.ItemsFailed, "duration", elapsed.Round(time.Millisecond))
	case models.StatusCancelled:
		r.c.events.Emit(ctx, models.CancelledEvent(r.job))
		r.logger.Info("sync cancelled", "phase", phase)
	default:
		r.c.events.Emit(ctx, models.FailedEvent(r.job))
		r.logger.Error("sync failed", "phase", phase, "err", result)
	}
	return r.job, result
}

func (r *syncRun) finalizeStats(elapsed time.Duration) {
	r.stats.Duration = elapsed
	if r.queue == nil {
		return
	}
	if qs, err := r.queue.Stats(r.bg()); err == nil {
		r.stats.ItemsDiscovered = qs.Total()
		r.stats.ItemsFailed = qs.Failed
	} else {
		r.logger.Warn("failed to read queue stats", "err", err)
	}
}

// storeChangeCursor saves where the next incremental run starts. Failures only cost the next
// run its incremental mode.
func (r *syncRun) storeChangeCursor(ctx context.Context) {
	if r.changeCursor == "" && r.job.SyncType == models.SyncTypeFull {
		if src, ok := r.provider.(services.ChangeCursorSource); ok {
			token, err := src.StartCursor(ctx)
			if err != nil {
				r.logger.Warn("failed to read change cursor", "err", err)
			}
			r.changeCursor = token
		}
	}
	if r.changeCursor == "" {
		return
	}

	cursor := &repositories.ProviderCursor{
		ProfileID:    r.job.ProfileID,
		ProviderID:   r.job.ProviderID,
		ChangeCursor: r.changeCursor,
	}
	if r.job.SyncType == models.SyncTypeFull {
		cursor.LastFullSyncAt = time.Now().UTC()
	}
	if err := r.c.store.Cursors.Upsert(ctx, cursor); err != nil {
		r.logger.Warn("failed to store change cursor", "err", err)
	}
}
