package conflicts

import (
	"context"
	"errors"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/repositories"
	"github.com/desertthunder/tapedeck/internal/shared"
)

// RenameCandidate is a discovered file whose content hash matches a track that lost its provider file.
type RenameCandidate struct {
	WorkItemID   string
	RemoteFileID string
	Name         string
	ContentHash  string
}

// RunInput describes one sync pass. CurrentFiles is the provider's ground truth: file id to display name.
type RunInput struct {
	ProfileID    string
	ProviderID   string
	CurrentFiles map[string]string
	Candidates   []RenameCandidate

	// Incremental restricts the deletion phase to RemovedFileIDs.
	Incremental    bool
	RemovedFileIDs []string
}

func (in RunInput) scope() repositories.TrackScope {
	return repositories.TrackScope{ProfileID: in.ProfileID, ProviderID: in.ProviderID}
}

// present reports whether t's provider file still exists. A full pass trusts CurrentFiles; an
// incremental pass only knows about the removals the change feed reported.
func (in RunInput) present(t *models.Track) bool {
	if in.Incremental {
		return !slices.Contains(in.RemovedFileIDs, t.ProviderFileID)
	}
	_, ok := in.CurrentFiles[t.ProviderFileID]
	return ok
}

// RunResult carries the accumulated stats and the rename candidates that matched nothing.
// Unmatched candidates must be processed as new files.
type RunResult struct {
	Stats     models.ConflictResolutionStats
	Unmatched []RenameCandidate
}

// PhaseReporter is told when each phase finishes, with the stats accumulated so far.
type PhaseReporter func(phase models.Phase, stats models.ConflictResolutionStats)

// Orchestrator runs the duplicate, rename and deletion phases against a provider's current file set.
//
// A failing phase is logged and contributes what it managed before failing; only unrecoverable
// storage errors and cancellation abort the run.
type Orchestrator struct {
	resolver      *Resolver
	store         *repositories.Store
	hardDelete    bool
	deletionGuard bool
	logger        *log.Logger
}

type OrchestratorOption func(*Orchestrator)

// WithHardDelete removes tracks of vanished files outright.
func WithHardDelete(hard bool) OrchestratorOption {
	return func(o *Orchestrator) { o.hardDelete = hard }
}

// WithDeletionGuard skips the deletion phase of a full pass whose listing was empty while the library was not.
func WithDeletionGuard(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) { o.deletionGuard = enabled }
}

func WithOrchestratorLogger(l *log.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func NewOrchestrator(store *repositories.Store, resolver *Resolver, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{resolver: resolver, store: store, deletionGuard: true, logger: shared.NewNopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the three phases in order, calling report after each.
func (o *Orchestrator) Run(ctx context.Context, in RunInput, report PhaseReporter) (RunResult, error) {
	var result RunResult
	if report == nil {
		report = func(models.Phase, models.ConflictResolutionStats) {}
	}

	phases := []struct {
		phase models.Phase
		run   func(context.Context, RunInput, *RunResult) error
	}{
		{models.PhaseDuplicates, o.duplicatePhase},
		{models.PhaseRenames, o.renamePhase},
		{models.PhaseDeletions, o.deletionPhase},
	}

	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		logger := shared.WithLogger(o.logger, "phase", p.phase.String())
		if err := p.run(ctx, in, &result); err != nil {
			if repositories.IsUnrecoverable(err) {
				logger.Error("conflict phase aborted", "err", err)
				return result, err
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			logger.Warn("conflict phase failed, continuing", "err", err)
		}
		report(p.phase, result.Stats)
	}

	return result, nil
}

func (o *Orchestrator) duplicatePhase(ctx context.Context, in RunInput, result *RunResult) error {
	sets, err := o.resolver.DetectDuplicates(ctx, in.scope())
	if err != nil {
		return err
	}
	return o.dedupe(ctx, in, sets, &result.Stats)
}

// SettleDuplicates resolves the duplicate sets of hashes after files were added past the
// duplicate phase, such as rename candidates that turned out to be new copies. It returns the
// stats of this pass only.
func (o *Orchestrator) SettleDuplicates(ctx context.Context, in RunInput, hashes []string) (models.ConflictResolutionStats, error) {
	var stats models.ConflictResolutionStats

	var sets []models.DuplicateSet
	seen := make(map[string]bool, len(hashes))
	for _, hash := range hashes {
		if hash == "" || seen[hash] {
			continue
		}
		seen[hash] = true

		tracks, err := o.store.Tracks.FindByContentHash(ctx, in.scope(), hash)
		if err != nil {
			return stats, err
		}
		if len(tracks) > 1 {
			sets = append(sets, models.NewDuplicateSet(hash, tracks))
		}
	}
	if len(sets) == 0 {
		return stats, nil
	}

	err := o.dedupe(ctx, in, sets, &stats)
	return stats, err
}

// dedupe resolves sets among the copies whose files are still present. A copy whose file is
// gone is never kept over a present one; the deletion phase removes it.
func (o *Orchestrator) dedupe(ctx context.Context, in RunInput, sets []models.DuplicateSet, stats *models.ConflictResolutionStats) error {
	var firstErr error
	for _, set := range sets {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := 0
		for _, t := range set.Tracks {
			if in.present(t) {
				n++
			}
		}
		if n < 2 {
			o.logger.Debug("duplicate set has fewer than two present copies", "hash", set.ContentHash, "present", n)
			continue
		}
		stats.DuplicatesDetected += n - 1

		res, err := o.resolver.DeduplicatePresent(ctx, set, in.present)
		switch {
		case errors.Is(err, shared.ErrNeedsPrompt):
			o.logger.Info("duplicate set awaiting decision", "hash", set.ContentHash, "count", n)
			continue
		case err != nil:
			if repositories.IsUnrecoverable(err) {
				return err
			}
			o.logger.Warn("failed to deduplicate", "hash", set.ContentHash, "err", err)
			firstErr = firstOf(firstErr, err)
			continue
		}

		stats.DuplicatesResolved += res.Removed
		stats.SpaceReclaimed += res.Reclaimed
	}
	return firstErr
}

func (o *Orchestrator) renamePhase(ctx context.Context, in RunInput, result *RunResult) error {
	if len(in.Candidates) == 0 {
		o.logger.Debug("no rename candidates; provider hashes unavailable or no files moved")
		return nil
	}

	var firstErr error
	for _, c := range in.Candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		track, err := o.orphanFor(ctx, in, c.ContentHash)
		if err != nil {
			if repositories.IsUnrecoverable(err) {
				return err
			}
			firstErr = firstOf(firstErr, err)
			result.Unmatched = append(result.Unmatched, c)
			continue
		}
		if track == nil {
			result.Unmatched = append(result.Unmatched, c)
			continue
		}

		if err := o.resolver.ResolveRename(ctx, track.ID, c.RemoteFileID, c.Name); err != nil {
			if repositories.IsUnrecoverable(err) {
				return err
			}
			o.logger.Warn("failed to resolve rename", "track", track.ID, "file", c.RemoteFileID, "err", err)
			firstErr = firstOf(firstErr, err)
			result.Unmatched = append(result.Unmatched, c)
			continue
		}
		result.Stats.RenamesResolved++
	}
	return firstErr
}

// orphanFor returns an active track of the profile with hash whose provider file is gone, or nil.
// A full pass treats files absent from the current set as gone; an incremental pass only
// trusts the removals the change feed reported.
func (o *Orchestrator) orphanFor(ctx context.Context, in RunInput, hash string) (*models.Track, error) {
	tracks, err := o.store.Tracks.FindByContentHash(ctx, in.scope(), hash)
	if err != nil {
		return nil, err
	}
	for _, t := range tracks {
		if !in.present(t) {
			return t, nil
		}
	}
	return nil, nil
}

func (o *Orchestrator) deletionPhase(ctx context.Context, in RunInput, result *RunResult) error {
	var doomed []*models.Track

	if in.Incremental {
		for _, id := range in.RemovedFileIDs {
			t, err := o.store.Tracks.GetByProviderFileID(ctx, in.ProviderID, id)
			if repositories.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			if t.ProfileID != in.ProfileID {
				continue
			}
			doomed = append(doomed, t)
		}
	} else {
		active, err := o.store.Tracks.List(ctx, map[string]any{"profile_id": in.ProfileID, "provider_id": in.ProviderID})
		if err != nil {
			return err
		}
		if len(in.CurrentFiles) == 0 && len(active) > 0 && o.deletionGuard {
			o.logger.Warn("provider listing is empty; skipping deletions", "library_tracks", len(active))
			return nil
		}
		for _, t := range active {
			if _, present := in.CurrentFiles[t.ProviderFileID]; !present {
				doomed = append(doomed, t)
			}
		}
	}

	var firstErr error
	for _, t := range doomed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.resolver.HandleDeletion(ctx, t.ID, o.hardDelete); err != nil {
			if repositories.IsUnrecoverable(err) {
				return err
			}
			o.logger.Warn("failed to delete track", "track", t.ID, "err", err)
			firstErr = firstOf(firstErr, err)
			continue
		}
		if o.hardDelete {
			result.Stats.DeletionsHard++
		} else {
			result.Stats.DeletionsSoft++
		}
	}
	return firstErr
}

func firstOf(first, next error) error {
	if first != nil {
		return first
	}
	return next
}
