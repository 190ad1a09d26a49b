// Package conflicts reconciles the library with a provider's current state: duplicate copies
// of the same content, files renamed on the provider and files that disappeared.
package conflicts

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/repositories"
	"github.com/desertthunder/tapedeck/internal/shared"
)

// Resolver implements duplicate detection and removal, rename resolution and deletion handling.
type Resolver struct {
	store                *repositories.Store
	policy               models.ConflictPolicy
	hardDeleteDuplicates bool
	logger               *log.Logger
}

type ResolverOption func(*Resolver)

// WithPolicy sets the conflict policy. The default is [models.KeepNewest].
func WithPolicy(p models.ConflictPolicy) ResolverOption {
	return func(r *Resolver) { r.policy = p }
}

// WithHardDeleteDuplicates removes losing duplicates outright instead of soft deleting them.
func WithHardDeleteDuplicates(hard bool) ResolverOption {
	return func(r *Resolver) { r.hardDeleteDuplicates = hard }
}

func WithResolverLogger(l *log.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewResolver(store *repositories.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store, policy: models.KeepNewest, logger: shared.NewNopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the configured conflict policy.
func (r *Resolver) Policy() models.ConflictPolicy {
	return r.policy
}

// DetectDuplicates groups the active tracks in scope by content hash. A set never spans profiles
// or providers, even when scope is empty. Sets are ordered by copy count descending, then wasted
// space descending, then hash, so repeated calls without writes agree.
func (r *Resolver) DetectDuplicates(ctx context.Context, scope repositories.TrackScope) ([]models.DuplicateSet, error) {
	keys, err := r.store.Tracks.DuplicateHashes(ctx, scope)
	if err != nil {
		return nil, err
	}

	sets := make([]models.DuplicateSet, 0, len(keys))
	for _, key := range keys {
		tracks, err := r.store.Tracks.FindByContentHash(ctx, key.Scope(), key.ContentHash)
		if err != nil {
			return nil, err
		}
		if len(tracks) < 2 {
			continue
		}
		sets = append(sets, models.NewDuplicateSet(key.ContentHash, tracks))
	}

	slices.SortStableFunc(sets, func(a, b models.DuplicateSet) int {
		return cmp.Or(
			cmp.Compare(b.Count(), a.Count()),
			cmp.Compare(b.WastedSpace, a.WastedSpace),
			cmp.Compare(a.ContentHash, b.ContentHash),
			cmp.Compare(a.ProfileID, b.ProfileID),
			cmp.Compare(a.ProviderID, b.ProviderID),
		)
	})
	return sets, nil
}

// SelectPrimary picks the copy to keep: highest bitrate, then most recent modification, then lowest id.
func SelectPrimary(tracks []*models.Track) *models.Track {
	if len(tracks) == 0 {
		return nil
	}
	return slices.MinFunc(tracks, func(a, b *models.Track) int {
		return cmp.Or(
			cmp.Compare(b.Bitrate, a.Bitrate),
			b.ModifiedAt().Compare(a.ModifiedAt()),
			cmp.Compare(a.ID, b.ID),
		)
	})
}

// DedupeResult reports what deduplicating one set removed.
type DedupeResult struct {
	Removed   int
	Reclaimed int64
}

// Deduplicate keeps the primary copy of set and removes the others, merging their missing
// metadata into the primary first. It returns the bytes reclaimed, the summed size of the
// removed copies.
//
// The set is re-read inside the transaction, so tracks deleted since detection are ignored.
// Under [models.KeepBoth] nothing is removed; under [models.UserPrompt] it returns [shared.ErrNeedsPrompt].
func (r *Resolver) Deduplicate(ctx context.Context, set models.DuplicateSet) (int64, error) {
	res, err := r.DeduplicatePresent(ctx, set, nil)
	return res.Reclaimed, err
}

// DeduplicatePresent is [Resolver.Deduplicate] restricted to the copies present reports true for.
// The primary is chosen among them and only they are removed; the other copies are left for
// deletion handling. A nil present includes every copy.
func (r *Resolver) DeduplicatePresent(ctx context.Context, set models.DuplicateSet, present func(*models.Track) bool) (DedupeResult, error) {
	switch r.policy {
	case models.KeepBoth:
		r.logger.Debug("keeping duplicate copies", "hash", set.ContentHash, "count", set.Count())
		return DedupeResult{}, nil
	case models.UserPrompt:
		return DedupeResult{}, fmt.Errorf("%w: %d copies of %s", shared.ErrNeedsPrompt, set.Count(), set.ContentHash)
	}

	var res DedupeResult
	scope := repositories.TrackScope{ProfileID: set.ProfileID, ProviderID: set.ProviderID}
	err := r.store.WithTx(ctx, func(tx *repositories.Repositories) error {
		tracks, err := tx.Tracks.FindByContentHash(ctx, scope, set.ContentHash)
		if err != nil {
			return err
		}

		candidates := tracks
		if present != nil {
			candidates = slices.DeleteFunc(slices.Clone(tracks), func(t *models.Track) bool { return !present(t) })
		}
		if len(candidates) < 2 {
			return nil
		}

		primary := SelectPrimary(candidates)
		merged := *primary
		for _, t := range tracks {
			if t.ID != primary.ID {
				fillMissing(&merged, t)
			}
		}
		if merged != *primary {
			if err := tx.Tracks.Update(ctx, &merged); err != nil {
				return fmt.Errorf("failed to merge into primary %s: %w", primary.ID, err)
			}
		}

		for _, t := range candidates {
			if t.ID == primary.ID {
				continue
			}
			if r.hardDeleteDuplicates {
				err = tx.Tracks.HardDelete(ctx, t.ID)
			} else {
				err = tx.Tracks.SoftDelete(ctx, t.ID, models.DeletionReasonDuplicate)
			}
			if err != nil {
				return fmt.Errorf("failed to remove duplicate %s: %w", t.ID, err)
			}
			res.Removed++
			res.Reclaimed += t.FileSize
		}

		r.logger.Info("resolved duplicates", "hash", set.ContentHash, "profile_id", set.ProfileID,
			"kept", primary.ID, "removed", res.Removed, "reclaimed", res.Reclaimed)
		return nil
	})
	if err != nil {
		return DedupeResult{}, err
	}
	return res, nil
}

// ResolveRename points an existing track at the provider file it was renamed or moved to.
// The title follows the new file name only when it was derived from the old one.
func (r *Resolver) ResolveRename(ctx context.Context, trackID, newRemoteID, newName string) error {
	return r.store.WithTx(ctx, func(tx *repositories.Repositories) error {
		track, err := tx.Tracks.Get(ctx, trackID)
		if err != nil {
			return err
		}

		title := track.Title
		if newName != "" && (title == "" || title == shared.FileStem(track.FileName)) {
			title = shared.FileStem(newName)
		}
		fileName := track.FileName
		if newName != "" {
			fileName = newName
		}

		if err := tx.Tracks.RenameIdentity(ctx, trackID, newRemoteID, fileName, title); err != nil {
			return err
		}
		r.logger.Info("resolved rename", "track", trackID, "from", track.ProviderFileID, "to", newRemoteID)
		return nil
	})
}

// HandleDeletion removes a track whose file is gone from the provider. A soft delete keeps the
// row and its metadata behind a deletion marker; a hard delete removes the row.
func (r *Resolver) HandleDeletion(ctx context.Context, trackID string, hard bool) error {
	if hard {
		return r.store.Tracks.HardDelete(ctx, trackID)
	}
	return r.store.Tracks.SoftDelete(ctx, trackID, models.DeletionReasonRemoved)
}

// Merge applies [MergeMetadata] with the resolver's policy.
func (r *Resolver) Merge(local, remote *models.Track) (MergeResult, error) {
	return MergeMetadata(local, remote, r.policy)
}
