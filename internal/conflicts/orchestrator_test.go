package conflicts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/repositories"
)

func TestOrchestrator(t *testing.T) {
	ctx := context.Background()

	t.Run("phases run in order and accumulate stats", func(t *testing.T) {
		store := setupStore(t)
		seed(t, store, "a", "md5:h", 128, 4_000, base)
		seed(t, store, "b", "md5:h", 320, 9_000, base)
		seed(t, store, "c", "md5:c", 320, 1_000, base)
		moved := seed(t, store, "moved-old", "md5:m", 320, 1_000, base)
		seed(t, store, "x", "md5:x", 320, 1_000, base)

		orch := NewOrchestrator(store, NewResolver(store))
		var phases []models.Phase
		result, err := orch.Run(ctx, RunInput{
			ProfileID:  "profile-1",
			ProviderID: "gdrive",
			CurrentFiles: map[string]string{
				"a": "a.mp3", "b": "b.mp3", "c": "c.mp3", "moved-new": "moved.mp3",
			},
			Candidates: []RenameCandidate{
				{RemoteFileID: "moved-new", Name: "moved.mp3", ContentHash: "md5:m"},
				{RemoteFileID: "brand-new", Name: "n.mp3", ContentHash: "md5:nothing"},
			},
		}, func(p models.Phase, _ models.ConflictResolutionStats) {
			phases = append(phases, p)
		})
		require.NoError(t, err)

		assert.Equal(t, []models.Phase{models.PhaseDuplicates, models.PhaseRenames, models.PhaseDeletions}, phases)
		assert.Equal(t, 1, result.Stats.DuplicatesDetected)
		assert.Equal(t, 1, result.Stats.DuplicatesResolved)
		assert.Equal(t, int64(4_000), result.Stats.SpaceReclaimed)
		assert.Equal(t, 1, result.Stats.RenamesResolved)
		assert.Equal(t, 1, result.Stats.DeletionsSoft, "only x vanished; the losing duplicate is not a deletion")
		assert.Zero(t, result.Stats.DeletionsHard)

		require.Len(t, result.Unmatched, 1)
		assert.Equal(t, "brand-new", result.Unmatched[0].RemoteFileID)

		renamed, err := store.Tracks.GetByProviderFileID(ctx, "gdrive", "moved-new")
		require.NoError(t, err)
		assert.Equal(t, moved.ID, renamed.ID)

		active, _ := store.Tracks.List(ctx, map[string]any{"profile_id": "profile-1"})
		ids := make([]string, 0, len(active))
		for _, tr := range active {
			ids = append(ids, tr.ProviderFileID)
		}
		assert.ElementsMatch(t, []string{"b", "c", "moved-new"}, ids)
	})

	t.Run("deletion guard protects against empty listings", func(t *testing.T) {
		store := setupStore(t)
		seed(t, store, "a", "md5:a", 320, 10, base)

		result, err := NewOrchestrator(store, NewResolver(store)).Run(ctx, RunInput{
			ProfileID:    "profile-1",
			ProviderID:   "gdrive",
			CurrentFiles: map[string]string{},
		}, nil)
		require.NoError(t, err)
		assert.Zero(t, result.Stats.DeletionsSoft)

		result, err = NewOrchestrator(store, NewResolver(store), WithDeletionGuard(false)).Run(ctx, RunInput{
			ProfileID:    "profile-1",
			ProviderID:   "gdrive",
			CurrentFiles: map[string]string{},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Stats.DeletionsSoft)
	})

	t.Run("incremental passes only delete reported removals", func(t *testing.T) {
		store := setupStore(t)
		seed(t, store, "a", "md5:a", 320, 10, base)
		seed(t, store, "b", "md5:b", 320, 10, base)

		result, err := NewOrchestrator(store, NewResolver(store), WithHardDelete(true)).Run(ctx, RunInput{
			ProfileID:      "profile-1",
			ProviderID:     "gdrive",
			CurrentFiles:   map[string]string{},
			Incremental:    true,
			RemovedFileIDs: []string{"a", "unknown"},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Stats.DeletionsHard)

		active, _ := store.Tracks.List(ctx, nil)
		require.Len(t, active, 1)
		assert.Equal(t, "b", active[0].ProviderFileID)
	})

	t.Run("incremental renames only claim removed files", func(t *testing.T) {
		store := setupStore(t)
		seed(t, store, "a", "md5:a", 320, 10, base)
		seed(t, store, "b", "md5:b", 320, 10, base)

		result, err := NewOrchestrator(store, NewResolver(store), WithHardDelete(true)).Run(ctx, RunInput{
			ProfileID:    "profile-1",
			ProviderID:   "gdrive",
			CurrentFiles: map[string]string{"c": "c.mp3", "d": "d.mp3"},
			Candidates: []RenameCandidate{
				{RemoteFileID: "c", Name: "c.mp3", ContentHash: "md5:b"},
				{RemoteFileID: "d", Name: "d.mp3", ContentHash: "md5:a"},
			},
			Incremental:    true,
			RemovedFileIDs: []string{"a"},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Stats.RenamesResolved)
		assert.Zero(t, result.Stats.DeletionsHard)
		require.Len(t, result.Unmatched, 1)
		assert.Equal(t, "c", result.Unmatched[0].RemoteFileID)

		renamed, err := store.Tracks.GetByProviderFileID(ctx, "gdrive", "d")
		require.NoError(t, err)
		assert.Equal(t, "md5:a", renamed.ContentHash)
	})

	t.Run("other profiles are untouched", func(t *testing.T) {
		store := setupStore(t)
		other := &models.Track{ProfileID: "profile-2", ProviderID: "gdrive", ProviderFileID: "z", Title: "z"}
		require.NoError(t, store.Tracks.Create(ctx, other))
		seed(t, store, "a", "md5:a", 320, 10, base)

		result, err := NewOrchestrator(store, NewResolver(store)).Run(ctx, RunInput{
			ProfileID:    "profile-1",
			ProviderID:   "gdrive",
			CurrentFiles: map[string]string{"a": "a.mp3"},
		}, nil)
		require.NoError(t, err)
		assert.Zero(t, result.Stats.DeletionsSoft)

		_, err = store.Tracks.Get(ctx, other.ID)
		assert.NoError(t, err)
	})

	t.Run("duplicates in other profiles are untouched", func(t *testing.T) {
		store := setupStore(t)
		mine := seed(t, store, "a", "md5:shared", 320, 10, base)
		theirs := seedIn(t, store, "profile-2", "gdrive", "z", "md5:shared", 128, 10, base)
		elsewhere := seedIn(t, store, "profile-1", "dropbox", "d", "md5:shared", 128, 10, base)

		result, err := NewOrchestrator(store, NewResolver(store)).Run(ctx, RunInput{
			ProfileID:    "profile-1",
			ProviderID:   "gdrive",
			CurrentFiles: map[string]string{"a": "a.mp3"},
		}, nil)
		require.NoError(t, err)
		assert.Zero(t, result.Stats.DuplicatesDetected)
		assert.Zero(t, result.Stats.DuplicatesResolved)
		assert.Zero(t, result.Stats.DeletionsSoft)

		for _, tr := range []*models.Track{mine, theirs, elsewhere} {
			_, err := store.Tracks.Get(ctx, tr.ID)
			assert.NoError(t, err, tr.ProviderFileID)
		}

		suppressed, err := store.Tracks.IsSuppressedDuplicate(ctx, repositories.TrackScope{ProfileID: "profile-2", ProviderID: "gdrive"}, "z")
		require.NoError(t, err)
		assert.False(t, suppressed)
	})

	t.Run("a vanished copy never wins over a present one", func(t *testing.T) {
		store := setupStore(t)
		present := seed(t, store, "present", "md5:x", 128, 10, base)
		gone := seed(t, store, "gone", "md5:x", 320, 10, base)

		result, err := NewOrchestrator(store, NewResolver(store)).Run(ctx, RunInput{
			ProfileID:    "profile-1",
			ProviderID:   "gdrive",
			CurrentFiles: map[string]string{"present": "present.mp3"},
		}, nil)
		require.NoError(t, err)
		assert.Zero(t, result.Stats.DuplicatesDetected)
		assert.Zero(t, result.Stats.DuplicatesResolved)
		assert.Equal(t, 1, result.Stats.DeletionsSoft)

		_, err = store.Tracks.Get(ctx, present.ID)
		require.NoError(t, err)

		removed, err := store.Tracks.GetAny(ctx, gone.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DeletionReasonRemoved, removed.DeletedReason)

		scope := repositories.TrackScope{ProfileID: "profile-1", ProviderID: "gdrive"}
		suppressed, err := store.Tracks.IsSuppressedDuplicate(ctx, scope, "present")
		require.NoError(t, err)
		assert.False(t, suppressed)
	})

	t.Run("incremental dedupe skips removed copies", func(t *testing.T) {
		store := setupStore(t)
		seed(t, store, "a", "md5:x", 128, 10, base)
		seed(t, store, "b", "md5:x", 192, 20, base)
		seed(t, store, "removed", "md5:x", 320, 30, base)

		result, err := NewOrchestrator(store, NewResolver(store)).Run(ctx, RunInput{
			ProfileID:      "profile-1",
			ProviderID:     "gdrive",
			Incremental:    true,
			RemovedFileIDs: []string{"removed"},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Stats.DuplicatesDetected)
		assert.Equal(t, 1, result.Stats.DuplicatesResolved)
		assert.Equal(t, int64(10), result.Stats.SpaceReclaimed)
		assert.Equal(t, 1, result.Stats.DeletionsSoft)

		active, _ := store.Tracks.List(ctx, nil)
		require.Len(t, active, 1)
		assert.Equal(t, "b", active[0].ProviderFileID)
	})

	t.Run("settle resolves sets completed after the duplicate phase", func(t *testing.T) {
		store := setupStore(t)
		seed(t, store, "keep", "md5:k", 320, 10, base)
		seed(t, store, "copy", "md5:k", 128, 25, base)
		seed(t, store, "lone", "md5:l", 128, 10, base)

		in := RunInput{
			ProfileID:    "profile-1",
			ProviderID:   "gdrive",
			CurrentFiles: map[string]string{"keep": "keep.mp3", "copy": "copy.mp3", "lone": "lone.mp3"},
		}
		stats, err := NewOrchestrator(store, NewResolver(store)).SettleDuplicates(ctx, in, []string{"md5:k", "md5:k", "md5:l", ""})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.DuplicatesDetected)
		assert.Equal(t, 1, stats.DuplicatesResolved)
		assert.Equal(t, int64(25), stats.SpaceReclaimed)

		active, _ := store.Tracks.List(ctx, nil)
		assert.Len(t, active, 2)
	})

	t.Run("cancellation stops at a phase boundary", func(t *testing.T) {
		store := setupStore(t)
		seed(t, store, "a", "md5:a", 320, 10, base)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := NewOrchestrator(store, NewResolver(store)).Run(cctx, RunInput{ProfileID: "profile-1", ProviderID: "gdrive"}, nil)
		assert.ErrorIs(t, err, context.Canceled)

		active, _ := store.Tracks.List(ctx, nil)
		assert.Len(t, active, 1)
	})

	t.Run("failed phases degrade instead of aborting", func(t *testing.T) {
		store := setupStore(t)
		seed(t, store, "a", "md5:a", 320, 10, base)
		seed(t, store, "gone", "md5:g", 320, 10, base)

		var reported []models.Phase
		result, err := NewOrchestrator(store, NewResolver(store)).Run(ctx, RunInput{
			ProfileID:    "profile-1",
			ProviderID:   "gdrive",
			CurrentFiles: map[string]string{"a": "a.mp3"},
			// a renames onto an id that already exists: a uniqueness failure inside the rename phase
			Candidates: []RenameCandidate{{RemoteFileID: "a", Name: "a.mp3", ContentHash: "md5:g"}},
		}, func(p models.Phase, _ models.ConflictResolutionStats) { reported = append(reported, p) })
		require.NoError(t, err)
		assert.Len(t, reported, 3)
		assert.Zero(t, result.Stats.RenamesResolved)
		assert.Len(t, result.Unmatched, 1)
		assert.Equal(t, 1, result.Stats.DeletionsSoft, "deletion phase still ran")
	})
}
