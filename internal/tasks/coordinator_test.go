package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/tapedeck/internal/conflicts"
	"github.com/desertthunder/tapedeck/internal/metadata"
	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/queue"
	"github.com/desertthunder/tapedeck/internal/repositories"
	"github.com/desertthunder/tapedeck/internal/services"
	"github.com/desertthunder/tapedeck/internal/shared"
	tt "github.com/desertthunder/tapedeck/internal/testing"
)

const profile = "profile-1"

var listedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store     *repositories.Store
	provider  *tt.MockProvider
	extractor *tt.MockExtractor
	bus       *tt.RecordingBus
	auth      *tt.MockAuthManager
	coord     *Coordinator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:     tt.NewTestStore(t),
		provider:  tt.NewMockProvider(),
		extractor: tt.NewMockExtractor(),
		bus:       &tt.RecordingBus{},
		auth:      &tt.MockAuthManager{Invalid: map[string]error{}},
	}

	fs, err := metadata.NewTempFS(t.TempDir())
	require.NoError(t, err)
	processor := metadata.NewProcessor(h.store, h.extractor, fs)
	orchestrator := conflicts.NewOrchestrator(h.store, conflicts.NewResolver(h.store))
	factory := func(context.Context, *services.Session) (services.StorageProvider, error) {
		return h.provider, nil
	}

	base := []Option{
		WithProviderID("mock"),
		WithEventBus(h.bus),
		WithFileFilter(FileFilter{Extensions: map[string]bool{".mp3": true}}),
	}
	h.coord = NewCoordinator(h.store, h.auth, factory, processor, orchestrator, append(base, opts...)...)
	return h
}

// seedTrack stores a library track for the harness profile.
func (h *harness) seedTrack(t *testing.T, fileID, hash string) *models.Track {
	t.Helper()
	track := &models.Track{
		ProfileID:        profile,
		ProviderID:       "mock",
		ProviderFileID:   fileID,
		FileName:         fileID + ".mp3",
		Title:            fileID,
		Bitrate:          192,
		FileSize:         1000,
		ContentHash:      hash,
		RemoteModifiedAt: listedAt,
	}
	require.NoError(t, h.store.Tracks.Create(context.Background(), track))
	return track
}

func (h *harness) activeIDs(t *testing.T) []string {
	t.Helper()
	tracks, err := h.store.Tracks.List(context.Background(), map[string]any{"profile_id": profile})
	require.NoError(t, err)
	return tt.SortedIDs(tracks)
}

func TestCoordinatorRun(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate pair, vanished file and an unchanged file", func(t *testing.T) {
		h := newHarness(t)
		h.seedTrack(t, "f3", "md5:c")
		h.seedTrack(t, "gone", "md5:z")

		h.provider.SetFiles(
			tt.AudioFile("f1", "a.mp3", 1000, "md5:dup"),
			tt.AudioFile("f2", "b.mp3", 1000, "md5:dup"),
			tt.AudioFile("f3", "c.mp3", 1000, "md5:c"),
			services.RemoteFile{ID: "img", Name: "cover.jpg", MimeType: "image/jpeg", Size: 500},
		)
		h.extractor.Set("a.mp3", &metadata.Extracted{Title: "A", Bitrate: 128})
		h.extractor.Set("b.mp3", &metadata.Extracted{Title: "A", Bitrate: 320})

		job, err := h.coord.Run(ctx, RunOptions{ProfileID: profile})
		require.NoError(t, err)
		require.Equal(t, models.StatusCompleted, job.Status())

		stats := job.Stats()
		require.NotNil(t, stats)
		assert.Equal(t, 3, stats.ItemsDiscovered)
		assert.Equal(t, 2, stats.ItemsAdded)
		assert.Equal(t, 1, stats.ItemsSkipped)
		assert.Equal(t, 1, stats.DuplicatesResolved)
		assert.Equal(t, 1, stats.DeletionsSoft)
		assert.EqualValues(t, 1000, stats.SpaceReclaimed)
		assert.Equal(t, float64(100), job.Progress().Percent)

		assert.Equal(t, []string{"f2", "f3"}, h.activeIDs(t), "the 320k copy survives")

		stored, err := h.store.Jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, stored.Status())
		assert.Equal(t, 2, stored.Stats().ItemsAdded)

		kinds := h.bus.Kinds()
		assert.Equal(t, models.EventStarted, kinds[0])
		assert.Equal(t, models.EventCompleted, kinds[len(kinds)-1])
		assert.Equal(t, []models.Phase{
			models.PhaseIdle,
			models.PhaseValidating,
			models.PhaseDiscovering,
			models.PhaseEnqueueing,
			models.PhaseProcessing,
			models.PhaseDuplicates,
			models.PhaseRenames,
			models.PhaseDeletions,
			models.PhaseFinalizing,
			models.PhaseDone,
		}, h.bus.Phases())
		assert.Empty(t, h.coord.Active())
	})

	t.Run("item failures do not abort the run", func(t *testing.T) {
		h := newHarness(t)
		h.provider.SetFiles(
			tt.AudioFile("f1", "a.mp3", 1000, "md5:a"),
			tt.AudioFile("f2", "b.mp3", 1000, "md5:b"),
			tt.AudioFile("f3", "c.mp3", 1000, "md5:c"),
		)
		h.extractor.Fail("b.mp3", shared.ErrExtraction)

		var once sync.Once
		h.provider.DownloadHook = func(_ context.Context, id string) error {
			var err error
			if id == "f3" {
				once.Do(func() { err = shared.ErrProviderRequest })
			}
			return err
		}

		job, err := h.coord.Run(ctx, RunOptions{ProfileID: profile})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, job.Status())
		assert.Equal(t, 2, job.Stats().ItemsAdded)
		assert.Equal(t, 1, job.Stats().ItemsFailed)
		assert.Equal(t, 1, h.provider.Downloads("f3"), "f3 succeeded on its retry")
		assert.Equal(t, []string{"f1", "f3"}, h.activeIDs(t))
	})

	t.Run("invalid session fails the job", func(t *testing.T) {
		h := newHarness(t)
		h.auth.Invalid[profile] = shared.ErrSessionInvalid

		job, err := h.coord.Run(ctx, RunOptions{ProfileID: profile})
		require.ErrorIs(t, err, shared.ErrSessionInvalid)
		require.NotNil(t, job)
		assert.Equal(t, models.StatusFailed, job.Status())
		assert.Equal(t, "validating", job.ErrorDetails()["phase"])

		stored, err := h.store.Jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, stored.Status())
		assert.Equal(t, models.EventFailed, h.bus.Kinds()[len(h.bus.Kinds())-1])
	})

	t.Run("network constraints abort before any state change", func(t *testing.T) {
		tests := []struct {
			name   string
			info   services.NetworkInfo
			policy services.NetworkPolicy
		}{
			{"offline", services.NetworkInfo{Status: services.NetworkOffline}, services.NetworkPolicy{}},
			{"cellular under wifi only", services.NetworkInfo{Status: services.NetworkOnline, Type: services.NetworkCellular}, services.NetworkPolicy{WifiOnly: true, AllowMetered: true}},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				h := newHarness(t, WithNetwork(&tt.MockNetworkMonitor{Info: tc.info}, tc.policy))
				h.provider.SetFiles(tt.AudioFile("f1", "a.mp3", 1000, "md5:a"))

				job, err := h.coord.Run(ctx, RunOptions{ProfileID: profile})
				assert.Nil(t, job)
				assert.ErrorIs(t, err, shared.ErrNetworkUnavailable)

				jobs, err := h.store.Jobs.ListByProfile(ctx, profile, 0)
				require.NoError(t, err)
				assert.Empty(t, jobs)
				assert.Empty(t, h.bus.Events())
				assert.Empty(t, h.coord.Active(), "reservation released")
			})
		}
	})

	t.Run("missing profile", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.coord.Run(ctx, RunOptions{})
		assert.ErrorIs(t, err, shared.ErrMissingArgument)
	})
}

func TestCoordinatorExclusivity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.SetFiles(tt.AudioFile("f1", "a.mp3", 1000, "md5:a"))

	started := make(chan struct{})
	release := make(chan struct{})
	h.provider.DownloadHook = func(context.Context, string) error {
		close(started)
		<-release
		return nil
	}

	first, err := h.coord.Start(ctx, RunOptions{ProfileID: profile})
	require.NoError(t, err)
	<-started

	_, err = h.coord.Run(ctx, RunOptions{ProfileID: profile})
	var inProgress *SyncInProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.ErrorIs(t, err, shared.ErrSyncInProgress)
	assert.Equal(t, first.ID, inProgress.JobID)

	stored, err := h.store.Jobs.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stored.Status(), "the running job is untouched")

	active := h.coord.Active()
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].JobID)

	close(release)
	require.NoError(t, h.coord.Wait(ctx, profile))

	stored, err = h.store.Jobs.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status())

	jobs, err := h.store.Jobs.ListByProfile(ctx, profile, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCoordinatorIndependentProfiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.SetFiles(tt.AudioFile("f1", "a.mp3", 1000, "md5:a"))

	_, err := h.coord.Start(ctx, RunOptions{ProfileID: "p-a"})
	require.NoError(t, err)
	_, err = h.coord.Start(ctx, RunOptions{ProfileID: "p-b"})
	require.NoError(t, err)

	require.NoError(t, h.coord.Wait(ctx, "p-a"))
	require.NoError(t, h.coord.Wait(ctx, "p-b"))

	for _, p := range []string{"p-a", "p-b"} {
		jobs, err := h.store.Jobs.ListByProfile(ctx, p, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, models.StatusCompleted, jobs[0].Status(), p)
	}
}

func TestCoordinatorCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("stops at the next item boundary", func(t *testing.T) {
		h := newHarness(t)
		h.provider.SetFiles(
			tt.AudioFile("f1", "a.mp3", 1000, "md5:a"),
			tt.AudioFile("f2", "b.mp3", 1000, "md5:b"),
			tt.AudioFile("f3", "c.mp3", 1000, "md5:c"),
		)

		var jobID string
		h.provider.DownloadHook = func(_ context.Context, id string) error {
			if id == "f1" {
				var err error
				jobID, err = h.coord.Cancel(profile)
				require.NoError(t, err)
			}
			return nil
		}

		job, err := h.coord.Run(ctx, RunOptions{ProfileID: profile})
		require.NoError(t, err, "cancellation is not an error")
		assert.Equal(t, models.StatusCancelled, job.Status())
		assert.Equal(t, job.ID, jobID)
		assert.Equal(t, []string{"f1"}, h.activeIDs(t), "the in-flight item finished")
		assert.Zero(t, h.provider.Downloads("f2"))
		assert.Equal(t, models.EventCancelled, h.bus.Kinds()[len(h.bus.Kinds())-1])

		items, err := h.store.WorkItems.ListByStatus(ctx, job.ID, models.WorkItemPending)
		require.NoError(t, err)
		assert.Len(t, items, 2)
	})

	t.Run("parent context cancellation", func(t *testing.T) {
		h := newHarness(t)
		h.provider.SetFiles(tt.AudioFile("f1", "a.mp3", 1000, "md5:a"), tt.AudioFile("f2", "b.mp3", 1000, "md5:b"))

		cctx, cancel := context.WithCancel(ctx)
		h.provider.DownloadHook = func(context.Context, string) error {
			cancel()
			return nil
		}

		job, err := h.coord.Run(cctx, RunOptions{ProfileID: profile})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, job.Status())

		stored, err := h.store.Jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, stored.Status())
	})

	t.Run("nothing running", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.coord.Cancel(profile)
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("orphaned job", func(t *testing.T) {
		h := newHarness(t)
		job := models.NewSyncJob(profile, "mock", models.SyncTypeFull)
		require.NoError(t, h.store.Jobs.Create(ctx, job))
		require.NoError(t, job.Start())
		require.NoError(t, h.store.Jobs.Save(ctx, job))

		cancelled, err := h.coord.CancelOrphan(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, cancelled.Status())

		_, err = h.coord.CancelOrphan(ctx, job.ID)
		assert.ErrorIs(t, err, shared.ErrInvalidStateTransition)
	})
}

func TestCoordinatorTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithTimeout(100*time.Millisecond))
	h.provider.SetFiles(tt.AudioFile("f1", "a.mp3", 1000, "md5:a"), tt.AudioFile("f2", "b.mp3", 1000, "md5:b"))
	h.provider.DownloadHook = func(context.Context, string) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	}

	job, err := h.coord.Run(ctx, RunOptions{ProfileID: profile})
	require.ErrorIs(t, err, shared.ErrTimeout)
	assert.Equal(t, models.StatusFailed, job.Status())
	assert.InDelta(t, 0.1, job.ErrorDetails()["timeout_seconds"], 0.001)
	assert.Equal(t, []string{"f1"}, h.activeIDs(t), "work done before the timeout is kept")
}

func TestCoordinatorResume(t *testing.T) {
	ctx := context.Background()

	// crashedJob leaves a running job that listed the first page and was processing f1.
	crashedJob := func(t *testing.T, h *harness) *models.SyncJob {
		t.Helper()
		job := models.NewSyncJob(profile, "mock", models.SyncTypeFull)
		require.NoError(t, h.store.Jobs.Create(ctx, job))
		require.NoError(t, job.Start())
		require.NoError(t, job.UpdateCursor("page-1"))
		require.NoError(t, h.store.Jobs.Save(ctx, job))

		q, err := queue.Open(ctx, h.store.WorkItems, job.ID)
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, &models.WorkItem{RemoteFileID: "f1", Name: "a.mp3", Size: 1000, ContentHash: "md5:a", ModifiedAt: listedAt})
		require.NoError(t, err)
		_, err = q.Dequeue(ctx)
		require.NoError(t, err)
		return job
	}

	files := []services.RemoteFile{
		tt.AudioFile("f1", "a.mp3", 1000, "md5:a"),
		tt.AudioFile("f2", "b.mp3", 1000, "md5:b"),
		tt.AudioFile("f3", "c.mp3", 1000, "md5:c"),
	}

	t.Run("continues from the stored cursor", func(t *testing.T) {
		h := newHarness(t)
		h.provider.PageSize = 1
		h.provider.SetFiles(files...)
		crashed := crashedJob(t, h)

		job, err := h.coord.Resume(ctx, crashed.ID)
		require.NoError(t, err)
		assert.Equal(t, crashed.ID, job.ID)
		assert.Equal(t, models.StatusCompleted, job.Status())
		assert.Equal(t, 3, job.Stats().ItemsDiscovered)
		assert.Equal(t, 3, job.Stats().ItemsAdded)
		assert.Equal(t, 2, h.provider.ListCalls(), "the first page is not listed again")
		assert.Equal(t, []string{"f1", "f2", "f3"}, h.activeIDs(t))
	})

	t.Run("run with resume picks up the orphan", func(t *testing.T) {
		h := newHarness(t)
		h.provider.PageSize = 1
		h.provider.SetFiles(files...)
		crashed := crashedJob(t, h)

		job, err := h.coord.Run(ctx, RunOptions{ProfileID: profile, Resume: true})
		require.NoError(t, err)
		assert.Equal(t, crashed.ID, job.ID)
		assert.Equal(t, models.StatusCompleted, job.Status())
	})

	t.Run("run without resume fails the orphan", func(t *testing.T) {
		h := newHarness(t)
		h.provider.SetFiles(files...)
		crashed := crashedJob(t, h)

		job, err := h.coord.Run(ctx, RunOptions{ProfileID: profile})
		require.NoError(t, err)
		assert.NotEqual(t, crashed.ID, job.ID)

		old, err := h.store.Jobs.Get(ctx, crashed.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, old.Status())
		assert.Equal(t, "interrupted", old.ErrorMessage())
	})

	t.Run("terminal jobs are not resumable", func(t *testing.T) {
		h := newHarness(t)
		h.provider.SetFiles(files...)
		done, err := h.coord.Run(ctx, RunOptions{ProfileID: profile})
		require.NoError(t, err)

		_, err = h.coord.Resume(ctx, done.ID)
		assert.ErrorIs(t, err, shared.ErrJobNotResumable)
	})
}

func TestCoordinatorIncremental(t *testing.T) {
	ctx := context.Background()

	t.Run("applies the change feed", func(t *testing.T) {
		h := newHarness(t)
		h.provider.StartToken = "tok-1"
		h.provider.SetFiles(tt.AudioFile("f1", "a.mp3", 1000, "md5:a"), tt.AudioFile("f2", "b.mp3", 1000, "md5:b"))

		full, err := h.coord.Run(ctx, RunOptions{ProfileID: profile, Incremental: true})
		require.NoError(t, err)
		assert.Equal(t, models.SyncTypeFull, full.SyncType, "no cursor stored yet")

		cursor, err := h.store.Cursors.Get(ctx, profile, "mock")
		require.NoError(t, err)
		assert.Equal(t, "tok-1", cursor.ChangeCursor)
		assert.False(t, cursor.LastFullSyncAt.IsZero())

		h.provider.SetFiles(tt.AudioFile("f2", "b.mp3", 1000, "md5:b"), tt.AudioFile("f4", "d.mp3", 1000, "md5:d"))
		h.provider.Changes = []services.ChangeSet{{
			Changed:        []services.RemoteFile{tt.AudioFile("f4", "d.mp3", 1000, "md5:d")},
			Removed:        []string{"f1"},
			NewStartCursor: "tok-2",
		}}

		job, err := h.coord.Run(ctx, RunOptions{ProfileID: profile, Incremental: true})
		require.NoError(t, err)
		assert.Equal(t, models.SyncTypeIncremental, job.SyncType)
		assert.Equal(t, 1, job.Stats().ItemsAdded)
		assert.Equal(t, 1, job.Stats().DeletionsSoft)
		assert.Equal(t, []string{"tok-1"}, h.provider.ChangeCursors())
		assert.Equal(t, []string{"f2", "f4"}, h.activeIDs(t), "unchanged files survive an incremental pass")

		cursor, err = h.store.Cursors.Get(ctx, profile, "mock")
		require.NoError(t, err)
		assert.Equal(t, "tok-2", cursor.ChangeCursor)
	})

	t.Run("change feed errors fail the job", func(t *testing.T) {
		h := newHarness(t)
		h.provider.StartToken = "tok-1"
		h.provider.SetFiles(tt.AudioFile("f1", "a.mp3", 1000, "md5:a"))
		_, err := h.coord.Run(ctx, RunOptions{ProfileID: profile})
		require.NoError(t, err)

		h.provider.ChangesErr = errors.New("feed unavailable")
		job, err := h.coord.Run(ctx, RunOptions{ProfileID: profile, Incremental: true})
		require.Error(t, err)
		assert.Equal(t, models.StatusFailed, job.Status())
		assert.Equal(t, "discovering", job.ErrorDetails()["phase"])
	})
}

func TestCoordinatorRenames(t *testing.T) {
	ctx := context.Background()

	t.Run("moved file keeps its track", func(t *testing.T) {
		h := newHarness(t)
		old := h.seedTrack(t, "old-id", "md5:r")
		h.provider.SetFiles(tt.AudioFile("new-id", "moved.mp3", 1000, "md5:r"))

		job, err := h.coord.Run(ctx, RunOptions{ProfileID: profile})
		require.NoError(t, err)
		assert.Equal(t, 1, job.Stats().RenamesResolved)
		assert.Zero(t, job.Stats().DeletionsSoft)
		assert.Zero(t, job.Stats().ItemsAdded)
		assert.Zero(t, h.provider.Downloads("new-id"), "renamed files are not downloaded")

		renamed, err := h.store.Tracks.Get(ctx, old.ID)
		require.NoError(t, err)
		assert.Equal(t, "new-id", renamed.ProviderFileID)
	})

	t.Run("copy of a present file is deduplicated in the same run", func(t *testing.T) {
		h := newHarness(t)
		h.seedTrack(t, "keep", "md5:k")
		h.provider.SetFiles(
			tt.AudioFile("keep", "keep.mp3", 1000, "md5:k"),
			tt.AudioFile("copy", "copy.mp3", 1000, "md5:k"),
		)

		job, err := h.coord.Run(ctx, RunOptions{ProfileID: profile})
		require.NoError(t, err)
		assert.Zero(t, job.Stats().RenamesResolved)
		assert.Equal(t, 1, job.Stats().ItemsAdded)
		assert.Equal(t, 1, job.Stats().DuplicatesDetected)
		assert.Equal(t, 1, job.Stats().DuplicatesResolved)
		assert.Equal(t, int64(1000), job.Stats().SpaceReclaimed)
		assert.Equal(t, []string{"keep"}, h.activeIDs(t))

		again, err := h.coord.Run(ctx, RunOptions{ProfileID: profile})
		require.NoError(t, err)
		assert.Zero(t, again.Stats().ItemsAdded)
		assert.Zero(t, again.Stats().DuplicatesResolved)
		assert.Equal(t, []string{"keep"}, h.activeIDs(t))
	})
}
