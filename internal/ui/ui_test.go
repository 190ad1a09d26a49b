package ui

import (
	"context"
	"errors"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/repositories"
	"github.com/desertthunder/tapedeck/internal/shared"
	"github.com/desertthunder/tapedeck/internal/tasks"
	tt "github.com/desertthunder/tapedeck/internal/testing"
)

type fakeSyncer struct {
	store    *repositories.Store
	startErr error

	mu        sync.Mutex
	started   []tasks.RunOptions
	cancelled []string
}

func (f *fakeSyncer) Start(ctx context.Context, opts tasks.RunOptions) (*models.SyncJob, error) {
	f.mu.Lock()
	f.started = append(f.started, opts)
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}

	job := models.NewSyncJob(opts.ProfileID, "mock", models.SyncTypeFull)
	if err := f.store.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := job.Start(); err != nil {
		return nil, err
	}
	return job, f.store.Jobs.Save(ctx, job)
}

func (f *fakeSyncer) Cancel(profileID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, profileID)
	return "job", nil
}

func keyPress(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func setup(t *testing.T, withHistory bool) (*Model, *fakeSyncer, *repositories.Store) {
	t.Helper()
	ctx := context.Background()
	store := tt.NewTestStore(t)

	profile := &models.Profile{ProviderID: "mock", Account: "ada@example.com", DisplayName: "Ada"}
	require.NoError(t, store.Profiles.Create(ctx, profile))

	if withHistory {
		job := models.NewSyncJob(profile.ID, "mock", models.SyncTypeFull)
		require.NoError(t, store.Jobs.Create(ctx, job))
		require.NoError(t, job.Start())
		require.NoError(t, job.Complete(models.SyncJobStats{ItemsAdded: 3}))
		require.NoError(t, store.Jobs.Save(ctx, job))
	}

	syncer := &fakeSyncer{store: store}
	m := NewModel(ctx, syncer, store.Profiles, store.Jobs, nil)
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m.Update(m.fetchProfiles()())
	return m, syncer, store
}

// startedModel walks the model to a running job.
func startedModel(t *testing.T) (*Model, *fakeSyncer, *repositories.Store) {
	t.Helper()
	m, syncer, store := setup(t, false)
	m.Update(keyPress("enter"))
	m.Update(keyPress("y"))
	m.Update(m.startSync()())
	require.NotNil(t, m.job)
	return m, syncer, store
}

func TestModelProfileList(t *testing.T) {
	t.Run("lists profiles with their last job", func(t *testing.T) {
		m, _, _ := setup(t, true)

		require.True(t, m.loaded)
		items := m.profileList.Items()
		require.Len(t, items, 1)
		item := items[0].(profileItem)
		require.NotNil(t, item.last)
		assert.Equal(t, models.StatusCompleted, item.last.Status())
		assert.Contains(t, item.Description(), "last sync completed")
		assert.Contains(t, m.View(), "Ada (ada@example.com)")
	})

	t.Run("never synced profile", func(t *testing.T) {
		m, _, _ := setup(t, false)
		item := m.profileList.Items()[0].(profileItem)
		assert.Contains(t, item.Description(), "never synced")
	})

	t.Run("shows loading before profiles arrive", func(t *testing.T) {
		store := tt.NewTestStore(t)
		m := NewModel(context.Background(), &fakeSyncer{store: store}, store.Profiles, store.Jobs, nil)
		assert.Contains(t, m.View(), "loading profiles")

		_, cmd := m.Update(keyPress("enter"))
		assert.Nil(t, cmd)
		assert.Equal(t, ProfileListView, m.view)
	})

	t.Run("quit", func(t *testing.T) {
		m, _, _ := setup(t, false)
		_, cmd := m.Update(keyPress("q"))
		require.NotNil(t, cmd)
		assert.IsType(t, tea.QuitMsg{}, cmd())
	})
}

func TestModelConfirm(t *testing.T) {
	t.Run("defaults to incremental after a completed sync", func(t *testing.T) {
		m, _, _ := setup(t, true)
		m.Update(keyPress("enter"))

		assert.Equal(t, ConfirmView, m.view)
		assert.True(t, m.incremental)
		assert.Contains(t, m.View(), "Mode: incremental")

		m.Update(keyPress("i"))
		assert.False(t, m.incremental)
		assert.Contains(t, m.View(), "Mode: full")
	})

	t.Run("no returns to the list", func(t *testing.T) {
		m, syncer, _ := setup(t, false)
		m.Update(keyPress("enter"))
		m.Update(keyPress("n"))

		assert.Equal(t, ProfileListView, m.view)
		assert.Empty(t, syncer.started)
	})

	t.Run("esc returns to the list", func(t *testing.T) {
		m, _, _ := setup(t, false)
		m.Update(keyPress("enter"))
		m.Update(keyPress("esc"))
		assert.Equal(t, ProfileListView, m.view)
	})

	t.Run("yes starts the sync", func(t *testing.T) {
		m, syncer, _ := setup(t, true)
		m.Update(keyPress("enter"))
		_, cmd := m.Update(keyPress("y"))

		require.NotNil(t, cmd)
		assert.Equal(t, SyncView, m.view)
		assert.Contains(t, m.View(), "starting")

		m.Update(m.startSync()())
		require.Len(t, syncer.started, 1)
		assert.Equal(t, m.selected.ID, syncer.started[0].ProfileID)
		assert.True(t, syncer.started[0].Incremental)
		require.NotNil(t, m.job)
		assert.Equal(t, models.StatusRunning, m.job.Status())
	})

	t.Run("start failure shows the error", func(t *testing.T) {
		m, syncer, _ := setup(t, false)
		syncer.startErr = &tasks.SyncInProgressError{ProfileID: "p", JobID: "job-1"}
		m.Update(keyPress("enter"))
		m.Update(keyPress("y"))
		m.Update(m.startSync()())

		assert.Equal(t, ResultView, m.view)
		assert.Contains(t, m.View(), "Sync failed")
	})
}

func TestModelSyncEvents(t *testing.T) {
	t.Run("progress updates the view", func(t *testing.T) {
		m, _, _ := startedModel(t)

		m.Update(syncEventMsg(models.SyncEvent{
			Kind:     models.EventProgress,
			JobID:    m.job.ID,
			Progress: &models.SyncProgress{Discovered: 4, Processed: 1, Failed: 1, Percent: 50, Phase: models.PhaseProcessing},
		}))

		assert.Equal(t, 4, m.progress.Discovered)
		view := m.View()
		assert.Contains(t, view, "Discovered: 4  Processed: 1  Failed: 1")
		assert.Contains(t, view, "Reading metadata")
	})

	t.Run("events for other jobs are ignored", func(t *testing.T) {
		m, _, _ := startedModel(t)
		m.Update(syncEventMsg(models.SyncEvent{
			Kind:     models.EventProgress,
			JobID:    "other",
			Progress: &models.SyncProgress{Discovered: 9},
		}))
		assert.Zero(t, m.progress.Discovered)
	})

	t.Run("conflict stats are shown per phase", func(t *testing.T) {
		m, _, _ := startedModel(t)
		m.Update(syncEventMsg(models.SyncEvent{
			Kind:      models.EventProgress,
			JobID:     m.job.ID,
			Progress:  &models.SyncProgress{Phase: models.PhaseDuplicates},
			Conflicts: &models.ConflictResolutionStats{DuplicatesDetected: 2, DuplicatesResolved: 1},
		}))
		assert.Contains(t, m.View(), "Duplicates: 1 resolved of 2")
	})

	t.Run("terminal event loads the final job", func(t *testing.T) {
		m, _, store := startedModel(t)
		ctx := context.Background()

		job, err := store.Jobs.Get(ctx, m.job.ID)
		require.NoError(t, err)
		require.NoError(t, job.Complete(models.SyncJobStats{ItemsAdded: 2, SpaceReclaimed: 2048}))
		require.NoError(t, store.Jobs.Save(ctx, job))

		_, cmd := m.Update(syncEventMsg(models.SyncEvent{Kind: models.EventCompleted, JobID: job.ID}))
		require.NotNil(t, cmd)
		assert.Equal(t, SyncView, m.view)

		m.Update(m.loadJob(job.ID)())
		assert.Equal(t, ResultView, m.view)
		view := m.View()
		assert.Contains(t, view, "Sync completed")
		assert.Contains(t, view, "Added: 2")
		assert.Contains(t, view, shared.FormatBytes(2048))
	})

	t.Run("failed job shows its message", func(t *testing.T) {
		m, _, store := startedModel(t)
		ctx := context.Background()

		job, err := store.Jobs.Get(ctx, m.job.ID)
		require.NoError(t, err)
		require.NoError(t, job.Fail("session expired", nil))
		require.NoError(t, store.Jobs.Save(ctx, job))

		m.Update(m.loadJob(job.ID)())
		view := m.View()
		assert.Contains(t, view, "Sync failed")
		assert.Contains(t, view, "session expired")
	})

	t.Run("closed subscription stops listening", func(t *testing.T) {
		events := make(chan models.SyncEvent)
		close(events)

		m, _, _ := setup(t, false)
		m.events = events
		m.Update(m.waitForEvent()())

		assert.Nil(t, m.events)
		assert.Nil(t, m.waitForEvent())
	})
}

func TestModelCancel(t *testing.T) {
	t.Run("c requests cancellation once", func(t *testing.T) {
		m, syncer, _ := startedModel(t)

		_, cmd := m.Update(keyPress("c"))
		require.NotNil(t, cmd)
		assert.True(t, m.cancelling)
		assert.Contains(t, m.View(), "cancelling")

		_, again := m.Update(keyPress("c"))
		assert.Nil(t, again)

		m.Update(cmd())
		assert.Equal(t, []string{m.selected.ID}, syncer.cancelled)
		assert.True(t, m.cancelling)
	})

	t.Run("cancel error is surfaced", func(t *testing.T) {
		m, _, _ := startedModel(t)
		m.Update(keyPress("c"))
		m.Update(cancelRequestedMsg(errors.New("boom")))

		assert.False(t, m.cancelling)
		assert.EqualError(t, m.err, "boom")
	})
}

func TestModelResult(t *testing.T) {
	m, _, store := startedModel(t)
	ctx := context.Background()
	job, err := store.Jobs.Get(ctx, m.job.ID)
	require.NoError(t, err)
	require.NoError(t, job.Complete(models.SyncJobStats{}))
	require.NoError(t, store.Jobs.Save(ctx, job))
	m.Update(m.loadJob(job.ID)())

	_, cmd := m.Update(keyPress("r"))
	require.NotNil(t, cmd)
	assert.Equal(t, ProfileListView, m.view)
	assert.Nil(t, m.job)

	m.Update(cmd())
	item := m.profileList.Items()[0].(profileItem)
	require.NotNil(t, item.last)
	assert.Equal(t, job.ID, item.last.ID)
}
