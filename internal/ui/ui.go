package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/shared"
	"github.com/desertthunder/tapedeck/internal/tasks"
)

// ViewState represents the current view in the TUI.
type ViewState int

const (
	ProfileListView ViewState = iota
	ConfirmView
	SyncView
	ResultView
)

// Syncer starts and cancels runs. Implemented by [tasks.Coordinator].
type Syncer interface {
	Start(ctx context.Context, opts tasks.RunOptions) (*models.SyncJob, error)
	Cancel(profileID string) (string, error)
}

type ProfileLister interface {
	List(ctx context.Context, criteria map[string]any) ([]*models.Profile, error)
}

type JobStore interface {
	Get(ctx context.Context, id string) (*models.SyncJob, error)
	ListByProfile(ctx context.Context, profileID string, limit int) ([]*models.SyncJob, error)
}

// Model represents the TUI application state.
type Model struct {
	ctx      context.Context
	view     ViewState
	syncer   Syncer
	profiles ProfileLister
	jobs     JobStore
	events   <-chan models.SyncEvent

	width       int
	height      int
	profileList list.Model
	loaded      bool
	selected    *models.Profile
	incremental bool

	job        *models.SyncJob
	progress   models.SyncProgress
	conflicts  map[models.Phase]models.ConflictResolutionStats
	cancelling bool

	bar     progress.Model
	spinner spinner.Model
	help    help.Model
	keys    keyMap
	err     error
}

// NewModel creates a TUI model. events is a subscription to the bus the coordinator emits to.
func NewModel(ctx context.Context, syncer Syncer, profiles ProfileLister, jobs JobStore, events <-chan models.SyncEvent) *Model {
	return &Model{
		ctx:       ctx,
		view:      ProfileListView,
		syncer:    syncer,
		profiles:  profiles,
		jobs:      jobs,
		events:    events,
		conflicts: make(map[models.Phase]models.ConflictResolutionStats),
		bar:       progress.New(progress.WithDefaultGradient()),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		help:      help.New(),
		keys:      newKeyMap(),
	}
}

// Init fetches the profiles and starts listening for events.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchProfiles(), m.waitForEvent(), m.spinner.Tick)
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.loaded {
			m.profileList.SetSize(msg.Width-4, msg.Height-8)
		}
		m.bar.Width = min(max(msg.Width-8, 10), 80)
		return m, nil

	case tea.KeyMsg:
		switch m.view {
		case ProfileListView:
			return m.handleProfileListKeys(msg)
		case ConfirmView:
			return m.handleConfirmKeys(msg)
		case SyncView:
			return m.handleSyncKeys(msg)
		case ResultView:
			return m.handleResultKeys(msg)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd

	case Msg:
		return m.handleMsg(msg)
	}

	if m.view == ProfileListView && m.loaded {
		var cmd tea.Cmd
		m.profileList, cmd = m.profileList.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleMsg(msg Msg) (tea.Model, tea.Cmd) {
	switch msg.kind {
	case MsgProfilesFetched:
		data := msg.data.(profilesFetched)
		if data.err != nil {
			m.err = data.err
			return m, tea.Quit
		}
		items := make([]list.Item, len(data.items))
		for i, it := range data.items {
			items[i] = it
		}
		m.profileList = list.New(items, list.NewDefaultDelegate(), 0, 0)
		m.profileList.Title = "Profiles"
		m.profileList.SetSize(m.width-4, m.height-8)
		m.loaded = true
		return m, nil

	case MsgSyncStarted:
		data := msg.data.(jobResult)
		if data.err != nil {
			m.err = data.err
			m.view = ResultView
			return m, nil
		}
		m.job = data.job
		m.progress = data.job.Progress()
		return m, nil

	case MsgSyncEvent:
		return m, tea.Batch(m.applyEvent(msg.data.(models.SyncEvent)), m.waitForEvent())

	case MsgJobLoaded:
		data := msg.data.(jobResult)
		m.err = data.err
		if data.job != nil {
			m.job = data.job
		}
		m.view = ResultView
		m.cancelling = false
		return m, nil

	case MsgCancelRequested:
		if err, _ := msg.data.(error); err != nil {
			m.err = err
			m.cancelling = false
		}
		return m, nil

	case MsgEventsClosed:
		m.events = nil
		return m, nil
	}
	return m, nil
}

// applyEvent folds an event of the current job into the model.
func (m *Model) applyEvent(e models.SyncEvent) tea.Cmd {
	if m.job == nil || e.JobID != m.job.ID || m.view != SyncView {
		return nil
	}
	if e.Progress != nil {
		m.progress = *e.Progress
	}
	if e.Conflicts != nil && e.Progress != nil {
		m.conflicts[e.Progress.Phase] = *e.Conflicts
	}
	if e.Kind.IsTerminal() {
		return tea.Batch(m.bar.SetPercent(1), m.loadJob(e.JobID))
	}
	return m.bar.SetPercent(m.progress.Percent / 100)
}

func (m *Model) handleProfileListKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case !m.loaded:
		return m, nil
	case key.Matches(msg, m.keys.enter):
		if it, ok := m.profileList.SelectedItem().(profileItem); ok {
			m.selected = it.profile
			m.incremental = it.last != nil && it.last.Status() == models.StatusCompleted
			m.view = ConfirmView
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.profileList, cmd = m.profileList.Update(msg)
	return m, cmd
}

func (m *Model) handleConfirmKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit, m.keys.no, m.keys.back):
		m.view = ProfileListView
		return m, nil
	case key.Matches(msg, m.keys.incremental):
		m.incremental = !m.incremental
		return m, nil
	case key.Matches(msg, m.keys.yes):
		m.view = SyncView
		m.job = nil
		m.err = nil
		m.progress = models.SyncProgress{}
		clear(m.conflicts)
		return m, tea.Batch(m.bar.SetPercent(0), m.startSync())
	}
	return m, nil
}

func (m *Model) handleSyncKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.cancel):
		if m.cancelling || m.selected == nil {
			return m, nil
		}
		m.cancelling = true
		return m, m.cancelSync(m.selected.ID)
	case msg.String() == "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) handleResultKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.restart):
		m.view = ProfileListView
		m.job = nil
		m.err = nil
		return m, m.fetchProfiles()
	}
	return m, nil
}

func (m *Model) fetchProfiles() tea.Cmd {
	return func() tea.Msg {
		profiles, err := m.profiles.List(m.ctx, nil)
		if err != nil {
			return profilesFetchedMsg(nil, err)
		}
		items := make([]profileItem, 0, len(profiles))
		for _, p := range profiles {
			item := profileItem{profile: p}
			if jobs, err := m.jobs.ListByProfile(m.ctx, p.ID, 1); err == nil && len(jobs) > 0 {
				item.last = jobs[0]
			}
			items = append(items, item)
		}
		return profilesFetchedMsg(items, nil)
	}
}

func (m *Model) startSync() tea.Cmd {
	opts := tasks.RunOptions{ProfileID: m.selected.ID, Incremental: m.incremental}
	return func() tea.Msg {
		job, err := m.syncer.Start(m.ctx, opts)
		return syncStartedMsg(job, err)
	}
}

func (m *Model) cancelSync(profileID string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.syncer.Cancel(profileID)
		return cancelRequestedMsg(err)
	}
}

func (m *Model) loadJob(id string) tea.Cmd {
	return func() tea.Msg {
		job, err := m.jobs.Get(m.ctx, id)
		return jobLoadedMsg(job, err)
	}
}

func (m *Model) waitForEvent() tea.Cmd {
	events := m.events
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return eventsClosedMsg()
		}
		return syncEventMsg(e)
	}
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	if m.err != nil && m.view == ProfileListView {
		return styles.err.Render(fmt.Sprintf("Error: %v\n\nPress q to quit", m.err))
	}

	switch m.view {
	case ProfileListView:
		return m.renderProfileList()
	case ConfirmView:
		return m.renderConfirm()
	case SyncView:
		return m.renderSync()
	case ResultView:
		return m.renderResult()
	default:
		return ""
	}
}

func (m *Model) renderProfileList() string {
	if !m.loaded {
		return fmt.Sprintf("%s loading profiles...", m.spinner.View())
	}
	helpView := m.help.ShortHelpView([]key.Binding{m.keys.up, m.keys.down, m.keys.enter, m.keys.quit})
	return fmt.Sprintf("%s\n\n%s", m.profileList.View(), helpView)
}

func (m *Model) renderConfirm() string {
	title := styles.title.Render(fmt.Sprintf("Sync %s?", m.selected.Account))
	mode := "full"
	if m.incremental {
		mode = "incremental"
	}
	info := fmt.Sprintf("Provider: %s\nMode: %s\n", m.selected.ProviderID, mode)
	helpView := m.help.ShortHelpView([]key.Binding{m.keys.yes, m.keys.no, m.keys.incremental})
	return fmt.Sprintf("%s\n%s\n%s", title, info, helpView)
}

func (m *Model) renderSync() string {
	var b strings.Builder
	b.WriteString(styles.title.Render(fmt.Sprintf("Syncing %s", m.selected.Account)))
	b.WriteString("\n")

	if m.job == nil {
		fmt.Fprintf(&b, "%s starting...\n", m.spinner.View())
		return b.String()
	}

	p := m.progress
	fmt.Fprintf(&b, "%s %s\n\n", m.spinner.View(), phaseLabel(p.Phase))
	fmt.Fprintf(&b, "%s\n\n", m.bar.View())
	fmt.Fprintf(&b, "Discovered: %d  Processed: %d  Failed: %d\n", p.Discovered, p.Processed, p.Failed)

	for _, phase := range []models.Phase{models.PhaseDuplicates, models.PhaseRenames, models.PhaseDeletions} {
		s, ok := m.conflicts[phase]
		if !ok {
			continue
		}
		switch phase {
		case models.PhaseDuplicates:
			fmt.Fprintf(&b, "Duplicates: %d resolved of %d\n", s.DuplicatesResolved, s.DuplicatesDetected)
		case models.PhaseRenames:
			fmt.Fprintf(&b, "Renames: %d\n", s.RenamesResolved)
		case models.PhaseDeletions:
			fmt.Fprintf(&b, "Deletions: %d soft, %d hard\n", s.DeletionsSoft, s.DeletionsHard)
		}
	}

	if m.cancelling {
		b.WriteString(styles.warn.Render("\ncancelling after the current item..."))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.help.ShortHelpView([]key.Binding{m.keys.cancel}))
	return b.String()
}

func (m *Model) renderResult() string {
	helpView := m.help.ShortHelpView([]key.Binding{m.keys.restart, m.keys.quit})

	if m.job == nil {
		msg := "No result available"
		if m.err != nil {
			msg = fmt.Sprintf("Sync failed: %v", m.err)
		}
		return fmt.Sprintf("%s\n\n%s", styles.err.Render(msg), helpView)
	}

	status := m.job.Status().String()
	var b strings.Builder
	b.WriteString(statusStyle(status).Render(fmt.Sprintf("Sync %s", status)))
	b.WriteString("\n\n")

	if msg := m.job.ErrorMessage(); msg != "" && m.job.Status() != models.StatusCompleted {
		fmt.Fprintf(&b, "%s\n\n", msg)
	}
	if s := m.job.Stats(); s != nil {
		fmt.Fprintf(&b, "Added: %d  Updated: %d  Skipped: %d  Failed: %d\n", s.ItemsAdded, s.ItemsUpdated, s.ItemsSkipped, s.ItemsFailed)
		fmt.Fprintf(&b, "Duplicates: %d  Renames: %d  Deleted: %d\n", s.DuplicatesResolved, s.RenamesResolved, s.DeletionsSoft+s.DeletionsHard)
		fmt.Fprintf(&b, "Reclaimed: %s  Downloaded: %s  Took: %s\n",
			shared.FormatBytes(s.SpaceReclaimed), shared.FormatBytes(s.BytesDownloaded), shared.FormatDuration(s.Duration))
	} else {
		p := m.job.Progress()
		fmt.Fprintf(&b, "Processed %d of %d before stopping in %s\n", p.Processed, p.Discovered, p.Phase)
	}

	return fmt.Sprintf("%s\n%s", b.String(), helpView)
}

func phaseLabel(p models.Phase) string {
	switch p {
	case models.PhaseValidating:
		return "Validating session..."
	case models.PhaseDiscovering:
		return "Listing remote files..."
	case models.PhaseEnqueueing:
		return "Queueing work..."
	case models.PhaseProcessing:
		return "Reading metadata..."
	case models.PhaseDuplicates:
		return "Resolving duplicates..."
	case models.PhaseRenames:
		return "Matching renames..."
	case models.PhaseDeletions:
		return "Removing vanished files..."
	case models.PhaseFinalizing:
		return "Finishing up..."
	case models.PhaseDone:
		return "Done"
	default:
		return "Starting..."
	}
}
