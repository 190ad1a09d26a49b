package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/tapedeck/internal/models"
)

// MsgKind enumerates all message types in the application.
type MsgKind int

// Msg represents all possible messages in the TUI (Elm-style message union).
type Msg struct {
	kind MsgKind
	data any
}

var (
	_ tea.Msg = Msg{}
)

const (
	MsgProfilesFetched MsgKind = iota
	MsgSyncStarted
	MsgSyncEvent
	MsgJobLoaded
	MsgCancelRequested
	MsgEventsClosed
)

type profilesFetched struct {
	items []profileItem
	err   error
}

type jobResult struct {
	job *models.SyncJob
	err error
}

// profilesFetchedMsg is the constructor for [MsgProfilesFetched]
func profilesFetchedMsg(items []profileItem, err error) Msg {
	return Msg{kind: MsgProfilesFetched, data: profilesFetched{items, err}}
}

// syncStartedMsg is the constructor for [MsgSyncStarted]
func syncStartedMsg(job *models.SyncJob, err error) Msg {
	return Msg{kind: MsgSyncStarted, data: jobResult{job, err}}
}

// syncEventMsg is the constructor for [MsgSyncEvent]
func syncEventMsg(e models.SyncEvent) Msg {
	return Msg{kind: MsgSyncEvent, data: e}
}

// jobLoadedMsg is the constructor for [MsgJobLoaded]
func jobLoadedMsg(job *models.SyncJob, err error) Msg {
	return Msg{kind: MsgJobLoaded, data: jobResult{job, err}}
}

// cancelRequestedMsg is the constructor for [MsgCancelRequested]
func cancelRequestedMsg(err error) Msg {
	return Msg{kind: MsgCancelRequested, data: err}
}

func eventsClosedMsg() Msg {
	return Msg{kind: MsgEventsClosed}
}
