package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"

	"github.com/desertthunder/tapedeck/internal/models"
)

var _ list.Item = profileItem{}

// profileItem wraps [models.Profile] and its latest job to implement [list.Item].
type profileItem struct {
	profile *models.Profile
	last    *models.SyncJob
}

func (i profileItem) FilterValue() string { return i.profile.Account }
func (i profileItem) Title() string {
	if i.profile.DisplayName != "" {
		return fmt.Sprintf("%s (%s)", i.profile.DisplayName, i.profile.Account)
	}
	return i.profile.Account
}
func (i profileItem) Description() string {
	desc := i.profile.ProviderID
	if i.last == nil {
		return desc + " • never synced"
	}
	desc = fmt.Sprintf("%s • last sync %s", desc, i.last.Status())
	if t := i.last.CompletedAt(); t != nil {
		desc = fmt.Sprintf("%s %s", desc, t.Local().Format("2006-01-02 15:04"))
	}
	return desc
}
