// Package ui implements the `tapedeck tui` sync monitor using bubbletea's Elm architecture.
//
// The TUI provides a multi-view workflow:
//  1. [ProfileListView] : Browse authenticated profiles
//  2. [ConfirmView] : Confirm a sync, toggling incremental mode
//  3. [SyncView] : Follow phase, progress and conflict counters live
//  4. [ResultView] : Display the finished job's stats
//
// Progress arrives as [models.SyncEvent] values from the event bus subscription; events of other
// jobs are ignored. The finished job is reloaded from the store, so the result view shows what was
// persisted rather than what was observed.
//
// Keyboard navigation uses vim-style bindings (j/k, enter, esc, y/n, q) with contextual help displayed via charmbracelet/bubbles/help.
package ui
