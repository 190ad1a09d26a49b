package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tapedeck/internal/events"
	"github.com/desertthunder/tapedeck/internal/shared"
	"github.com/desertthunder/tapedeck/internal/ui"
)

const tuiLogPath = "./tmp/tapedeck-tui.log"

// TUI launches the interactive sync monitor.
func (r *Runner) TUI(ctx context.Context, cmd *cli.Command) error {
	// Redirect logs to file to avoid interfering with TUI rendering
	if err := os.MkdirAll(filepath.Dir(tuiLogPath), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(tuiLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	defer logFile.Close()
	fileLogger := shared.NewLogger(logFile)
	fileLogger.SetLevel(r.logger.GetLevel())
	r.SetLogger(fileLogger)

	store, err := r.openStore()
	if err != nil {
		return err
	}

	bus := events.NewBus(events.WithLogger(fileLogger.WithPrefix("events")))
	defer bus.Close()

	subCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()

	sub, err := bus.Subscribe(subCtx)
	if err != nil {
		return err
	}

	coordinator, err := r.newCoordinator(store, events.Multi{bus, events.LogEmitter{Logger: fileLogger}})
	if err != nil {
		return err
	}

	model := ui.NewModel(ctx, coordinator, store.Profiles, store.Jobs, sub)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	_, err = p.Run()
	unsubscribe()

	// A sync still running when the UI quits is cancelled and waited for.
	for _, run := range coordinator.Active() {
		if _, cerr := coordinator.Cancel(run.ProfileID); cerr == nil {
			coordinator.Wait(context.Background(), run.ProfileID)
		}
	}

	if err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}
