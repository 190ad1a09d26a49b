package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tapedeck/internal/conflicts"
	"github.com/desertthunder/tapedeck/internal/formatter"
	"github.com/desertthunder/tapedeck/internal/repositories"
	"github.com/desertthunder/tapedeck/internal/shared"
)

// LibraryDuplicates reports duplicate sets, marking the copy deduplication would keep.
func (r *Runner) LibraryDuplicates(ctx context.Context, cmd *cli.Command) error {
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	store, err := r.openStore()
	if err != nil {
		return err
	}
	resolver, err := r.newResolver(store)
	if err != nil {
		return err
	}

	sets, err := resolver.DetectDuplicates(ctx, repositories.TrackScope{})
	if err != nil {
		return fmt.Errorf("failed to detect duplicates: %w", err)
	}

	data, err := formatter.RenderDuplicates(format, sets)
	if err != nil {
		return err
	}
	return r.writeReport(cmd.String("output"), data)
}

// LibraryDedupe resolves every duplicate set outside of a sync run.
func (r *Runner) LibraryDedupe(ctx context.Context, cmd *cli.Command) error {
	store, err := r.openStore()
	if err != nil {
		return err
	}
	resolver, err := r.newResolver(store)
	if err != nil {
		return err
	}

	sets, err := resolver.DetectDuplicates(ctx, repositories.TrackScope{})
	if err != nil {
		return fmt.Errorf("failed to detect duplicates: %w", err)
	}
	if len(sets) == 0 {
		return r.writePlain("No duplicates found\n")
	}

	if cmd.Bool("dry-run") {
		var wasted int64
		for _, set := range sets {
			primary := conflicts.SelectPrimary(set.Tracks)
			r.writePlain("%s: keep %s, remove %d\n", set.ContentHash, primary.FileName, set.Count()-1)
			wasted += set.WastedSpace
		}
		return r.writePlainln("Would reclaim %s", shared.FormatBytes(wasted))
	}

	var reclaimed int64
	var resolved int
	var errs []error
	for _, set := range sets {
		n, err := resolver.Deduplicate(ctx, set)
		if err != nil {
			if errors.Is(err, shared.ErrNeedsPrompt) {
				r.logger.Warn("duplicate set needs a decision", "hash", set.ContentHash)
				continue
			}
			errs = append(errs, err)
			continue
		}
		reclaimed += n
		resolved++
	}

	r.writePlain("✓ Resolved %d of %d duplicate sets\n", resolved, len(sets))
	r.writePlain("Reclaimed: %s\n", shared.FormatBytes(reclaimed))
	return errors.Join(errs...)
}

// LibraryDeleted lists soft-deleted tracks.
func (r *Runner) LibraryDeleted(ctx context.Context, cmd *cli.Command) error {
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	store, err := r.openStore()
	if err != nil {
		return err
	}
	tracks, err := store.Tracks.ListDeleted(ctx)
	if err != nil {
		return fmt.Errorf("failed to list deleted tracks: %w", err)
	}

	data, err := formatter.RenderTracks(format, tracks)
	if err != nil {
		return err
	}
	return r.writeReport(cmd.String("output"), data)
}

// LibraryRestore brings back a soft-deleted track.
func (r *Runner) LibraryRestore(ctx context.Context, cmd *cli.Command) error {
	trackID := cmd.StringArg("track-id")
	if trackID == "" {
		return fmt.Errorf("%w: track id is required", shared.ErrMissingArgument)
	}

	store, err := r.openStore()
	if err != nil {
		return err
	}
	if err := store.Tracks.Restore(ctx, trackID); err != nil {
		return err
	}

	track, err := store.Tracks.Get(ctx, trackID)
	if err != nil {
		return err
	}
	return r.writePlain("✓ Restored %s (%s)\n", track.Title, track.ProviderFileID)
}
