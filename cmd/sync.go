package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/desertthunder/tapedeck/internal/events"
	"github.com/desertthunder/tapedeck/internal/formatter"
	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/repositories"
	"github.com/desertthunder/tapedeck/internal/shared"
	"github.com/desertthunder/tapedeck/internal/tasks"
)

// SyncRun syncs the selected profiles concurrently and prints a report of the resulting jobs.
//
// A failing profile does not stop the others; every failure is returned once all runs finish.
func (r *Runner) SyncRun(ctx context.Context, cmd *cli.Command) error {
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	store, err := r.openStore()
	if err != nil {
		return err
	}

	profiles := cmd.StringSlice("profile")
	if len(profiles) == 0 {
		all, err := store.Profiles.List(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to list profiles: %w", err)
		}
		for _, p := range all {
			profiles = append(profiles, p.ID)
		}
	}
	if len(profiles) == 0 {
		return fmt.Errorf("%w: no profiles, run 'tapedeck auth login' first", shared.ErrMissingArgument)
	}

	coordinator, err := r.newCoordinator(store, events.LogEmitter{Logger: r.logger})
	if err != nil {
		return err
	}

	opts := tasks.RunOptions{Incremental: cmd.Bool("incremental"), Resume: cmd.Bool("resume")}
	jobs, err := r.runProfiles(ctx, coordinator, profiles, opts, cmd.Int("parallel"))

	data, rerr := formatter.RenderJobs(format, jobs)
	if rerr != nil {
		return errors.Join(err, rerr)
	}
	if werr := r.writeReport(cmd.String("output"), data); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

// runProfiles runs each profile at most parallel at a time. Jobs are returned in profile order;
// profiles that never created a job are left out.
func (r *Runner) runProfiles(ctx context.Context, c *tasks.Coordinator, profiles []string, opts tasks.RunOptions, parallel int) ([]*models.SyncJob, error) {
	results := make([]*models.SyncJob, len(profiles))

	var mu sync.Mutex
	var errs []error

	var g errgroup.Group
	g.SetLimit(max(parallel, 1))
	for i, profileID := range profiles {
		g.Go(func() error {
			o := opts
			o.ProfileID = profileID

			logger := r.logger.With("profile_id", profileID)
			logger.Info("sync started", "incremental", o.Incremental)

			job, err := c.Run(ctx, o)
			results[i] = job
			if err != nil {
				logger.Error("sync failed", "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("profile %s: %w", profileID, err))
				mu.Unlock()
				return nil
			}
			logger.Info("sync finished", "job_id", job.ID, "status", job.Status())
			return nil
		})
	}
	_ = g.Wait()

	jobs := make([]*models.SyncJob, 0, len(results))
	for _, job := range results {
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, errors.Join(errs...)
}

// SyncResume continues an interrupted job.
func (r *Runner) SyncResume(ctx context.Context, cmd *cli.Command) error {
	jobID := cmd.StringArg("job-id")
	if jobID == "" {
		return fmt.Errorf("%w: job id is required", shared.ErrMissingArgument)
	}
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	store, err := r.openStore()
	if err != nil {
		return err
	}
	coordinator, err := r.newCoordinator(store, events.LogEmitter{Logger: r.logger})
	if err != nil {
		return err
	}

	job, err := coordinator.Resume(ctx, jobID)
	if job == nil {
		return err
	}
	data, rerr := formatter.RenderJob(format, job)
	if rerr != nil {
		return errors.Join(err, rerr)
	}
	return errors.Join(err, r.writeReport(cmd.String("output"), data))
}

// SyncStatus prints one job.
func (r *Runner) SyncStatus(ctx context.Context, cmd *cli.Command) error {
	jobID := cmd.StringArg("job-id")
	if jobID == "" {
		return fmt.Errorf("%w: job id is required", shared.ErrMissingArgument)
	}
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	store, err := r.openStore()
	if err != nil {
		return err
	}
	job, err := store.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	data, err := formatter.RenderJob(format, job)
	if err != nil {
		return err
	}
	return r.writeReport(cmd.String("output"), data)
}

// SyncCancel asks a running `tapedeck serve` to cancel the profile's job. Without a server the
// job can only belong to a process that is gone, so it is marked cancelled in the database.
func (r *Runner) SyncCancel(ctx context.Context, cmd *cli.Command) error {
	profileID := cmd.String("profile")

	resp, err := r.apiClient().CancelSync(ctx, profileID)
	switch {
	case err == nil:
		return r.writePlain("✓ Cancellation requested for job %s\n", resp.JobID)
	case !errors.Is(err, shared.ErrServiceUnavailable):
		return err
	}

	r.logger.Debug("server not reachable, cancelling in database", "err", err)

	store, err := r.openStore()
	if err != nil {
		return err
	}
	active, err := store.Jobs.FindActiveByProfile(ctx, profileID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return fmt.Errorf("%w: no running sync for profile %s", shared.ErrNotFound, profileID)
		}
		return err
	}

	coordinator, err := r.newCoordinator(store, events.LogEmitter{Logger: r.logger})
	if err != nil {
		return err
	}
	job, err := coordinator.CancelOrphan(ctx, active.ID)
	if err != nil {
		return err
	}
	return r.writePlain("✓ Job %s cancelled\n", job.ID)
}

// SyncJobs lists recent jobs, optionally for one profile.
func (r *Runner) SyncJobs(ctx context.Context, cmd *cli.Command) error {
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	store, err := r.openStore()
	if err != nil {
		return err
	}

	limit := cmd.Int("limit")
	var jobs []*models.SyncJob
	if profileID := cmd.String("profile"); profileID != "" {
		jobs, err = store.Jobs.ListByProfile(ctx, profileID, limit)
	} else {
		jobs, err = store.Jobs.ListRecent(ctx, limit)
	}
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	data, err := formatter.RenderJobs(format, jobs)
	if err != nil {
		return err
	}
	return r.writeReport(cmd.String("output"), data)
}
