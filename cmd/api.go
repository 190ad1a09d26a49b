package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tapedeck/internal/events"
	"github.com/desertthunder/tapedeck/internal/server"
)

// Serve runs the HTTP API until the command's context is cancelled.
//
// Syncs started over the API run inside this process; their events are logged.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	store, err := r.openStore()
	if err != nil {
		return err
	}

	bus := events.NewBus(events.WithLogger(r.logger.WithPrefix("events")))
	defer bus.Close()

	coordinator, err := r.newCoordinator(store, events.Multi{bus, events.LogEmitter{Logger: r.logger}})
	if err != nil {
		return err
	}

	addr := cmd.String("addr")
	if addr == "" {
		addr = r.config.Server.Addr()
	}

	api := server.NewAPI(coordinator, store.Jobs, r.logger.WithPrefix("api"))
	router := server.NewRouter(api, server.WithRouterLogger(r.logger.WithPrefix("http")))
	return server.New(addr, router, r.logger).Run(ctx)
}
