// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

func formatFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "format",
			Aliases: []string{"f"},
			Usage:   "Output format (json, csv, md, txt)",
			Value:   "txt",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Write the report to a file instead of stdout",
		},
	}
}

// setupCommand handles setup operations for the database.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Setup and configuration commands",
		Commands: []*cli.Command{
			{
				Name:   "database",
				Usage:  "Create the config file if missing, initialize the database and run migrations",
				Action: r.SetupDatabase,
			},
		},
	}
}

// authCommand handles authentication operations
func authCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage Google Drive profiles",
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "Authorize a Drive account with OAuth2 and store it as a profile",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "account",
						Aliases:  []string{"a"},
						Usage:    "Account the profile is stored under (usually the Google email)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Display name for the profile",
					},
				},
				Action: r.AuthLogin,
			},
			{
				Name:  "status",
				Usage: "List profiles and check their sessions",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Print the report as JSON"},
				},
				Action: r.AuthStatus,
			},
		},
	}
}

// syncCommand handles sync runs and job inspection.
func syncCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run and inspect library syncs",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Sync one or more profiles (all profiles when none is given)",
				Flags: append([]cli.Flag{
					&cli.StringSliceFlag{
						Name:    "profile",
						Aliases: []string{"p"},
						Usage:   "Profile ID to sync; repeat for several",
					},
					&cli.BoolFlag{
						Name:    "incremental",
						Aliases: []string{"i"},
						Usage:   "Read the change feed instead of listing every file",
					},
					&cli.BoolFlag{
						Name:  "resume",
						Usage: "Resume an interrupted job instead of failing it",
					},
					&cli.IntFlag{
						Name:  "parallel",
						Usage: "Profiles synced at once",
						Value: 2,
					},
				}, formatFlags()...),
				Action: r.SyncRun,
			},
			{
				Name:  "resume",
				Usage: "Resume an interrupted job",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "job-id"},
				},
				Flags:  formatFlags(),
				Action: r.SyncResume,
			},
			{
				Name:  "status",
				Usage: "Show a job",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "job-id"},
				},
				Flags:  formatFlags(),
				Action: r.SyncStatus,
			},
			{
				Name:  "cancel",
				Usage: "Cancel the running sync of a profile",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "profile",
						Aliases:  []string{"p"},
						Usage:    "Profile ID",
						Required: true,
					},
				},
				Action: r.SyncCancel,
			},
			{
				Name:  "jobs",
				Usage: "List recent jobs",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:    "profile",
						Aliases: []string{"p"},
						Usage:   "Only jobs of this profile",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of jobs to list",
						Value: 20,
					},
				}, formatFlags()...),
				Action: r.SyncJobs,
			},
		},
	}
}

// libraryCommand handles duplicate and deleted track maintenance.
func libraryCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "library",
		Aliases: []string{"lib"},
		Usage:   "Inspect and clean up the track library",
		Commands: []*cli.Command{
			{
				Name:   "duplicates",
				Usage:  "Report tracks that share content",
				Flags:  formatFlags(),
				Action: r.LibraryDuplicates,
			},
			{
				Name:  "dedupe",
				Usage: "Resolve every duplicate set, keeping the highest bitrate copy",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Only report what would be removed",
					},
				},
				Action: r.LibraryDedupe,
			},
			{
				Name:   "deleted",
				Usage:  "List soft-deleted tracks",
				Flags:  formatFlags(),
				Action: r.LibraryDeleted,
			},
			{
				Name:  "restore",
				Usage: "Restore a soft-deleted track",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "track-id"},
				},
				Action: r.LibraryRestore,
			},
		},
	}
}

// serveCommand runs the HTTP status and control API.
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API (jobs, sync control, metrics)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (defaults to server.host:server.port)",
			},
		},
		Action: r.Serve,
	}
}

// tuiCommand returns the top-level TUI command for interactive syncing.
func tuiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "tui",
		Aliases: []string{"interactive", "ui"},
		Usage:   "Launch the interactive sync monitor",
		Action:  r.TUI,
	}
}
