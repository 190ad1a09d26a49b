package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tapedeck/internal/conflicts"
	"github.com/desertthunder/tapedeck/internal/formatter"
	"github.com/desertthunder/tapedeck/internal/metadata"
	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/repositories"
	"github.com/desertthunder/tapedeck/internal/server"
	"github.com/desertthunder/tapedeck/internal/services"
	"github.com/desertthunder/tapedeck/internal/shared"
	"github.com/desertthunder/tapedeck/internal/tasks"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
//
// The store and auth manager are opened on first use so commands that need neither (setup, help)
// never touch the database.
type Runner struct {
	config     *shared.Config
	configPath string
	httpClient *http.Client
	logger     *log.Logger
	output     io.Writer

	mu        sync.Mutex
	store     *repositories.Store
	auth      services.AuthManager
	providers services.ProviderFactory
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	ConfigPath string
	HTTPClient *http.Client
	Logger     *log.Logger
	Output     io.Writer

	// Store, Auth and Providers replace the database, OAuth manager and Drive client built from Config.
	Store     *repositories.Store
	Auth      services.AuthManager
	Providers services.ProviderFactory
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	return &Runner{
		config:     opts.Config,
		configPath: opts.ConfigPath,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		output:     opts.Output,
		store:      opts.Store,
		auth:       opts.Auth,
		providers:  opts.Providers,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, authCommand, syncCommand, libraryCommand, serveCommand, tuiCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// SetLogger replaces the logger, e.g. to keep logs off the terminal while the TUI runs.
func (r *Runner) SetLogger(l *log.Logger) {
	r.logger = l
}

// openStore opens and migrates the configured database once.
func (r *Runner) openStore() (*repositories.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		return r.store, nil
	}

	db, err := shared.NewDatabase(r.config.Database.Path)
	if err != nil {
		return nil, err
	}
	shared.ConfigureDatabase(db, r.config.Database)

	if err := shared.RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	r.store = repositories.NewStore(db)
	return r.store, nil
}

// close releases the database handle opened by the runner.
func (r *Runner) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		return nil
	}
	err := r.store.DB().Close()
	r.store = nil
	return err
}

// oauthManager builds the Drive OAuth manager over the profile table.
func (r *Runner) oauthManager(store *repositories.Store) (*services.OAuthManager, error) {
	cfg, err := services.GoogleOAuthConfig(r.config.Credentials.Google)
	if err != nil {
		return nil, err
	}
	return services.NewOAuthManager(cfg, store.Profiles, r.logger.WithPrefix("auth")), nil
}

func (r *Runner) authManager(store *repositories.Store) (services.AuthManager, error) {
	r.mu.Lock()
	auth := r.auth
	r.mu.Unlock()
	if auth != nil {
		return auth, nil
	}

	m, err := r.oauthManager(store)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.auth = m
	r.mu.Unlock()
	return m, nil
}

// driveFactory opens a Drive provider authorized by the session's token.
func (r *Runner) driveFactory() services.ProviderFactory {
	cfg := r.config
	logger := r.logger.WithPrefix("drive")
	return func(ctx context.Context, session *services.Session) (services.StorageProvider, error) {
		return services.NewDriveProvider(
			cfg.Provider,
			session.Client(ctx),
			services.WithPageSize(cfg.Sync.PageSize),
			services.WithDriveLogger(logger),
		), nil
	}
}

// newResolver builds the duplicate resolver from the sync config.
func (r *Runner) newResolver(store *repositories.Store) (*conflicts.Resolver, error) {
	policy, err := models.ParseConflictPolicy(r.config.Sync.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	return conflicts.NewResolver(store,
		conflicts.WithPolicy(policy),
		conflicts.WithHardDeleteDuplicates(r.config.Sync.HardDeleteDuplicates),
		conflicts.WithResolverLogger(r.logger.WithPrefix("conflicts")),
	), nil
}

// newCoordinator wires the sync pipeline from config. Events go to emitter.
func (r *Runner) newCoordinator(store *repositories.Store, emitter tasks.EventBus) (*tasks.Coordinator, error) {
	cfg := r.config.Sync

	auth, err := r.authManager(store)
	if err != nil {
		return nil, err
	}

	policy, err := models.ParseConflictPolicy(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	fs, err := metadata.NewTempFS(cfg.TempDir)
	if err != nil {
		return nil, err
	}

	processorOpts := []metadata.ProcessorOption{
		metadata.WithFullDownload(cfg.FullDownload),
		metadata.WithHeaderBytes(cfg.HeaderBytes),
		metadata.WithDownloadTimeout(cfg.DownloadTimeout),
		metadata.WithReprocess(cfg.Reprocess),
		metadata.WithMergePolicy(policy),
		metadata.WithProcessorLogger(r.logger.WithPrefix("metadata")),
	}
	if cfg.ExtractArtwork && cfg.ArtworkDir != "" {
		processorOpts = append(processorOpts, metadata.WithArtworkStore(metadata.NewDirArtworkStore(cfg.ArtworkDir)))
	}
	processor := metadata.NewProcessor(store, metadata.NewTagExtractor(), fs, processorOpts...)

	resolver, err := r.newResolver(store)
	if err != nil {
		return nil, err
	}
	orchestrator := conflicts.NewOrchestrator(store, resolver,
		conflicts.WithHardDelete(cfg.HardDelete),
		conflicts.WithDeletionGuard(cfg.DeletionGuard),
		conflicts.WithOrchestratorLogger(r.logger.WithPrefix("conflicts")),
	)

	providers := r.providers
	if providers == nil {
		providers = r.driveFactory()
	}

	return tasks.NewCoordinator(store, auth, providers, processor, orchestrator,
		tasks.WithProviderID(services.DriveProviderID),
		tasks.WithEventBus(emitter),
		tasks.WithNetwork(services.NetworkMonitorFromConfig(r.config.Network), services.NetworkPolicyFromConfig(r.config.Network)),
		tasks.WithFileFilter(tasks.NewFileFilter(cfg)),
		tasks.WithTimeout(cfg.Timeout),
		tasks.WithMaxItemAttempts(cfg.MaxItemAttempts),
		tasks.WithLogger(r.logger.WithPrefix("sync")),
	), nil
}

// apiClient talks to a `tapedeck serve` on the configured address.
func (r *Runner) apiClient() *server.Client {
	return server.NewClient("http://"+r.config.Server.Addr(), r.httpClient)
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainHeader(title string) {
	r.writePlain("═══════════════════════════════════════\n")
	r.writePlain("%v\n", title)
	r.writePlain("═══════════════════════════════════════\n")
}

// writeReport writes data to path when given, otherwise to the runner's output.
func (r *Runner) writeReport(path string, data []byte) error {
	written, err := formatter.WriteReport(path, data)
	if err != nil {
		return err
	}
	if written {
		r.logger.Info("report written", "path", path)
		return nil
	}
	if _, err := r.output.Write(data); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
