package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/server"
	"github.com/desertthunder/tapedeck/internal/services"
	"github.com/desertthunder/tapedeck/internal/shared"
)

const authTimeout = 2 * time.Minute

// AuthLogin performs the OAuth2 flow for a Drive account and stores the token on its profile.
//
// Starts a local HTTP server, opens the browser for consent and exchanges the code on callback.
func (r *Runner) AuthLogin(ctx context.Context, cmd *cli.Command) error {
	account := cmd.String("account")

	store, err := r.openStore()
	if err != nil {
		return err
	}
	manager, err := r.oauthManager(store)
	if err != nil {
		return err
	}

	var profile *models.Profile
	save := func(ctx context.Context, token *oauth2.Token) error {
		p, err := manager.SaveToken(ctx, account, cmd.String("name"), token)
		if err != nil {
			return err
		}
		profile = p
		return nil
	}

	if _, err := r.doOAuth(ctx, manager, save); err != nil {
		return err
	}

	r.writePlainln("✓ Authorization successful")
	r.writePlain("✓ Profile %s saved for %s\n\n", profile.ID, profile.Account)
	r.writePlain("You can now use: tapedeck sync run --profile %s\n", profile.ID)
	return nil
}

// doOAuth executes the OAuth2 authorization flow with a local HTTP server
func (r *Runner) doOAuth(ctx context.Context, manager *services.OAuthManager, save server.TokenSaver) (*oauth2.Token, error) {
	state, err := shared.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state token: %w", err)
	}

	handler := server.NewOAuthHandler(manager.Config(), state, save)
	srv := server.New(r.config.Server.Addr(), handler.Router(), r.logger.WithPrefix("oauth"))

	srvCtx, stop := context.WithCancel(ctx)
	defer stop()
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Run(srvCtx)
	}()

	authURL := manager.AuthURL(state)
	r.writePlain("→ Opening browser for Google Drive authorization...\n")
	if err := shared.OpenBrowser(authURL); err != nil {
		r.logger.Warnf("failed to open browser automatically %v", err)
		r.writePlainln("⚠ Could not open browser automatically.")
		r.writePlain("Please open this URL in your browser:\n%s\n\n", authURL)
	}

	r.writePlain("→ Waiting for authorization (2 minute timeout)...\n")

	timeout := time.NewTimer(authTimeout)
	defer timeout.Stop()

	var result server.OAuthResult
	select {
	case result = <-handler.Result():
	case err := <-serverErrors:
		return nil, fmt.Errorf("server error: %w", err)
	case <-timeout.C:
		return nil, fmt.Errorf("%w: authorization timed out after 2 minutes", shared.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	stop()
	if err := <-serverErrors; err != nil {
		r.logger.Warn("error shutting down server", "error", err)
	}

	if result.Error() != nil {
		return nil, fmt.Errorf("authorization failed: %w", result.Error())
	}
	if result.Token == nil {
		return nil, fmt.Errorf("%w: no token received", shared.ErrAuthFailed)
	}
	return result.Token, nil
}

// profileStatus is one row of `auth status`.
type profileStatus struct {
	ID            string     `json:"id"`
	Account       string     `json:"account"`
	ProviderID    string     `json:"provider_id"`
	Authenticated bool       `json:"authenticated"`
	Expiry        *time.Time `json:"expiry,omitempty"`
	Error         string     `json:"error,omitempty"`
}

type authStatusReport struct {
	Profiles []profileStatus        `json:"profiles"`
	Server   *server.HealthResponse `json:"server,omitempty"`
}

// AuthStatus lists profiles with the state of their sessions and reports whether `tapedeck serve`
// is running.
func (r *Runner) AuthStatus(ctx context.Context, cmd *cli.Command) error {
	store, err := r.openStore()
	if err != nil {
		return err
	}
	profiles, err := store.Profiles.List(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}

	auth, authErr := r.authManager(store)
	if authErr != nil {
		r.logger.Warn("sessions cannot be checked", "err", authErr)
	}

	report := authStatusReport{Profiles: make([]profileStatus, 0, len(profiles))}
	for _, p := range profiles {
		row := profileStatus{ID: p.ID, Account: p.Account, ProviderID: p.ProviderID}
		if auth != nil {
			session, err := auth.CurrentSession(ctx, p.ID)
			if err != nil {
				row.Error = err.Error()
			} else {
				row.Authenticated = true
				if !session.Token.Expiry.IsZero() {
					expiry := session.Token.Expiry
					row.Expiry = &expiry
				}
			}
		}
		report.Profiles = append(report.Profiles, row)
	}

	if health, err := r.apiClient().Health(ctx); err != nil {
		r.logger.Debug("server not reachable", "err", err)
	} else {
		report.Server = &health
	}

	if cmd.Bool("json") {
		return r.writeJSON(report, true)
	}
	return r.printAuthStatus(report)
}

func (r *Runner) printAuthStatus(report authStatusReport) error {
	r.writePlainHeader("Profiles")
	if len(report.Profiles) == 0 {
		r.writePlain("No profiles. Run 'tapedeck auth login --account <email>'\n")
	}
	for _, p := range report.Profiles {
		r.writePlain("%s  %s (%s)\n", p.ID, p.Account, p.ProviderID)
		switch {
		case p.Error != "":
			r.writePlain("   ✗ %s\n", p.Error)
		case p.Authenticated && p.Expiry != nil:
			r.writePlain("   ✓ Authenticated until %s\n", p.Expiry.Local().Format(time.DateTime))
		case p.Authenticated:
			r.writePlain("   ✓ Authenticated\n")
		}
	}

	if report.Server == nil {
		return r.writePlainln("Server: not running")
	}
	r.writePlainln("Server: %s, %d sync(s) running", report.Server.Status, len(report.Server.Active))
	for _, run := range report.Server.Active {
		r.writePlain("  %s  job %s since %s\n", run.ProfileID, run.JobID, run.StartedAt.Local().Format(time.DateTime))
	}
	return nil
}
