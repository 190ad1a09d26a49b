package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/shared"
)

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"
)

var defaultDriveScopes = []string{"https://www.googleapis.com/auth/drive.readonly"}

// ProfileStore persists authenticated profiles and their tokens.
type ProfileStore interface {
	Get(ctx context.Context, id string) (*models.Profile, error)
	GetByAccount(ctx context.Context, providerID, account string) (*models.Profile, error)
	Create(ctx context.Context, p *models.Profile) error
	Update(ctx context.Context, p *models.Profile) error
	UpdateToken(ctx context.Context, id string, token []byte) error
}

// GoogleOAuthConfig builds the OAuth2 config for Drive from credentials.
func GoogleOAuthConfig(cfg shared.GoogleConfig) (*oauth2.Config, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: google client_id and client_secret are required", shared.ErrMissingCredentials)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultDriveScopes
	}

	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  googleAuthURL,
			TokenURL: googleTokenURL,
		},
	}, nil
}

// OAuthManager implements [AuthManager] over profiles stored with their OAuth tokens.
// Refreshed tokens are written back to the profile.
type OAuthManager struct {
	config     *oauth2.Config
	profiles   ProfileStore
	providerID string
	logger     *log.Logger
}

func NewOAuthManager(config *oauth2.Config, profiles ProfileStore, logger *log.Logger) *OAuthManager {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &OAuthManager{config: config, profiles: profiles, providerID: DriveProviderID, logger: logger}
}

func (m *OAuthManager) Config() *oauth2.Config {
	return m.config
}

// AuthURL returns the consent URL for state, requesting offline access so a refresh token is issued.
func (m *OAuthManager) AuthURL(state string) string {
	return m.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// SaveToken stores token on the profile for account, creating the profile when needed.
func (m *OAuthManager) SaveToken(ctx context.Context, account, displayName string, token *oauth2.Token) (*models.Profile, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token: %w", err)
	}

	profile, err := m.profiles.GetByAccount(ctx, m.providerID, account)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		profile = &models.Profile{ProviderID: m.providerID, Account: account, DisplayName: displayName, Token: data}
		if err := m.profiles.Create(ctx, profile); err != nil {
			return nil, err
		}
		m.logger.Info("profile created", "profile_id", profile.ID, "account", account)
		return profile, nil
	case err != nil:
		return nil, err
	}

	profile.Token = data
	if displayName != "" {
		profile.DisplayName = displayName
	}
	if err := m.profiles.Update(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// CurrentSession returns a session with a valid access token for profileID, refreshing it if expired.
func (m *OAuthManager) CurrentSession(ctx context.Context, profileID string) (*Session, error) {
	profile, err := m.profiles.Get(ctx, profileID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown profile %s", shared.ErrNotAuthenticated, profileID)
		}
		return nil, err
	}

	if len(profile.Token) == 0 {
		return nil, fmt.Errorf("%w: profile %s has no token", shared.ErrNotAuthenticated, profileID)
	}

	var stored oauth2.Token
	if err := json.Unmarshal(profile.Token, &stored); err != nil {
		return nil, fmt.Errorf("%w: unreadable token: %v", shared.ErrSessionInvalid, err)
	}
	if stored.AccessToken == "" && stored.RefreshToken == "" {
		return nil, fmt.Errorf("%w: profile %s has no token", shared.ErrNotAuthenticated, profileID)
	}
	if !stored.Valid() && stored.RefreshToken == "" {
		return nil, fmt.Errorf("%w: %w", shared.ErrSessionInvalid, shared.ErrNoRefreshToken)
	}

	source := &persistingTokenSource{
		base:      oauth2.ReuseTokenSource(&stored, m.config.TokenSource(context.WithoutCancel(ctx), &stored)),
		last:      stored.AccessToken,
		profileID: profile.ID,
		profiles:  m.profiles,
		logger:    m.logger,
	}

	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", shared.ErrSessionInvalid, shared.ErrRefreshFailed, err)
	}

	return &Session{
		ProfileID:  profile.ID,
		ProviderID: profile.ProviderID,
		Account:    profile.Account,
		Token:      token,
		source:     source,
	}, nil
}

// persistingTokenSource writes a token back to its profile whenever the access token changes.
type persistingTokenSource struct {
	base      oauth2.TokenSource
	profileID string
	profiles  ProfileStore
	logger    *log.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := token.AccessToken != s.last
	s.last = token.AccessToken
	s.mu.Unlock()

	if changed {
		data, err := json.Marshal(token)
		if err == nil {
			err = s.profiles.UpdateToken(context.Background(), s.profileID, data)
		}
		if err != nil {
			s.logger.Warn("failed to persist refreshed token", "profile_id", s.profileID, "err", err)
		} else {
			s.logger.Debug("token refreshed", "profile_id", s.profileID)
		}
	}
	return token, nil
}
