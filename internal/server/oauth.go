package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/desertthunder/tapedeck/internal/shared"
)

const callbackPath = "/callback"

// OAuthResult contains the result of an OAuth authorization flow.
type OAuthResult struct {
	Token *oauth2.Token
	err   error
}

func (o *OAuthResult) Error() error {
	return o.err
}

// TokenSaver persists the token obtained by a successful callback.
type TokenSaver func(ctx context.Context, token *oauth2.Token) error

// OAuthHandler handles the authorization code callback of `auth login`.
//
// Only the first callback is processed; later ones are rejected.
type OAuthHandler struct {
	config     *oauth2.Config
	state      string
	save       TokenSaver
	resultChan chan OAuthResult
	once       sync.Once

	mu          sync.Mutex
	callbackHit bool
}

// NewOAuthHandler creates a handler expecting state on the callback. save may be nil.
func NewOAuthHandler(config *oauth2.Config, state string, save TokenSaver) *OAuthHandler {
	return &OAuthHandler{
		config:     config,
		state:      state,
		save:       save,
		resultChan: make(chan OAuthResult, 1),
	}
}

func (h *OAuthHandler) Routes() []string {
	return []string{callbackPath}
}

// Router returns a chi router serving only the callback.
func (h *OAuthHandler) Router() *chi.Mux {
	r := chi.NewRouter()
	for _, route := range h.Routes() {
		r.Get(route, h.ServeHTTP)
	}
	return r
}

func (h *OAuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.callbackHit {
		h.mu.Unlock()
		http.Error(w, "Callback already processed", http.StatusBadRequest)
		return
	}
	h.callbackHit = true
	h.mu.Unlock()

	q := r.URL.Query()
	if q.Get("state") != h.state {
		h.Send(OAuthResult{err: fmt.Errorf("%w: invalid state parameter", shared.ErrAuthFailed)})
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	if code == "" {
		err := fmt.Errorf("%w: %s - %s", shared.ErrAuthFailed, q.Get("error"), q.Get("error_description"))
		h.Send(OAuthResult{err: err})
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}

	token, err := h.config.Exchange(r.Context(), code)
	if err != nil {
		h.Send(OAuthResult{err: fmt.Errorf("token exchange failed: %w", err)})
		http.Error(w, "Token exchange failed", http.StatusInternalServerError)
		return
	}

	if h.save != nil {
		if err := h.save(r.Context(), token); err != nil {
			h.Send(OAuthResult{err: fmt.Errorf("failed to save token: %w", err)})
			http.Error(w, "Failed to save token", http.StatusInternalServerError)
			return
		}
	}

	h.Send(OAuthResult{Token: token})

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, successPage)
}

// Send delivers the result (only once).
func (h *OAuthHandler) Send(result OAuthResult) {
	h.once.Do(func() {
		h.resultChan <- result
		close(h.resultChan)
	})
}

// Result receives exactly one result and is then closed.
func (h *OAuthHandler) Result() <-chan OAuthResult {
	return h.resultChan
}

const successPage = `<!DOCTYPE html>
<html>
<head>
    <title>tapedeck: authorized</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
               display: flex; align-items: center; justify-content: center; height: 100vh;
               margin: 0; background: #f5f5f5; }
        .container { text-align: center; background: white; padding: 2rem;
                     border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        h1 { color: #4285f4; margin: 0 0 1rem 0; }
        p { color: #666; margin: 0; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Drive access granted</h1>
        <p>You can close this window and return to the terminal.</p>
    </div>
</body>
</html>
`
