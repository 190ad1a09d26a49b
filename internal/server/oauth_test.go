package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/desertthunder/tapedeck/internal/shared"
)

func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
}

func TestOAuthHandler(t *testing.T) {
	t.Run("exchanges and saves the token", func(t *testing.T) {
		var saved *oauth2.Token
		h := NewOAuthHandler(testConfig(tokenServer(t).URL), "st", func(_ context.Context, tok *oauth2.Token) error {
			saved = tok
			return nil
		})

		rec := do(t, h.Router(), http.MethodGet, "/callback?state=st&code=abc", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), "Drive access granted")

		result := <-h.Result()
		require.NoError(t, result.Error())
		assert.Equal(t, "at-1", result.Token.AccessToken)
		require.NotNil(t, saved)
		assert.Equal(t, "rt-1", saved.RefreshToken)

		_, open := <-h.Result()
		assert.False(t, open)
	})

	t.Run("rejects a wrong state", func(t *testing.T) {
		h := NewOAuthHandler(testConfig(tokenServer(t).URL), "st", nil)
		rec := do(t, h.Router(), http.MethodGet, "/callback?state=other&code=abc", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		result := <-h.Result()
		assert.ErrorIs(t, result.Error(), shared.ErrAuthFailed)
	})

	t.Run("reports a denied consent", func(t *testing.T) {
		h := NewOAuthHandler(testConfig(tokenServer(t).URL), "st", nil)
		rec := do(t, h.Router(), http.MethodGet, "/callback?state=st&error=access_denied", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		result := <-h.Result()
		require.Error(t, result.Error())
		assert.Contains(t, result.Error().Error(), "access_denied")
	})

	t.Run("save failure", func(t *testing.T) {
		h := NewOAuthHandler(testConfig(tokenServer(t).URL), "st", func(context.Context, *oauth2.Token) error {
			return errors.New("disk full")
		})
		rec := do(t, h.Router(), http.MethodGet, "/callback?state=st&code=abc", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		result := <-h.Result()
		assert.Error(t, result.Error())
	})

	t.Run("only the first callback counts", func(t *testing.T) {
		h := NewOAuthHandler(testConfig(tokenServer(t).URL), "st", nil)
		router := h.Router()
		do(t, router, http.MethodGet, "/callback?state=st&code=abc", "")
		rec := do(t, router, http.MethodGet, "/callback?state=st&code=abc", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
