package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceIssuerStaticToken(t *testing.T) {
	var got issueRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, credentialsPath, r.URL.Path)
		assert.Equal(t, "Bearer ws-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":           "db-token",
			"expiration_time": "2026-01-01T13:00:00",
		})
	}))
	defer srv.Close()

	issuer, err := NewWorkspaceIssuer(context.Background(), WorkspaceConfig{Host: srv.URL, Token: "ws-token"}, srv.Client())
	require.NoError(t, err)

	cred, err := issuer.IssueCredential(context.Background(), "lakebase")
	require.NoError(t, err)
	assert.Equal(t, "db-token", cred.Token)
	assert.Equal(t, time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC), cred.ExpiresAt)
	assert.Equal(t, []string{"lakebase"}, got.InstanceNames)
	assert.NotEmpty(t, got.RequestID)
}

func TestWorkspaceIssuerClientCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "sp-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc(credentialsPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sp-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":           "db-token",
			"expiration_time": "2026-01-01T13:00:00+02:00",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	issuer, err := NewWorkspaceIssuer(context.Background(), WorkspaceConfig{
		Host:         srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
	}, srv.Client())
	require.NoError(t, err)

	cred, err := issuer.IssueCredential(context.Background(), "lakebase")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC), cred.ExpiresAt)
}

func TestWorkspaceIssuerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such instance", http.StatusNotFound)
	}))
	defer srv.Close()

	issuer, err := NewWorkspaceIssuer(context.Background(), WorkspaceConfig{Host: srv.URL, Token: "t"}, srv.Client())
	require.NoError(t, err)

	_, err = issuer.IssueCredential(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestNewWorkspaceIssuerValidation(t *testing.T) {
	_, err := NewWorkspaceIssuer(context.Background(), WorkspaceConfig{Token: "t"}, nil)
	assert.Error(t, err)

	_, err = NewWorkspaceIssuer(context.Background(), WorkspaceConfig{Host: "example.cloud"}, nil)
	assert.Error(t, err)
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "https://example.cloud", NormalizeHost("example.cloud/"))
	assert.Equal(t, "http://localhost:1", NormalizeHost("http://localhost:1"))
	assert.Equal(t, "", NormalizeHost("  "))
}
