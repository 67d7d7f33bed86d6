package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	credentialsPath = "/api/2.0/database/credentials"
	tokenPath       = "/oidc/v1/token"
	workspaceScope  = "all-apis"
)

// WorkspaceConfig locates the workspace and how to authenticate to it. Either
// a client id/secret pair or a static token must be set.
type WorkspaceConfig struct {
	Host         string
	ClientID     string
	ClientSecret string
	Token        string
}

// WorkspaceIssuer mints database credentials through the workspace REST API.
type WorkspaceIssuer struct {
	baseURL string
	client  *http.Client
}

// NewWorkspaceIssuer builds an issuer whose HTTP client attaches workspace
// tokens through oauth2. base supplies the underlying transport.
func NewWorkspaceIssuer(ctx context.Context, cfg WorkspaceConfig, base *http.Client) (*WorkspaceIssuer, error) {
	host := NormalizeHost(cfg.Host)
	if host == "" {
		return nil, errors.New("workspace host must not be empty")
	}
	if base == nil {
		base = http.DefaultClient
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	var source oauth2.TokenSource
	switch {
	case cfg.ClientID != "" && cfg.ClientSecret != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     host + tokenPath,
			Scopes:       []string{workspaceScope},
		}
		source = cc.TokenSource(ctx)
	case cfg.Token != "":
		source = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
	default:
		return nil, errors.New("workspace requires client_id/client_secret or token")
	}

	return &WorkspaceIssuer{
		baseURL: host,
		client:  oauth2.NewClient(ctx, source),
	}, nil
}

// NormalizeHost adds an https scheme when missing and trims trailing slashes.
func NormalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return ""
	}
	if !strings.HasPrefix(host, "https://") && !strings.HasPrefix(host, "http://") {
		host = "https://" + host
	}
	return host
}

type issueRequest struct {
	RequestID     string   `json:"request_id"`
	InstanceNames []string `json:"instance_names"`
}

type issueResponse struct {
	Token          string `json:"token"`
	ExpirationTime string `json:"expiration_time"`
}

// IssueCredential requests a fresh credential for instance.
func (w *WorkspaceIssuer) IssueCredential(ctx context.Context, instance string) (Credential, error) {
	body, err := json.Marshal(issueRequest{
		RequestID:     uuid.NewString(),
		InstanceNames: []string{instance},
	})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal credential request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+credentialsPath, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("construct credential request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("credential request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return Credential{}, fmt.Errorf("workspace returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var decoded issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Credential{}, fmt.Errorf("decode credential response: %w", err)
	}
	expires, err := parseExpiry(decoded.ExpirationTime)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Token: decoded.Token, ExpiresAt: expires}, nil
}

// parseExpiry accepts RFC 3339 and treats zone-less timestamps as UTC.
func parseExpiry(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid credential expiration_time %q", value)
}
