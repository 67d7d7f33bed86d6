package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"agent-relay/internal/config"
	"agent-relay/internal/credential"
	"agent-relay/internal/identity"
	"agent-relay/internal/observability"
	"agent-relay/internal/relay"
	"agent-relay/internal/store"
	"agent-relay/internal/transport"
)

type dependencies struct {
	metrics *observability.Metrics
	relay   *relay.Relay
	store   store.Store
}

func (d *dependencies) Close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			slog.Warn("close history store", "err", err)
		}
	}
}

func setupLogging(cfg config.Config) {
	slog.SetDefault(observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	}))
}

// wire builds the relay and its history store from cfg.
func wire(ctx context.Context, cfg config.Config) (*dependencies, error) {
	deps, err := wireRelay(cfg)
	if err != nil {
		return nil, err
	}

	history, err := newStore(ctx, cfg, deps.metrics)
	if err != nil {
		return nil, err
	}
	deps.store = history
	return deps, nil
}

// wireRelay builds metrics and the relay only. One-shot commands never read
// or write history, so they skip the store and its credentials.
func wireRelay(cfg config.Config) (*dependencies, error) {
	metrics := observability.NewMetrics()

	client, err := newTransportClient(cfg, metrics)
	if err != nil {
		return nil, err
	}

	rl, err := relay.New(client, relay.Options{
		MaxTurns: cfg.History.MaxTurns,
		MaxChars: cfg.History.MaxChars,
		Title:    cfg.Agent.Title,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, err
	}
	return &dependencies{metrics: metrics, relay: rl}, nil
}

// newTransportClient registers the SDK transport for direct tokens and the
// raw SSE transport for exchanged user tokens.
func newTransportClient(cfg config.Config, metrics *observability.Metrics) (*transport.Client, error) {
	httpClient := transport.NewHTTPClient()
	baseURL := cfg.AgentBaseURL()

	sdk, err := transport.NewSDK(baseURL, cfg.Agent.Endpoint, httpClient, cfg.Agent.Headers, metrics)
	if err != nil {
		return nil, fmt.Errorf("sdk transport: %w", err)
	}
	sse, err := transport.NewSSE(baseURL, cfg.Agent.Endpoint, httpClient, cfg.Agent.Headers, metrics)
	if err != nil {
		return nil, fmt.Errorf("sse transport: %w", err)
	}

	client := transport.NewClient(cfg.Agent.Timeout, metrics)
	if err := client.Register(identity.DirectToken, sdk); err != nil {
		return nil, err
	}
	if err := client.Register(identity.TokenExchange, sse); err != nil {
		return nil, err
	}
	return client, nil
}

func newStore(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (store.Store, error) {
	if cfg.History.Store != config.StorePostgres {
		return store.NewMemory(), nil
	}

	issuer, err := credential.NewWorkspaceIssuer(context.WithoutCancel(ctx), credential.WorkspaceConfig{
		Host:         cfg.Workspace.Host,
		ClientID:     cfg.Workspace.ClientID,
		ClientSecret: cfg.Workspace.ClientSecret,
		Token:        cfg.Workspace.Token,
	}, transport.NewHTTPClient())
	if err != nil {
		return nil, fmt.Errorf("credential issuer: %w", err)
	}

	cache, err := credential.NewCache(issuer, cfg.Database.Instance, credential.Options{Observer: metrics})
	if err != nil {
		return nil, err
	}

	pg, err := store.NewPostgres(ctx, store.PostgresConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	}, cache)
	if err != nil {
		return nil, fmt.Errorf("postgres history store: %w", err)
	}
	return pg, nil
}
