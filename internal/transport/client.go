// Package transport opens streaming requests to the agent endpoint over one
// of two wire shapes selected by the identity's auth kind.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agent-relay/internal/identity"
	"agent-relay/internal/models"
)

// DefaultTimeout bounds a whole streaming call.
const DefaultTimeout = 180 * time.Second

// Transport opens a stream with an already resolved bearer token.
type Transport interface {
	Name() string
	Open(ctx context.Context, bearer string, messages []models.Message) (Conn, error)
}

// Observer receives transport-level signals for metrics.
type Observer interface {
	PayloadSkipped(transport string)
	StreamFailed(transport, reason string)
}

// Client selects a transport per auth kind and enforces the call timeout.
type Client struct {
	timeout  time.Duration
	observer Observer

	mu     sync.RWMutex
	byKind map[identity.AuthKind]Transport
}

// NewClient constructs a client with no transports registered.
func NewClient(timeout time.Duration, observer Observer) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		timeout:  timeout,
		observer: observer,
		byKind:   make(map[identity.AuthKind]Transport),
	}
}

// Register binds a transport to an auth kind.
func (c *Client) Register(kind identity.AuthKind, t Transport) error {
	if t == nil {
		return errors.New("transport must not be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byKind[kind]; ok {
		return fmt.Errorf("auth kind %q already served by %s transport", kind, existing.Name())
	}
	c.byKind[kind] = t
	return nil
}

// Lookup returns the transport for kind.
func (c *Client) Lookup(kind identity.AuthKind) (Transport, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuthKind, kind)
	}
	return t, nil
}

// Stream resolves the identity's bearer token and opens a stream. A missing
// token fails before any network call; an HTTP error status fails before
// any event is produced.
func (c *Client) Stream(ctx context.Context, id identity.Identity, messages []models.Message) (*Stream, error) {
	if id.TokenSource == nil {
		return nil, ErrMissingCredential
	}
	bearer, ok := id.TokenSource.BearerToken()
	if !ok || bearer == "" {
		return nil, ErrMissingCredential
	}

	t, err := c.Lookup(id.AuthKind)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	conn, err := t.Open(ctx, bearer, messages)
	if err != nil {
		err = classify(ctx, t.Name(), err)
		cancel()
		reportFailure(c.observer, t.Name(), err)
		return nil, err
	}

	slog.Debug("agent stream opened", "transport", t.Name(), "user", id.Email, "messages", len(messages))
	return newStream(ctx, cancel, t.Name(), conn, c.observer), nil
}
