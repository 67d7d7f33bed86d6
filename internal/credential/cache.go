// Package credential caches short-lived bearer credentials issued by the
// workspace and refreshes them before they expire.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRefreshBefore is how much validity a cached credential must have
	// left to be served without a refresh.
	DefaultRefreshBefore = time.Minute
	defaultFetchTimeout  = 30 * time.Second
)

// Credential is a bearer token with a timezone-aware expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// ValidFor returns the remaining validity at now.
func (c Credential) ValidFor(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// Issuer is the collaborator that mints new credentials.
type Issuer interface {
	IssueCredential(ctx context.Context, instance string) (Credential, error)
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func(ctx context.Context, instance string) (Credential, error)

func (f IssuerFunc) IssueCredential(ctx context.Context, instance string) (Credential, error) {
	return f(ctx, instance)
}

// FetchError reports a failed credential fetch. The cache is left untouched.
type FetchError struct {
	Instance string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch credential for %q: %v", e.Instance, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FetchObserver is notified after every fetch attempt.
type FetchObserver interface {
	CredentialFetch(err error)
}

// Options tunes a Cache.
type Options struct {
	RefreshBefore time.Duration
	FetchTimeout  time.Duration
	Now           func() time.Time
	Observer      FetchObserver
}

type call struct {
	done chan struct{}
	cred Credential
	err  error
}

// Cache holds at most one credential and guarantees a single in-flight
// fetch: callers that arrive during a refresh wait for its result.
type Cache struct {
	issuer        Issuer
	instance      string
	refreshBefore time.Duration
	fetchTimeout  time.Duration
	now           func() time.Time
	observer      FetchObserver

	mu       sync.Mutex
	cached   *Credential
	inflight *call
}

// NewCache builds a cache for credentials of instance.
func NewCache(issuer Issuer, instance string, opts Options) (*Cache, error) {
	if issuer == nil {
		return nil, errors.New("credential issuer must not be nil")
	}
	if opts.RefreshBefore <= 0 {
		opts.RefreshBefore = DefaultRefreshBefore
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		issuer:        issuer,
		instance:      instance,
		refreshBefore: opts.RefreshBefore,
		fetchTimeout:  opts.FetchTimeout,
		now:           opts.Now,
		observer:      opts.Observer,
	}, nil
}

// Get returns the cached credential while it has more than RefreshBefore of
// validity left, otherwise it joins or starts a fetch. Cancelling ctx stops
// the wait but not a fetch other callers may be waiting on.
func (c *Cache) Get(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	if c.cached != nil && c.cached.ValidFor(c.now()) > c.refreshBefore {
		cred := *c.cached
		c.mu.Unlock()
		return cred, nil
	}
	inflight := c.inflight
	if inflight == nil {
		inflight = &call{done: make(chan struct{})}
		c.inflight = inflight
		go c.fetch(inflight)
	}
	c.mu.Unlock()

	select {
	case <-inflight.done:
		return inflight.cred, inflight.err
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

// Invalidate drops the cached credential so the next Get fetches a new one.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
	slog.Info("credential invalidated", "instance", c.instance)
}

func (c *Cache) fetch(inflight *call) {
	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	defer cancel()

	cred, err := c.issuer.IssueCredential(ctx, c.instance)
	if err == nil && cred.Token == "" {
		err = errors.New("issuer returned an empty token")
	}
	if err != nil {
		err = &FetchError{Instance: c.instance, Err: err}
		slog.Warn("credential fetch failed", "instance", c.instance, "err", err)
	} else {
		cred.ExpiresAt = cred.ExpiresAt.UTC()
		slog.Info("credential refreshed", "instance", c.instance, "expires_at", cred.ExpiresAt)
	}
	if c.observer != nil {
		c.observer.CredentialFetch(err)
	}

	c.mu.Lock()
	if err == nil {
		stored := cred
		c.cached = &stored
	}
	inflight.cred, inflight.err = cred, err
	c.inflight = nil
	c.mu.Unlock()

	close(inflight.done)
}
