// Package store persists per-session conversation history.
package store

import (
	"context"
	"errors"

	"agent-relay/internal/models"
)

// ErrInvalidSession is returned for empty session ids.
var ErrInvalidSession = errors.New("session id must not be empty")

// Store appends to and reads back session histories in insertion order.
type Store interface {
	Append(ctx context.Context, sessionID string, msgs ...models.Message) error
	History(ctx context.Context, sessionID string) ([]models.Message, error)
	Close() error
}
