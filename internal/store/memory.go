package store

import (
	"context"
	"sync"

	"agent-relay/internal/models"
)

// Memory keeps histories in process memory.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string][]models.Message
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string][]models.Message)}
}

func (m *Memory) Append(_ context.Context, sessionID string, msgs ...models.Message) error {
	if sessionID == "" {
		return ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = append(m.sessions[sessionID], msgs...)
	return nil
}

// History returns a copy; unknown sessions have an empty history.
func (m *Memory) History(_ context.Context, sessionID string) ([]models.Message, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Message(nil), m.sessions[sessionID]...), nil
}

func (m *Memory) Close() error {
	return nil
}
