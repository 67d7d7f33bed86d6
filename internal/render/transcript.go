package render

import (
	"context"
	"fmt"
	"sync"
)

// Surface is a recorded surface in a Transcript.
type Surface struct {
	ID      string
	Kind    SurfaceKind
	Content string
	Tables  []Table
	Updates int
}

// Transcript is a Host that keeps every surface in memory. It backs
// non-streaming responses.
type Transcript struct {
	mu       sync.Mutex
	surfaces []*Surface
	byID     map[string]*Surface
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{byID: make(map[string]*Surface)}
}

func (t *Transcript) CreateSurface(_ context.Context, kind SurfaceKind, content string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := fmt.Sprintf("%s-%d", kind, len(t.surfaces)+1)
	s := &Surface{ID: id, Kind: kind, Content: content}
	t.surfaces = append(t.surfaces, s)
	t.byID[id] = s
	return id, nil
}

func (t *Transcript) UpdateSurface(_ context.Context, id, content string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(id)
	if err != nil {
		return err
	}
	s.Content = content
	s.Updates++
	return nil
}

func (t *Transcript) StreamToken(_ context.Context, id, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(id)
	if err != nil {
		return err
	}
	s.Content += token
	return nil
}

func (t *Transcript) AttachTable(_ context.Context, id string, table Table) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(id)
	if err != nil {
		return err
	}
	s.Tables = append(s.Tables, table)
	return nil
}

// Surfaces returns copies of the recorded surfaces in creation order.
func (t *Transcript) Surfaces() []Surface {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Surface, 0, len(t.surfaces))
	for _, s := range t.surfaces {
		cp := *s
		cp.Tables = append([]Table(nil), s.Tables...)
		out = append(out, cp)
	}
	return out
}

// Last returns the most recently created surface of kind.
func (t *Transcript) Last(kind SurfaceKind) (Surface, bool) {
	surfaces := t.Surfaces()
	for i := len(surfaces) - 1; i >= 0; i-- {
		if surfaces[i].Kind == kind {
			return surfaces[i], true
		}
	}
	return Surface{}, false
}

func (t *Transcript) lookup(id string) (*Surface, error) {
	s, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown surface %q", id)
	}
	return s, nil
}
