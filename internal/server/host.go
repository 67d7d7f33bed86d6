package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"agent-relay/internal/render"
)

// sseHost renders surfaces as named SSE frames on the response.
type sseHost struct {
	w       io.Writer
	flusher http.Flusher
	next    int
}

func newSSEHost(w io.Writer, flusher http.Flusher) *sseHost {
	return &sseHost{w: w, flusher: flusher}
}

type surfacePayload struct {
	ID      string             `json:"id"`
	Kind    render.SurfaceKind `json:"kind,omitempty"`
	Content *string            `json:"content,omitempty"`
	Token   *string            `json:"token,omitempty"`
	Table   *render.Table      `json:"table,omitempty"`
}

func (h *sseHost) CreateSurface(ctx context.Context, kind render.SurfaceKind, content string) (string, error) {
	h.next++
	id := fmt.Sprintf("%s-%d", kind, h.next)
	return id, h.emit(ctx, "surface.create", surfacePayload{ID: id, Kind: kind, Content: &content})
}

func (h *sseHost) UpdateSurface(ctx context.Context, id, content string) error {
	return h.emit(ctx, "surface.update", surfacePayload{ID: id, Content: &content})
}

func (h *sseHost) StreamToken(ctx context.Context, id, token string) error {
	return h.emit(ctx, "surface.token", surfacePayload{ID: id, Token: &token})
}

func (h *sseHost) AttachTable(ctx context.Context, id string, table render.Table) error {
	return h.emit(ctx, "surface.table", surfacePayload{ID: id, Table: &table})
}

func (h *sseHost) emit(ctx context.Context, name string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeSSEEvent(h.w, name, payload); err != nil {
		return err
	}
	h.flusher.Flush()
	return nil
}
