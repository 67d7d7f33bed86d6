package render

import "context"

// SurfaceKind distinguishes the surfaces a turn may create.
type SurfaceKind string

const (
	SurfaceStatus SurfaceKind = "status"
	SurfaceText   SurfaceKind = "text"
	SurfaceError  SurfaceKind = "error"
)

// Host displays surfaces to the user. Implementations need not be safe for
// concurrent use; one turn drives one host at a time.
type Host interface {
	CreateSurface(ctx context.Context, kind SurfaceKind, content string) (id string, err error)
	UpdateSurface(ctx context.Context, id, content string) error
	StreamToken(ctx context.Context, id, token string) error
	AttachTable(ctx context.Context, id string, table Table) error
}
