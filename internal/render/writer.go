package render

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// WriterHost prints surfaces to a terminal-like writer. Status updates and
// the streamed text are written as they arrive; the finalized text is only
// reprinted when it differs from what was streamed.
type WriterHost struct {
	w        io.Writer
	next     int
	kinds    map[string]SurfaceKind
	streamed map[string]*strings.Builder
}

// NewWriterHost writes to w.
func NewWriterHost(w io.Writer) *WriterHost {
	return &WriterHost{
		w:        w,
		kinds:    make(map[string]SurfaceKind),
		streamed: make(map[string]*strings.Builder),
	}
}

func (h *WriterHost) CreateSurface(_ context.Context, kind SurfaceKind, content string) (string, error) {
	h.next++
	id := fmt.Sprintf("%s-%d", kind, h.next)
	h.kinds[id] = kind
	h.streamed[id] = &strings.Builder{}

	switch kind {
	case SurfaceError:
		_, err := fmt.Fprintf(h.w, "error: %s\n", content)
		return id, err
	case SurfaceText:
		h.streamed[id].WriteString(content)
		if content == "" {
			return id, nil
		}
		_, err := fmt.Fprintf(h.w, "%s\n", content)
		return id, err
	default:
		_, err := fmt.Fprintf(h.w, "%s\n", content)
		return id, err
	}
}

func (h *WriterHost) UpdateSurface(_ context.Context, id, content string) error {
	switch h.kinds[id] {
	case SurfaceText:
		if h.streamed[id].String() == content {
			_, err := fmt.Fprintln(h.w)
			return err
		}
		_, err := fmt.Fprintf(h.w, "\n\n%s\n", content)
		return err
	default:
		_, err := fmt.Fprintf(h.w, "%s\n", lastLine(content))
		return err
	}
}

func (h *WriterHost) StreamToken(_ context.Context, id, token string) error {
	if b, ok := h.streamed[id]; ok {
		b.WriteString(token)
	}
	_, err := io.WriteString(h.w, token)
	return err
}

func (h *WriterHost) AttachTable(_ context.Context, _ string, table Table) error {
	_, err := fmt.Fprintf(h.w, "\n[%s]\n%s\n", table.Name, formatTable(table))
	return err
}

func lastLine(content string) string {
	content = strings.TrimRight(content, "\n")
	if i := strings.LastIndex(content, "\n"); i >= 0 {
		return content[i+1:]
	}
	return content
}

func formatTable(table Table) string {
	widths := make([]int, len(table.Columns))
	for i, col := range table.Columns {
		widths[i] = len(col)
	}
	for _, row := range table.Rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		for i, cell := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(cell)
			if i < len(widths) {
				b.WriteString(strings.Repeat(" ", widths[i]-len(cell)))
			}
		}
		b.WriteString("\n")
	}
	writeRow(table.Columns)
	for _, row := range table.Rows {
		writeRow(row)
	}
	return strings.TrimRight(b.String(), "\n")
}
