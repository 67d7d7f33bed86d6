// Package render drives the per-turn display state machine: a status card,
// then streaming text, then the finalized answer.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// State is a renderer lifecycle state.
type State int

const (
	Idle State = iota
	StatusOnly
	StreamingText
	Finalized
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case StatusOnly:
		return "status_only"
	case StreamingText:
		return "streaming_text"
	case Finalized:
		return "finalized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrFinalized is returned for events delivered after the turn finished.
	ErrFinalized = errors.New("renderer already finalized")
	// ErrInvalidTransition is returned for events not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid renderer transition")
)

const (
	DefaultTitle = "Analyzing your query…"
	tableName    = "Results"
)

// Renderer is owned by a single turn.
type Renderer struct {
	host  Host
	title string

	state       State
	statusID    string
	textID      string
	statusLines []string
	text        strings.Builder
	final       string
	table       *Table
}

// New returns a renderer in the Idle state. An empty title uses DefaultTitle.
func New(host Host, title string) *Renderer {
	if title == "" {
		title = DefaultTitle
	}
	return &Renderer{host: host, title: title}
}

// State returns the current lifecycle state.
func (r *Renderer) State() State {
	return r.state
}

// StatusLines returns the recorded tool status lines.
func (r *Renderer) StatusLines() []string {
	return append([]string(nil), r.statusLines...)
}

// Text returns the visible text: the finalized text once Finalized,
// otherwise what has streamed so far.
func (r *Renderer) Text() string {
	if r.state == Finalized {
		return r.final
	}
	return r.text.String()
}

// Table returns the table extracted on finalization, if any.
func (r *Renderer) Table() (Table, bool) {
	if r.table == nil {
		return Table{}, false
	}
	return *r.table, true
}

// Start shows the initial status surface.
func (r *Renderer) Start(ctx context.Context) error {
	if r.state != Idle {
		return r.transitionError("start")
	}
	id, err := r.host.CreateSurface(ctx, SurfaceStatus, fmt.Sprintf("**%s**\n\n_Status:_ initializing...", r.title))
	if err != nil {
		return fmt.Errorf("create status surface: %w", err)
	}
	r.statusID = id
	r.state = StatusOnly
	return nil
}

// OnToolCall records that a tool started.
func (r *Renderer) OnToolCall(ctx context.Context, name, args string) error {
	if err := r.requireActive("tool call"); err != nil {
		return err
	}
	r.statusLines = append(r.statusLines, fmt.Sprintf("🛠️ **%s** started", toolName(name)))
	return r.updateStatus(ctx)
}

// OnToolOutput records that a tool completed.
func (r *Renderer) OnToolOutput(ctx context.Context, name, output string) error {
	if err := r.requireActive("tool output"); err != nil {
		return err
	}
	r.statusLines = append(r.statusLines, fmt.Sprintf("✅ **%s** completed", toolName(name)))
	return r.updateStatus(ctx)
}

// OnTextDelta appends token to the text surface, creating it on first use so
// it sits below the status surface.
func (r *Renderer) OnTextDelta(ctx context.Context, token string) error {
	if err := r.requireActive("text delta"); err != nil {
		return err
	}
	if r.textID == "" {
		id, err := r.host.CreateSurface(ctx, SurfaceText, "")
		if err != nil {
			return fmt.Errorf("create text surface: %w", err)
		}
		r.textID = id
	}
	r.state = StreamingText
	r.text.WriteString(token)
	if err := r.host.StreamToken(ctx, r.textID, token); err != nil {
		return fmt.Errorf("stream token: %w", err)
	}
	return nil
}

// OnTextDone finalizes the turn with text. The first well-formed markdown
// table, when present, is attached as tabular data and removed from the
// narrative; if that fails the text is shown verbatim.
func (r *Renderer) OnTextDone(ctx context.Context, text string) error {
	if err := r.requireActive("text done"); err != nil {
		return err
	}
	r.final = text

	content := text
	table, remainder, found := ExtractTable(text)
	if found {
		table.Name = tableName
		content = remainder
		if content == "" {
			content = " "
		}
	}

	created := false
	if r.textID == "" {
		id, err := r.host.CreateSurface(ctx, SurfaceText, content)
		if err != nil {
			return fmt.Errorf("create text surface: %w", err)
		}
		r.textID = id
		created = true
	}

	if found {
		if err := r.host.AttachTable(ctx, r.textID, table); err != nil {
			slog.Warn("table attachment failed, showing raw text", "err", err)
			content = text
			created = false
		} else {
			r.table = &table
		}
	}

	if !created {
		if err := r.host.UpdateSurface(ctx, r.textID, content); err != nil {
			return fmt.Errorf("finalize text surface: %w", err)
		}
	}
	r.state = Finalized
	return nil
}

// Fail reports a fatal turn error on its own surface and ends the turn.
func (r *Renderer) Fail(ctx context.Context, cause error) error {
	if r.state == Finalized {
		return ErrFinalized
	}
	r.state = Finalized
	r.final = ""
	msg := "turn failed"
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := r.host.CreateSurface(ctx, SurfaceError, msg); err != nil {
		return fmt.Errorf("create error surface: %w", err)
	}
	return nil
}

func (r *Renderer) updateStatus(ctx context.Context) error {
	lines := make([]string, 0, len(r.statusLines)+1)
	lines = append(lines, "**Run status**:")
	for _, line := range r.statusLines {
		lines = append(lines, "- "+line)
	}
	if err := r.host.UpdateSurface(ctx, r.statusID, strings.Join(lines, "\n")); err != nil {
		return fmt.Errorf("update status surface: %w", err)
	}
	return nil
}

func (r *Renderer) requireActive(op string) error {
	if r.state == StatusOnly || r.state == StreamingText {
		return nil
	}
	return r.transitionError(op)
}

func (r *Renderer) transitionError(op string) error {
	if r.state == Finalized {
		return fmt.Errorf("%s: %w", op, ErrFinalized)
	}
	return fmt.Errorf("%s in state %s: %w", op, r.state, ErrInvalidTransition)
}

func toolName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "tool"
	}
	return name
}
