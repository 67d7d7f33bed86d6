// Package relay runs one conversational turn: it bounds the history, opens
// the agent stream for the caller's identity and drives a renderer with the
// normalized events.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agent-relay/internal/event"
	"agent-relay/internal/history"
	"agent-relay/internal/identity"
	"agent-relay/internal/models"
	"agent-relay/internal/observability"
	"agent-relay/internal/render"
	"agent-relay/internal/transport"
)

// Streamer opens agent streams. *transport.Client satisfies it.
type Streamer interface {
	Stream(ctx context.Context, id identity.Identity, messages []models.Message) (*transport.Stream, error)
}

// Options bounds the replayed history and labels the status surface.
type Options struct {
	MaxTurns int
	MaxChars int
	Title    string
	Metrics  *observability.Metrics
}

// TurnRequest is one user message with the session's prior history.
type TurnRequest struct {
	Identity identity.Identity
	History  []models.Message
	Text     string
}

// TurnResult is what the turn displayed.
type TurnResult struct {
	Text        string
	Table       *render.Table
	StatusLines []string
	Events      int
	// Dropped is set when the stream still had events after the final text.
	Dropped     bool
	Elapsed     time.Duration
}

// Relay is safe for concurrent use; each Turn owns its renderer.
type Relay struct {
	streamer Streamer
	opts     Options
}

// New constructs a relay.
func New(streamer Streamer, opts Options) (*Relay, error) {
	if streamer == nil {
		return nil, errors.New("streamer must not be nil")
	}
	if opts.MaxTurns <= 0 || opts.MaxChars <= 0 {
		return nil, fmt.Errorf("history bounds must be positive, got max_turns=%d max_chars=%d", opts.MaxTurns, opts.MaxChars)
	}
	return &Relay{streamer: streamer, opts: opts}, nil
}

// Turn relays req and renders it on host. A failure after Start is shown on
// an error surface and returned; the text surface is never used for it.
// The stream is closed once the renderer finalizes; one further read tells
// whether later events were dropped.
func (r *Relay) Turn(ctx context.Context, req TurnRequest, host render.Host) (result TurnResult, err error) {
	started := time.Now()
	defer func() {
		result.Elapsed = time.Since(started)
		r.opts.Metrics.TurnFinished(string(req.Identity.AuthKind), result.Elapsed, err)
	}()

	rd := render.New(host, r.opts.Title)
	if err := rd.Start(ctx); err != nil {
		return TurnResult{}, fmt.Errorf("start turn: %w", err)
	}

	messages, stats := history.BuildWithStats(req.History, req.Text, r.opts.MaxTurns, r.opts.MaxChars)
	slog.Info("history_built",
		"system", stats.System,
		"kept_turns", stats.KeptTurns,
		"total_chars", stats.TotalChars,
		"user", req.Identity.String(),
	)

	stream, err := r.streamer.Stream(ctx, req.Identity, messages)
	if err != nil {
		return r.fail(ctx, rd, err)
	}
	defer stream.Close()

	events := 0
	norm := event.NewNormalizer(stream, r.opts.Metrics.EventSeen)
	for rd.State() != render.Finalized && norm.Next() {
		events++
		if err := dispatch(ctx, rd, norm.Current()); err != nil {
			return r.fail(ctx, rd, fmt.Errorf("render %s: %w", norm.Current().Kind(), err))
		}
	}
	if err := norm.Err(); err != nil {
		return r.fail(ctx, rd, err)
	}
	dropped := rd.State() == render.Finalized && norm.Next()
	if dropped {
		slog.Warn("turn finalized before stream end, remaining events dropped",
			"next", norm.Current().Kind(),
			"user", req.Identity.String(),
		)
	}

	// A stream may end after deltas without a closing message item.
	if rd.State() == render.StreamingText {
		if err := rd.OnTextDone(ctx, rd.Text()); err != nil {
			return r.fail(ctx, rd, fmt.Errorf("finalize text: %w", err))
		}
	}

	result = TurnResult{
		Text:        rd.Text(),
		StatusLines: rd.StatusLines(),
		Events:      events,
		Dropped:     dropped,
	}
	if table, ok := rd.Table(); ok {
		result.Table = &table
	}
	slog.Info("turn complete",
		"transport", stream.Transport(),
		"events", events,
		"tools", len(result.StatusLines),
		"chars", len(result.Text),
	)
	return result, nil
}

func (r *Relay) fail(ctx context.Context, rd *render.Renderer, cause error) (TurnResult, error) {
	slog.Error("turn failed", "err", cause)
	if err := rd.Fail(ctx, cause); err != nil {
		slog.Warn("could not report turn failure", "err", err)
	}
	return TurnResult{StatusLines: rd.StatusLines()}, cause
}

func dispatch(ctx context.Context, rd *render.Renderer, ev event.Event) error {
	switch ev := ev.(type) {
	case event.TextDelta:
		return rd.OnTextDelta(ctx, ev.Delta)
	case event.TextDone:
		return rd.OnTextDone(ctx, ev.Text)
	case event.ToolCall:
		return rd.OnToolCall(ctx, ev.Name, ev.Args)
	case event.ToolOutput:
		return rd.OnToolOutput(ctx, ev.Name, ev.Output)
	default:
		return fmt.Errorf("unhandled event %T", ev)
	}
}
