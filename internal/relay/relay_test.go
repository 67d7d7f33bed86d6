package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-relay/internal/identity"
	"agent-relay/internal/models"
	"agent-relay/internal/observability"
	"agent-relay/internal/render"
	"agent-relay/internal/transport"
)

func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func newRelay(t *testing.T, handler http.Handler, metrics *observability.Metrics) *Relay {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := transport.NewClient(5*time.Second, metrics)
	sse, err := transport.NewSSE(srv.URL, "agent", srv.Client(), nil, metrics)
	require.NoError(t, err)
	require.NoError(t, client.Register(identity.TokenExchange, sse))

	r, err := New(client, Options{MaxTurns: 10, MaxChars: 1000, Metrics: metrics})
	require.NoError(t, err)
	return r
}

func user(token string) identity.Identity {
	return identity.Identity{
		DisplayName: "Ada",
		Email:       "ada@example.com",
		AuthKind:    identity.TokenExchange,
		TokenSource: identity.StaticToken(token),
	}
}

func TestTurnStreamsToolAndText(t *testing.T) {
	metrics := observability.NewMetrics()
	r := newRelay(t, sseHandler(
		`{"type":"response.output_item.done","item":{"type":"function_call","id":"fc1","name":"search","arguments":"{}"}}`,
		`{"type":"response.output_item.done","item":{"type":"function_call_output","call_id":"search","output":"3 rows"}}`,
		`{"type":"response.output_text.delta","item_id":"m1","delta":"Hel"}`,
		`{"type":"response.output_text.delta","item_id":"m1","delta":"lo"}`,
		`{"type":"response.output_item.done","item":{"type":"message","id":"m1","content":[{"type":"output_text","text":"Hello"}]}}`,
	), metrics)
	host := render.NewTranscript()

	result, err := r.Turn(context.Background(), TurnRequest{Identity: user("tok"), Text: "hi"}, host)
	require.NoError(t, err)

	assert.Equal(t, "Hello", result.Text)
	assert.Equal(t, 5, result.Events)
	assert.Equal(t, []string{"🛠️ **search** started", "✅ **search** completed"}, result.StatusLines)
	text, ok := host.Last(render.SurfaceText)
	require.True(t, ok)
	assert.Equal(t, "Hello", text.Content)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Turns.WithLabelValues("token_exchange", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Events.WithLabelValues("text.delta")))
}

func TestTurnSendsBoundedHistory(t *testing.T) {
	var body atomic.Value
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		payload, _ := io.ReadAll(req.Body)
		body.Store(req.Header.Get("Authorization") + " " + string(payload))
		sseHandler(`{"type":"response.output_item.done","item":{"type":"message","content":[{"type":"output_text","text":"ok"}]}}`)(w, req)
	})
	r := newRelay(t, handler, nil)

	prior := []models.Message{
		models.NewMessage(models.RoleSystem, "be brief"),
		models.NewMessage(models.RoleUser, "first"),
		models.NewMessage(models.RoleAssistant, "answer"),
	}
	_, err := r.Turn(context.Background(), TurnRequest{Identity: user("tok"), History: prior, Text: "second"}, render.NewTranscript())
	require.NoError(t, err)

	sent := body.Load().(string)
	assert.True(t, strings.HasPrefix(sent, "Bearer tok "))
	assert.Contains(t, sent, `"stream":true`)
	assert.Contains(t, sent, `"be brief"`)
	assert.Contains(t, sent, `"second"`)
}

func TestTurnHTTPErrorShowsErrorSurface(t *testing.T) {
	metrics := observability.NewMetrics()
	r := newRelay(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}), metrics)
	host := render.NewTranscript()

	_, err := r.Turn(context.Background(), TurnRequest{Identity: user("tok"), Text: "hi"}, host)

	var terr *transport.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusInternalServerError, terr.Status)
	assert.Contains(t, terr.Body, "upstream exploded")

	_, hasText := host.Last(render.SurfaceText)
	assert.False(t, hasText)
	errSurface, ok := host.Last(render.SurfaceError)
	require.True(t, ok)
	assert.Contains(t, errSurface.Content, "500")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Turns.WithLabelValues("token_exchange", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TransportErrors.WithLabelValues("sse", "http_500")))
}

func TestTurnMissingCredential(t *testing.T) {
	var calls atomic.Int32
	r := newRelay(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}), nil)
	host := render.NewTranscript()

	_, err := r.Turn(context.Background(), TurnRequest{Identity: user(""), Text: "hi"}, host)
	require.ErrorIs(t, err, transport.ErrMissingCredential)
	assert.Zero(t, calls.Load())
	_, ok := host.Last(render.SurfaceError)
	assert.True(t, ok)
}

func TestTurnFinalizesStreamedTextWithoutDone(t *testing.T) {
	r := newRelay(t, sseHandler(
		`{"type":"response.output_text.delta","item_id":"m1","delta":"partial "}`,
		`{"type":"response.output_text.delta","item_id":"m1","delta":"answer"}`,
	), nil)
	host := render.NewTranscript()

	result, err := r.Turn(context.Background(), TurnRequest{Identity: user("tok"), Text: "hi"}, host)
	require.NoError(t, err)
	assert.Equal(t, "partial answer", result.Text)
}

func TestTurnStopsAtFinalText(t *testing.T) {
	r := newRelay(t, sseHandler(
		`{"type":"response.output_item.done","item":{"type":"message","content":[{"type":"output_text","text":"first"}]}}`,
		`{"type":"response.output_item.done","item":{"type":"message","content":[{"type":"output_text","text":"second"}]}}`,
	), nil)

	result, err := r.Turn(context.Background(), TurnRequest{Identity: user("tok"), Text: "hi"}, render.NewTranscript())
	require.NoError(t, err)
	assert.Equal(t, "first", result.Text)
	assert.Equal(t, 1, result.Events)
	assert.True(t, result.Dropped)
}

func TestTurnNotDroppedAtStreamEnd(t *testing.T) {
	r := newRelay(t, sseHandler(
		`{"type":"response.output_item.done","item":{"type":"message","content":[{"type":"output_text","text":"only"}]}}`,
	), nil)

	result, err := r.Turn(context.Background(), TurnRequest{Identity: user("tok"), Text: "hi"}, render.NewTranscript())
	require.NoError(t, err)
	assert.Equal(t, "only", result.Text)
	assert.False(t, result.Dropped)
}

func TestTurnErrorEventIsFinalText(t *testing.T) {
	r := newRelay(t, sseHandler(`{"type":"response.error","error":"quota exceeded"}`), nil)

	result, err := r.Turn(context.Background(), TurnRequest{Identity: user("tok"), Text: "hi"}, render.NewTranscript())
	require.NoError(t, err)
	assert.Equal(t, "❌ quota exceeded", result.Text)
}

func TestTurnTable(t *testing.T) {
	r := newRelay(t, sseHandler(
		`{"type":"response.output_item.done","item":{"type":"message","content":[{"type":"output_text","text":"Top:\n\n| k | v |\n|---|---|\n| a | 1 |"}]}}`,
	), nil)
	host := render.NewTranscript()

	result, err := r.Turn(context.Background(), TurnRequest{Identity: user("tok"), Text: "hi"}, host)
	require.NoError(t, err)
	require.NotNil(t, result.Table)
	assert.Equal(t, "Results", result.Table.Name)
	text, _ := host.Last(render.SurfaceText)
	assert.Equal(t, "Top:", text.Content)
}

type brokenHost struct{ *render.Transcript }

func (brokenHost) StreamToken(context.Context, string, string) error {
	return errors.New("client went away")
}

func TestTurnHostFailure(t *testing.T) {
	r := newRelay(t, sseHandler(`{"type":"response.output_text.delta","delta":"x"}`), nil)

	_, err := r.Turn(context.Background(), TurnRequest{Identity: user("tok"), Text: "hi"}, brokenHost{render.NewTranscript()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client went away")
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{MaxTurns: 1, MaxChars: 1})
	assert.Error(t, err)
	_, err = New(transport.NewClient(0, nil), Options{MaxTurns: 0, MaxChars: 1})
	assert.Error(t, err)
}
