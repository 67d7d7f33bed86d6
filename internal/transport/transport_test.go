package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-relay/internal/event"
	"agent-relay/internal/identity"
	"agent-relay/internal/models"
)

type recordingObserver struct {
	mu       sync.Mutex
	skipped  int
	failures []string
}

func (o *recordingObserver) PayloadSkipped(string) {
	o.mu.Lock()
	o.skipped++
	o.mu.Unlock()
}

func (o *recordingObserver) StreamFailed(transport, reason string) {
	o.mu.Lock()
	o.failures = append(o.failures, transport+":"+reason)
	o.mu.Unlock()
}

func drain(t *testing.T, s *Stream) []event.RawEvent {
	t.Helper()
	var out []event.RawEvent
	for s.Next() {
		out = append(out, s.Current())
	}
	return out
}

func TestSSEReaderFrames(t *testing.T) {
	input := strings.Join([]string{
		":keepalive",
		`data: {"type":"x"}`,
		"",
		"data: [DONE]",
		`data: {"type":"after-done"}`,
	}, "\n")

	var skipped []string
	r := newSSEReader(io.NopCloser(strings.NewReader(input)), func(p string, _ error) { skipped = append(skipped, p) })

	ev, err := r.Recv()
	require.NoError(t, err)
	assert.Equal(t, "x", ev.Type)
	assert.Equal(t, event.OriginSSE, ev.Origin)

	_, err = r.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, skipped)
}

func TestSSEReaderSkipsMalformed(t *testing.T) {
	input := strings.Join([]string{
		"data: {not json",
		"",
		`DATA:{"type":"first"}`,
		`{"type":"bare"}`,
		"event: message",
		"data:   ",
		`data: {"type":"last"}`,
	}, "\r\n")

	var skipped []string
	r := newSSEReader(io.NopCloser(strings.NewReader(input)), func(p string, _ error) { skipped = append(skipped, p) })

	var types []string
	for {
		ev, err := r.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"first", "bare", "last"}, types)
	assert.Equal(t, []string{"{not json", "event: message"}, skipped)
}

func sseServer(t *testing.T, check func(r *http.Request), frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", contentTypeStream)
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}))
}

func newSSEClient(t *testing.T, srv *httptest.Server, timeout time.Duration, obs Observer) *Client {
	t.Helper()
	sse, err := NewSSE(srv.URL+"/serving-endpoints", "agent", srv.Client(), nil, obs)
	require.NoError(t, err)
	client := NewClient(timeout, obs)
	require.NoError(t, client.Register(identity.TokenExchange, sse))
	return client
}

func oboIdentity(token string) identity.Identity {
	h := http.Header{}
	h.Set(identity.HeaderAccessToken, token)
	h.Set(identity.HeaderEmail, "ana@example.com")
	id, _ := identity.FromForwardedHeaders(h)
	return id
}

func TestSSETransportStreams(t *testing.T) {
	messages := []models.Message{models.NewMessage(models.RoleUser, "hi")}
	srv := sseServer(t, func(r *http.Request) {
		assert.Equal(t, "/serving-endpoints/agent/invocations", r.URL.Path)
		assert.Equal(t, "Bearer obo-token", r.Header.Get("Authorization"))
		assert.Equal(t, contentTypeStream, r.Header.Get("Accept"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])
		assert.Equal(t, []any{map[string]any{"role": "user", "content": "hi"}}, body["input"])
	},
		": ping\n\n",
		"data: {\"type\":\"response.output_text.delta\",\"item_id\":\"a\",\"delta\":\"Hel\"}\n\n",
		"data: {broken\n\n",
		"data: {\"type\":\"response.output_text.delta\",\"item_id\":\"a\",\"delta\":\"lo\"}\n\n",
		"data: [DONE]\n\n",
	)
	defer srv.Close()

	obs := &recordingObserver{}
	client := newSSEClient(t, srv, time.Second, obs)

	stream, err := client.Stream(context.Background(), oboIdentity("obo-token"), messages)
	require.NoError(t, err)
	defer stream.Close()

	events := drain(t, stream)
	require.NoError(t, stream.Err())
	require.Len(t, events, 2)
	assert.Equal(t, "Hel", events[0].Delta)
	assert.Equal(t, "lo", events[1].Delta)
	assert.Equal(t, "sse", stream.Transport())
	assert.Equal(t, 1, obs.skipped)
	assert.False(t, stream.Next(), "stream is one-pass")
}

func TestSSETransportErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "endpoint exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	client := newSSEClient(t, srv, time.Second, obs)

	stream, err := client.Stream(context.Background(), oboIdentity("tok"), nil)
	assert.Nil(t, stream)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.Status)
	assert.Contains(t, te.Body, "endpoint exploded")
	assert.False(t, te.Timeout)
	assert.Equal(t, []string{"sse:http_500"}, obs.failures)
}

func TestSSETransportTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeStream)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"a\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := newSSEClient(t, srv, 100*time.Millisecond, nil)
	stream, err := client.Stream(context.Background(), oboIdentity("tok"), nil)
	require.NoError(t, err)

	events := drain(t, stream)
	assert.Len(t, events, 1)

	var te *TransportError
	require.ErrorAs(t, stream.Err(), &te)
	assert.True(t, te.Timeout)
	assert.Equal(t, "timeout", te.Reason())
}

func TestStreamCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeStream)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"a\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := newSSEClient(t, srv, 10*time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := client.Stream(ctx, oboIdentity("tok"), nil)
	require.NoError(t, err)

	require.True(t, stream.Next())
	cancel()
	assert.False(t, stream.Next())
	assert.ErrorIs(t, stream.Err(), context.Canceled)
	assert.NoError(t, stream.Close())
}

func TestStreamCloseEarly(t *testing.T) {
	srv := sseServer(t, nil, "data: {\"type\":\"a\"}\n\n", "data: {\"type\":\"b\"}\n\n")
	defer srv.Close()

	client := newSSEClient(t, srv, time.Second, nil)
	stream, err := client.Stream(context.Background(), oboIdentity("tok"), nil)
	require.NoError(t, err)

	require.True(t, stream.Next())
	require.NoError(t, stream.Close())
	assert.False(t, stream.Next())
	assert.NoError(t, stream.Err())
}

func TestClientMissingCredential(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	client := newSSEClient(t, srv, time.Second, nil)

	_, err := client.Stream(context.Background(), identity.Identity{AuthKind: identity.TokenExchange}, nil)
	assert.ErrorIs(t, err, ErrMissingCredential)

	id := identity.Identity{AuthKind: identity.TokenExchange, TokenSource: identity.StaticToken("")}
	_, err = client.Stream(context.Background(), id, nil)
	assert.ErrorIs(t, err, ErrMissingCredential)
	assert.False(t, called)
}

func TestClientRegistry(t *testing.T) {
	client := NewClient(0, nil)
	sse, err := NewSSE("http://localhost", "agent", http.DefaultClient, nil, nil)
	require.NoError(t, err)

	require.NoError(t, client.Register(identity.TokenExchange, sse))
	assert.Error(t, client.Register(identity.TokenExchange, sse))
	assert.Error(t, client.Register(identity.DirectToken, nil))

	_, err = client.Lookup(identity.DirectToken)
	assert.ErrorIs(t, err, ErrUnknownAuthKind)

	id := identity.Identity{AuthKind: identity.DirectToken, TokenSource: identity.StaticToken("pat")}
	_, err = client.Stream(context.Background(), id, nil)
	assert.ErrorIs(t, err, ErrUnknownAuthKind)
}

func TestNewSSEValidation(t *testing.T) {
	_, err := NewSSE("", "agent", http.DefaultClient, nil, nil)
	assert.Error(t, err)
	_, err = NewSSE("http://x", "", http.DefaultClient, nil, nil)
	assert.Error(t, err)
	_, err = NewSSE("http://x", "agent", nil, nil, nil)
	assert.Error(t, err)
}

func TestTransportErrorMessage(t *testing.T) {
	err := &TransportError{Transport: "sse", Status: 502, Body: strings.Repeat("x", 600)}
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.Less(t, len(err.Error()), 600)

	timeout := &TransportError{Transport: "sdk", Timeout: true, Err: context.DeadlineExceeded}
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
	assert.Contains(t, timeout.Error(), "timed out")
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	body := strings.Repeat("é", 300)
	got := truncate(body, maxErrorBody+1)
	assert.True(t, utf8.ValidString(got), got)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.Equal(t, strings.Repeat("é", maxErrorBody/2)+"…", got)

	err := &TransportError{Transport: "sse", Status: 500, Body: strings.Repeat("日本", 200)}
	assert.True(t, utf8.ValidString(err.Error()))
	assert.Equal(t, "short", truncate("  short \n", 10))
}

// blockingConn blocks in Recv until closed.
type blockingConn struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *blockingConn) Recv() (event.RawEvent, error) {
	<-c.closed
	return event.RawEvent{}, io.ErrClosedPipe
}

func (c *blockingConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func TestStreamCloseFromAnotherGoroutine(t *testing.T) {
	obs := &recordingObserver{}
	conn := &blockingConn{closed: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	stream := newStream(ctx, cancel, "sse", conn, obs)

	result := make(chan bool)
	go func() { result <- stream.Next() }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, stream.Close())

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	assert.NoError(t, stream.Err())
	assert.False(t, stream.Next())
	assert.Empty(t, obs.failures)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
