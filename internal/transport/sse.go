package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"agent-relay/internal/event"
	"agent-relay/internal/models"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeStream = "text/event-stream"
	userAgent         = "agent-relay/0.1"

	maxSSELine = 4 << 20
	maxErrBody = 64 * 1024
)

// SSE streams from the endpoint's invocations route as a raw
// text/event-stream. It serves token-exchange identities.
type SSE struct {
	url      string
	client   *http.Client
	headers  map[string]string
	observer Observer
}

// NewSSE builds the raw event-stream transport for baseURL/endpoint.
func NewSSE(baseURL, endpoint string, client *http.Client, headers map[string]string, observer Observer) (*SSE, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	endpoint = strings.Trim(endpoint, "/")
	if endpoint == "" {
		return nil, errors.New("endpoint must not be empty")
	}

	return &SSE{
		url:      baseURL + "/" + endpoint + "/invocations",
		client:   client,
		headers:  headers,
		observer: observer,
	}, nil
}

func (t *SSE) Name() string {
	return string(event.OriginSSE)
}

type invocationPayload struct {
	Input  []models.Message `json:"input"`
	Stream bool             `json:"stream"`
}

func (t *SSE) Open(ctx context.Context, bearer string, messages []models.Message) (Conn, error) {
	body, err := json.Marshal(invocationPayload{Input: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeStream)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+bearer)
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, &TransportError{
			Transport: t.Name(),
			Status:    resp.StatusCode,
			Body:      strings.ToValidUTF8(string(msg), "�"),
		}
	}

	return newSSEReader(resp.Body, func(payload string, err error) {
		slog.Warn("sse payload skipped", "payload", truncate(payload, 200), "err", err)
		if t.observer != nil {
			t.observer.PayloadSkipped(t.Name())
		}
	}), nil
}

// sseReader parses a line-oriented event stream. Blank lines separate
// frames, ':' lines are comments, "data:" lines carry JSON and any other line
// is taken as a bare payload. A "[DONE]" payload ends the stream.
type sseReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	onSkip  func(payload string, err error)
}

func newSSEReader(body io.ReadCloser, onSkip func(string, error)) *sseReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseReader{body: body, scanner: scanner, onSkip: onSkip}
}

func (r *sseReader) Recv() (event.RawEvent, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		var data string
		if len(line) >= 5 && strings.EqualFold(line[:5], "data:") {
			data = strings.TrimSpace(line[5:])
		} else {
			data = strings.TrimSpace(line)
		}
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return event.RawEvent{}, io.EOF
		}

		ev, err := event.Decode(event.OriginSSE, []byte(data))
		if err != nil {
			if r.onSkip != nil {
				r.onSkip(data, err)
			}
			continue
		}
		return ev, nil
	}
	if err := r.scanner.Err(); err != nil {
		return event.RawEvent{}, err
	}
	return event.RawEvent{}, io.EOF
}

func (r *sseReader) Close() error {
	return r.body.Close()
}
