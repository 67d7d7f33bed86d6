package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"agent-relay/internal/event"
	"agent-relay/internal/models"
)

// SDK streams through the OpenAI-compatible Responses API. It serves
// direct-token identities.
type SDK struct {
	baseURL  string
	endpoint string
	client   *http.Client
	headers  map[string]string
	observer Observer
}

// NewSDK builds the SDK-style transport. endpoint is sent as the model name.
func NewSDK(baseURL, endpoint string, client *http.Client, headers map[string]string, observer Observer) (*SDK, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("endpoint must not be empty")
	}

	return &SDK{
		baseURL:  baseURL + "/",
		endpoint: strings.TrimSpace(endpoint),
		client:   client,
		headers:  headers,
		observer: observer,
	}, nil
}

func (t *SDK) Name() string {
	return string(event.OriginSDK)
}

func (t *SDK) Open(ctx context.Context, bearer string, messages []models.Message) (Conn, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(bearer),
		option.WithBaseURL(t.baseURL),
		option.WithHTTPClient(t.client),
		option.WithMaxRetries(0),
		option.WithHeader("User-Agent", userAgent),
	}
	for k, v := range t.headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	client := openai.NewClient(opts...)

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(t.endpoint),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: inputItems(messages)},
	}

	// Frames are decoded here rather than through ssestream.Stream, which
	// aborts on any payload carrying an "error" key and would swallow
	// response.error events.
	var res *http.Response
	err := client.Post(ctx, "responses", params, &res, option.WithJSONSet("stream", true))
	if err != nil {
		if res != nil && res.Body != nil {
			_ = res.Body.Close()
		}
		return nil, t.wrapError(err)
	}
	decoder := ssestream.NewDecoder(res)
	if decoder == nil {
		return nil, &TransportError{Transport: t.Name(), Body: "empty response body"}
	}
	return &sdkConn{decoder: decoder, transport: t}, nil
}

func (t *SDK) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		body := apiErr.Message
		if body == "" {
			body = apiErr.RawJSON()
		}
		return &TransportError{Transport: t.Name(), Status: apiErr.StatusCode, Body: body, Err: err}
	}
	return err
}

func inputItems(messages []models.Message) responses.ResponseInputParam {
	items := make(responses.ResponseInputParam, 0, len(messages))
	for _, msg := range messages {
		items = append(items, responses.ResponseInputItemParamOfMessage(msg.Text(), inputRole(msg.Role)))
	}
	return items
}

func inputRole(role models.Role) responses.EasyInputMessageRole {
	switch role {
	case models.RoleSystem:
		return responses.EasyInputMessageRoleSystem
	case models.RoleAssistant:
		return responses.EasyInputMessageRoleAssistant
	default:
		return responses.EasyInputMessageRoleUser
	}
}

var doneMarker = []byte("[DONE]")

type sdkConn struct {
	decoder   ssestream.Decoder
	transport *SDK
	done      bool
}

func (c *sdkConn) Recv() (event.RawEvent, error) {
	for {
		if c.done {
			return event.RawEvent{}, io.EOF
		}
		if !c.decoder.Next() {
			c.done = true
			if err := c.decoder.Err(); err != nil {
				return event.RawEvent{}, err
			}
			return event.RawEvent{}, io.EOF
		}

		data := bytes.TrimSpace(c.decoder.Event().Data)
		if len(data) == 0 {
			continue
		}
		if bytes.HasPrefix(data, doneMarker) {
			c.done = true
			return event.RawEvent{}, io.EOF
		}

		ev, err := event.Decode(event.OriginSDK, data)
		if err != nil {
			slog.Warn("sdk event skipped", "event", c.decoder.Event().Type, "err", err)
			if c.transport.observer != nil {
				c.transport.observer.PayloadSkipped(c.transport.Name())
			}
			continue
		}
		return ev, nil
	}
}

func (c *sdkConn) Close() error {
	if c.decoder == nil {
		return nil
	}
	return c.decoder.Close()
}
