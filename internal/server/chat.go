package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"agent-relay/internal/identity"
	"agent-relay/internal/models"
	"agent-relay/internal/relay"
	"agent-relay/internal/render"
)

const maxSessionIDLen = 128

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Stream    *bool  `json:"stream"`
}

type chatResponse struct {
	SessionID string        `json:"session_id"`
	Text      string        `json:"text"`
	Table     *render.Table `json:"table,omitempty"`
	Tools     []string      `json:"tools,omitempty"`
}

func (s *Server) handleChat(c echo.Context) error {
	id, err := identityFrom(c)
	if err != nil {
		return err
	}

	var req chatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Message) == "" {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "message must not be empty",
			Type:    "invalid_request_error",
		}
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if len(req.SessionID) > maxSessionIDLen {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "session_id is too long",
			Type:    "invalid_request_error",
		}
	}

	ctx := c.Request().Context()
	key := sessionKey(id, req.SessionID)
	prior, err := s.store.History(ctx, key)
	if err != nil {
		slog.Error("load history failed", "session_id", req.SessionID, "err", err)
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: "conversation history is unavailable",
			Type:    "server_error",
		}
	}

	turn := relay.TurnRequest{Identity: id, History: prior, Text: req.Message}
	if req.Stream == nil || *req.Stream {
		return s.streamTurn(c, key, req.SessionID, turn)
	}

	result, err := s.turner.Turn(ctx, turn, render.NewTranscript())
	if err != nil {
		return toHTTPError(err)
	}
	s.persist(ctx, key, req.Message, result)

	return c.JSON(http.StatusOK, chatResponse{
		SessionID: req.SessionID,
		Text:      result.Text,
		Table:     result.Table,
		Tools:     result.StatusLines,
	})
}

func (s *Server) streamTurn(c echo.Context, key, sessionID string, turn relay.TurnRequest) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	if err := writeSSEEvent(writer, "session", map[string]string{"session_id": sessionID}); err != nil {
		return err
	}
	flusher.Flush()

	result, err := s.turner.Turn(ctx, turn, newSSEHost(writer, flusher))
	if err != nil {
		reqErr := toHTTPError(err)
		if werr := writeSSEEvent(writer, "turn.error", newErrorBody(reqErr.Message, reqErr.Type, reqErr.Code)); werr != nil {
			slog.Error("failed to write SSE event", "event", "turn.error", "err", werr)
			return nil
		}
		flusher.Flush()
		return nil
	}
	s.persist(ctx, key, turn.Text, result)

	if err := writeSSEEvent(writer, "turn.done", chatResponse{
		SessionID: sessionID,
		Text:      result.Text,
		Table:     result.Table,
		Tools:     result.StatusLines,
	}); err != nil {
		slog.Error("failed to write SSE event", "event", "turn.done", "err", err)
		return nil
	}
	flusher.Flush()
	return nil
}

// persist stores the exchange once the agent produced an answer. Failures
// are logged; the user already saw the answer.
func (s *Server) persist(ctx context.Context, key, userText string, result relay.TurnResult) {
	if result.Text == "" {
		return
	}
	err := s.store.Append(context.WithoutCancel(ctx), key,
		models.NewMessage(models.RoleUser, userText),
		models.NewMessage(models.RoleAssistant, result.Text),
	)
	if err != nil {
		slog.Error("persist turn failed", "err", err)
	}
}

func (s *Server) handleSessionMessages(c echo.Context) error {
	id, err := identityFrom(c)
	if err != nil {
		return err
	}
	sessionID := c.Param("id")

	messages, err := s.store.History(c.Request().Context(), sessionKey(id, sessionID))
	if err != nil {
		slog.Error("load history failed", "session_id", sessionID, "err", err)
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: "conversation history is unavailable",
			Type:    "server_error",
		}
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   messages,
	})
}

// sessionKey scopes stored sessions to the user that created them.
func sessionKey(id identity.Identity, sessionID string) string {
	return id.Email + "/" + sessionID
}
