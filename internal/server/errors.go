package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"agent-relay/internal/identity"
	"agent-relay/internal/store"
	"agent-relay/internal/transport"
)

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func newErrorBody(message, errType, code string) errorBody {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return payload
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	return c.JSON(status, newErrorBody(message, errType, code))
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		errType := "invalid_request_error"
		if he.Code == http.StatusUnauthorized {
			errType = "authentication_error"
		}
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), errType, "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

// toHTTPError classifies turn and store failures.
func toHTTPError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, transport.ErrMissingCredential), errors.Is(err, identity.ErrUnauthenticated):
		return requestError{
			Status:  http.StatusUnauthorized,
			Message: err.Error(),
			Type:    "authentication_error",
		}
	case errors.Is(err, store.ErrInvalidSession):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	case errors.Is(err, context.Canceled):
		return requestError{
			Status:  499,
			Message: "request cancelled",
			Type:    "cancelled",
		}
	}

	var terr *transport.TransportError
	if errors.As(err, &terr) {
		if terr.Timeout {
			return requestError{
				Status:  http.StatusGatewayTimeout,
				Message: terr.Error(),
				Type:    "upstream_timeout",
			}
		}
		out := requestError{
			Status:  http.StatusBadGateway,
			Message: terr.Error(),
			Type:    "upstream_error",
		}
		if terr.Status > 0 {
			out.Code = fmt.Sprintf("http_%d", terr.Status)
		}
		return out
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "agent relay failed",
		Type:    "upstream_error",
	}
}
