package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"agent-relay/internal/config"
	"agent-relay/internal/identity"
)

const identityKey = "identity"

// authMiddleware resolves the caller's identity: HTTP basic auth against the
// configured users in password mode, proxy-forwarded headers in header mode.
func (s *Server) authMiddleware() echo.MiddlewareFunc {
	if s.cfg.Auth.Mode == config.AuthModePassword {
		passwords := identity.NewPasswords(s.cfg.Auth.Users, s.cfg.Auth.PAT)
		return middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
			Realm: "agent-relay",
			Validator: func(username, password string, c echo.Context) (bool, error) {
				id, err := passwords.Authenticate(username, password)
				if err != nil {
					return false, nil
				}
				c.Set(identityKey, id)
				return true, nil
			},
		})
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, err := identity.FromForwardedHeaders(c.Request().Header)
			if err != nil {
				return requestError{
					Status:  http.StatusUnauthorized,
					Message: err.Error(),
					Type:    "authentication_error",
				}
			}
			c.Set(identityKey, id)
			return next(c)
		}
	}
}

func identityFrom(c echo.Context) (identity.Identity, error) {
	id, ok := c.Get(identityKey).(identity.Identity)
	if !ok {
		return identity.Identity{}, requestError{
			Status:  http.StatusUnauthorized,
			Message: "request is not authenticated",
			Type:    "authentication_error",
		}
	}
	return id, nil
}
