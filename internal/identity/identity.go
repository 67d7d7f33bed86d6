// Package identity resolves who a conversational turn runs as and where its
// bearer token comes from.
package identity

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthKind selects the transport used to reach the agent endpoint.
type AuthKind string

const (
	// TokenExchange forwards the end user's own access token.
	TokenExchange AuthKind = "token_exchange"
	// DirectToken uses a statically configured token.
	DirectToken AuthKind = "direct_token"
)

const (
	HeaderAccessToken = "X-Forwarded-Access-Token"
	HeaderEmail       = "X-Forwarded-Email"
	HeaderUser        = "X-Forwarded-User"
)

// ErrUnauthenticated indicates the request carried no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// TokenSource yields the bearer token for an identity. ok is false when no
// token is available.
type TokenSource interface {
	BearerToken() (token string, ok bool)
}

// Identity is immutable for the lifetime of a session.
type Identity struct {
	DisplayName string
	Email       string
	AuthKind    AuthKind
	TokenSource TokenSource
}

// String omits the token source so identities are safe to log.
func (i Identity) String() string {
	return fmt.Sprintf("%s <%s> (%s)", i.DisplayName, i.Email, i.AuthKind)
}

// StaticToken is a fixed token, such as a personal access token.
type StaticToken string

func (t StaticToken) BearerToken() (string, bool) {
	token := strings.TrimSpace(string(t))
	return token, token != ""
}

// HeaderToken reads the forwarded access token from request headers captured
// when the session authenticated.
type HeaderToken struct {
	headers http.Header
}

// NewHeaderToken copies h so later mutation of the request does not leak in.
func NewHeaderToken(h http.Header) HeaderToken {
	return HeaderToken{headers: h.Clone()}
}

func (t HeaderToken) BearerToken() (string, bool) {
	token := strings.TrimSpace(t.headers.Get(HeaderAccessToken))
	return token, token != ""
}

// FromForwardedHeaders builds a token-exchange identity from headers injected
// by the hosting proxy. A token and some user reference are both required.
func FromForwardedHeaders(h http.Header) (Identity, error) {
	source := NewHeaderToken(h)
	token, ok := source.BearerToken()
	if !ok {
		return Identity{}, fmt.Errorf("%w: missing %s header", ErrUnauthenticated, HeaderAccessToken)
	}

	email := strings.TrimSpace(h.Get(HeaderEmail))
	if email == "" {
		email = strings.TrimSpace(h.Get(HeaderUser))
	}
	if email == "" {
		email = claimsSubject(token)
	}
	if email == "" {
		return Identity{}, fmt.Errorf("%w: missing %s header", ErrUnauthenticated, HeaderEmail)
	}

	return Identity{
		DisplayName: email,
		Email:       email,
		AuthKind:    TokenExchange,
		TokenSource: source,
	}, nil
}

// claimsSubject best-effort reads the user from an unverified JWT. The token
// is validated by the agent endpoint, not here.
func claimsSubject(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	for _, key := range []string{"email", "upn", "sub"} {
		if v, ok := claims[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Passwords authenticates configured users and issues direct-token identities.
type Passwords struct {
	users map[string]string
	token StaticToken
}

// NewPasswords returns an authenticator over users that relays with pat.
func NewPasswords(users map[string]string, pat string) *Passwords {
	copied := make(map[string]string, len(users))
	for name, password := range users {
		copied[name] = password
	}
	return &Passwords{users: copied, token: StaticToken(pat)}
}

// Authenticate checks the credentials in constant time.
func (p *Passwords) Authenticate(username, password string) (Identity, error) {
	expected, ok := p.users[username]
	if !ok {
		// Compare anyway so unknown users take as long as wrong passwords.
		expected = "\x00"
	}
	match := subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
	if !ok || !match {
		return Identity{}, fmt.Errorf("%w: invalid credentials for %q", ErrUnauthenticated, username)
	}
	return p.Direct(username), nil
}

// Direct returns a direct-token identity for name without checking a password.
func (p *Passwords) Direct(name string) Identity {
	return Identity{
		DisplayName: name,
		Email:       name,
		AuthKind:    DirectToken,
		TokenSource: p.token,
	}
}
