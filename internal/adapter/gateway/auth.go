package gateway

import (
	"crypto/subtle"
	"slices"

	"agentdock/internal/domain"
	"agentdock/internal/infra/config"
)

// Client roles. A token without roles may call every method.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleWorker   = "worker"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name  string
	Roles []string
}

// Allows reports whether the client may call a method requiring role.
func (c *ClientInfo) Allows(role string) bool {
	if len(c.Roles) == 0 || role == "" {
		return true
	}
	return slices.Contains(c.Roles, RoleAdmin) || slices.Contains(c.Roles, role)
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(t.Token),
			info:  ClientInfo{Name: t.Name, Roles: slices.Clone(t.Roles)},
		})
	}
	return a
}

// Authenticate returns a fresh copy of the client info for a valid token.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			info := e.info
			info.Roles = slices.Clone(e.info.Roles)
			return &info, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}
