// Package auth verifies bearer tokens and carries the caller's identity through
// request contexts. The token subject is the employee ID attendance is kept for.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds HS256 verification parameters.
type Config struct {
	Secret string
	Issuer string
}

// Claims is the verified identity of a caller.
type Claims struct {
	Subject   string
	Name      string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

var (
	// ErrMissingToken is returned when the Authorization header is absent.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken wraps parsing and validation failures.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// ParseToken validates an HS256 JWT issued by cfg.Issuer. A non-empty sub and
// an exp claim are required.
func ParseToken(token string, cfg Config) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	mc := jwt.MapClaims{}
	key := func(*jwt.Token) (interface{}, error) { return []byte(cfg.Secret), nil }
	_, err := jwt.ParseWithClaims(token, mc, key,
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, err := mc.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	exp, err := mc.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	name, _ := mc["name"].(string)

	return &Claims{
		Subject:   subject,
		Name:      name,
		Scopes:    scopeSet(mc["scopes"]),
		ExpiresAt: exp.Time,
	}, nil
}

// scopeSet accepts a JSON array or a space separated string.
func scopeSet(value interface{}) map[string]struct{} {
	var raw []string
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case []string:
		raw = v
	case string:
		raw = strings.Fields(v)
	}

	out := make(map[string]struct{}, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

// HasScope reports whether the token literally carries scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Scopes[scope]
	return ok
}
