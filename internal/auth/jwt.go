// Package auth verifies client-supplied session tokens. When a secret is
// configured, the token's subject becomes the player identity and the
// claimed username is ignored.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSubject = errors.New("token has no subject")

// Verifier checks HS256 tokens against a shared secret. A nil Verifier
// means token verification is disabled.
type Verifier struct {
	secret []byte
}

// NewVerifier returns nil when no secret is configured.
func NewVerifier(secret string) *Verifier {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates the token and returns its subject.
func (v *Verifier) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", ErrNoSubject
	}
	return sub, nil
}
