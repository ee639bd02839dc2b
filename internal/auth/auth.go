// Package auth inspects bearer tokens on the client side. The broker
// verifies signatures; the core only needs to know whether a token is
// present and not past its expiry, because reconnection is forbidden
// without a usable token.
package auth

import (
	"fmt"
	"time"

	"carelink/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

type Inspector struct {
	now func() time.Time
}

func NewInspector() *Inspector {
	return &Inspector{now: time.Now}
}

// CheckToken returns ErrNoToken for an empty token and ErrTokenExpired
// for a JWT whose exp claim has passed. Opaque (non-JWT) tokens are
// accepted; only the broker can judge those.
func (i *Inspector) CheckToken(token string) error {
	if token == "" {
		return models.ErrNoToken
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}

	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(i.now()) {
		return fmt.Errorf("%w: expired at %s", models.ErrTokenExpired, claims.ExpiresAt.Time.Format(time.RFC3339))
	}

	return nil
}

// BearerHeader formats the handshake Authorization value.
func BearerHeader(token string) string {
	return "Bearer " + token
}
