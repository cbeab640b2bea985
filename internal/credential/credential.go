// Package credential reads the validity window of a caller-presented bearer
// token. Signatures are checked upstream by the sources that receive the
// forwarded token; the engine only needs the expiry to end subscriptions.
package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned for values that are not a JWT.
var ErrMalformed = errors.New("credential: malformed token")

// Token strips an optional "Bearer " prefix from an Authorization value.
func Token(authorization string) string {
	v := strings.TrimSpace(authorization)
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return v
}

// Expiry returns the exp claim of the token carried by authorization. A
// missing header or a token without exp yields the zero time.
func Expiry(authorization string) (time.Time, error) {
	raw := Token(authorization)
	if raw == "" {
		return time.Time{}, nil
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
