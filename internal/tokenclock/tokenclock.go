// Package tokenclock decides whether a bearer token is still usable by
// reading its expiry claim. Signatures are not verified; that is the
// server's job.
package tokenclock

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed is returned for tokens that are not decodable JWTs.
	ErrMalformed = errors.New("malformed token")
	// ErrNoExpiry is returned for tokens without an exp claim.
	ErrNoExpiry = errors.New("token has no expiry claim")
)

var parser = jwt.NewParser()

// IsExpiredOrNearExpiry reports whether token expires within skew of now.
// Malformed tokens and tokens without an expiry count as expired.
func IsExpiredOrNearExpiry(token string, skew time.Duration) bool {
	return IsExpiredOrNearExpiryAt(token, skew, time.Now())
}

// IsExpiredOrNearExpiryAt is IsExpiredOrNearExpiry evaluated at now.
func IsExpiredOrNearExpiryAt(token string, skew time.Duration, now time.Time) bool {
	exp, err := ExpiresAt(token)
	if err != nil {
		return true
	}
	return !exp.After(now.Add(skew))
}

// ExpiresAt decodes the exp claim of token.
func ExpiresAt(token string) (time.Time, error) {
	claims, err := decode(token)
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}

// SubjectOf returns the sub claim, falling back to user_id. It is meant for
// log correlation only.
func SubjectOf(token string) (string, error) {
	claims, err := decode(token)
	if err != nil {
		return "", err
	}
	for _, key := range []string{"sub", "user_id"} {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		}
	}
	return "", nil
}

func decode(token string) (jwt.MapClaims, error) {
	if token == "" {
		return nil, ErrMalformed
	}
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return claims, nil
}
