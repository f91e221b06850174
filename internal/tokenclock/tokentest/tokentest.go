// Package tokentest mints JWTs for tests.
package tokentest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var key = []byte("tokentest-secret")

// Mint returns an HS256 token expiring at exp with the extra claims merged
// in. A zero exp omits the claim.
func Mint(t testing.TB, exp time.Time, claims map[string]any) string {
	t.Helper()
	mc := jwt.MapClaims{}
	for k, v := range claims {
		mc[k] = v
	}
	if !exp.IsZero() {
		mc["exp"] = exp.Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(key)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return signed
}

// Valid returns a token for subject that expires in an hour.
func Valid(t testing.TB, subject string) string {
	t.Helper()
	return Mint(t, time.Now().Add(time.Hour), map[string]any{"sub": subject})
}

// Expired returns a token for subject that expired a minute ago.
func Expired(t testing.TB, subject string) string {
	t.Helper()
	return Mint(t, time.Now().Add(-time.Minute), map[string]any{"sub": subject})
}
