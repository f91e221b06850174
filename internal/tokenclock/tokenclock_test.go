package tokenclock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepulse/carepulse/internal/tokenclock"
	"github.com/carepulse/carepulse/internal/tokenclock/tokentest"
)

func TestIsExpiredOrNearExpiryAt(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	skew := 30 * time.Second

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"far future", tokentest.Mint(t, now.Add(time.Hour), nil), false},
		{"inside skew", tokentest.Mint(t, now.Add(10*time.Second), nil), true},
		{"exactly at skew", tokentest.Mint(t, now.Add(skew), nil), true},
		{"just past skew", tokentest.Mint(t, now.Add(skew+time.Second), nil), false},
		{"already expired", tokentest.Mint(t, now.Add(-time.Minute), nil), true},
		{"no exp claim", tokentest.Mint(t, time.Time{}, map[string]any{"sub": "1"}), true},
		{"garbage", "not-a-jwt", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tokenclock.IsExpiredOrNearExpiryAt(tt.token, skew, now))
		})
	}
}

func TestIsExpiredOrNearExpiry_UsesWallClock(t *testing.T) {
	assert.False(t, tokenclock.IsExpiredOrNearExpiry(tokentest.Valid(t, "7"), time.Minute))
	assert.True(t, tokenclock.IsExpiredOrNearExpiry(tokentest.Expired(t, "7"), 0))
}

func TestExpiresAt(t *testing.T) {
	exp := time.Unix(1_800_000_000, 0)
	got, err := tokenclock.ExpiresAt(tokentest.Mint(t, exp, nil))
	require.NoError(t, err)
	assert.True(t, exp.Equal(got))

	_, err = tokenclock.ExpiresAt(tokentest.Mint(t, time.Time{}, nil))
	assert.ErrorIs(t, err, tokenclock.ErrNoExpiry)

	_, err = tokenclock.ExpiresAt("a.b.c")
	assert.ErrorIs(t, err, tokenclock.ErrMalformed)
}

func TestSubjectOf(t *testing.T) {
	sub, err := tokenclock.SubjectOf(tokentest.Mint(t, time.Time{}, map[string]any{"sub": "42"}))
	require.NoError(t, err)
	assert.Equal(t, "42", sub)

	sub, err = tokenclock.SubjectOf(tokentest.Mint(t, time.Time{}, map[string]any{"user_id": 17}))
	require.NoError(t, err)
	assert.Equal(t, "17", sub)

	sub, err = tokenclock.SubjectOf(tokentest.Mint(t, time.Time{}, nil))
	require.NoError(t, err)
	assert.Empty(t, sub)

	_, err = tokenclock.SubjectOf("junk")
	assert.ErrorIs(t, err, tokenclock.ErrMalformed)
}
