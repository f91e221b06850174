package redis

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepulse/carepulse/internal/storage"
)

func setupTestRedis(t *testing.T, keyPrefix string) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, keyPrefix), mr
}

func TestStore_GetSet(t *testing.T) {
	s, mr := setupTestRedis(t, "")
	ctx := context.Background()

	_, err := s.Get(ctx, "accessToken")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Set(ctx, "accessToken", "tok"))
	got, err := s.Get(ctx, "accessToken")
	require.NoError(t, err)
	assert.Equal(t, "tok", got)
	assert.Zero(t, mr.TTL("accessToken"))
}

func TestStore_KeyPrefix(t *testing.T) {
	s, mr := setupTestRedis(t, "device-1/")
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "user", `{"id":"1"}`))

	raw, err := mr.Get("device-1/user")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"1"}`, raw)
}

func TestStore_Delete(t *testing.T) {
	s, mr := setupTestRedis(t, "")
	ctx := context.Background()
	require.NoError(t, mr.Set("a", "1"))
	require.NoError(t, mr.Set("b", "2"))

	require.NoError(t, s.Delete(ctx, "a", "b", "missing"))
	require.NoError(t, s.Delete(ctx))

	assert.False(t, mr.Exists("a"))
	assert.False(t, mr.Exists("b"))
}

func TestStore_DeletePrefix(t *testing.T) {
	s, mr := setupTestRedis(t, "")
	ctx := context.Background()
	for i := 0; i < 250; i++ {
		require.NoError(t, mr.Set(fmt.Sprintf("carepulse:k%d", i), "v"))
	}
	require.NoError(t, mr.Set("refreshToken", "keep"))

	n, err := s.DeletePrefix(ctx, "carepulse:")
	require.NoError(t, err)

	assert.Equal(t, 250, n)
	assert.Equal(t, []string{"refreshToken"}, mr.Keys())
}

func TestStore_DeletePrefix_EscapesGlob(t *testing.T) {
	s, mr := setupTestRedis(t, "")
	ctx := context.Background()
	require.NoError(t, mr.Set("a*b:1", "v"))
	require.NoError(t, mr.Set("axb:1", "v"))

	n, err := s.DeletePrefix(ctx, "a*b:")
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.True(t, mr.Exists("axb:1"))
}

func TestStore_PingFailsWhenServerDown(t *testing.T) {
	s, mr := setupTestRedis(t, "")
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]e\\`, escapeGlob(`a*b?c[d]e\`))
}
