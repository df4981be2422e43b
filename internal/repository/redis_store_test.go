package repository

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs a live server: REDIS_TEST_ADDR=localhost:6379 go test ./internal/repository
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()

	// unique prefix so parallel runs do not see each other
	prefix := "relay:test:" + ksuid.New().String() + ":"
	store, err := NewRedisStore(ctx, &redis.Options{Addr: addr}, prefix)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	snapshot, err := store.LoadState(ctx, "notes")
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	require.NoError(t, store.WriteState(ctx, "notes", []byte("v1")))
	require.NoError(t, store.WriteState(ctx, "notes", []byte("v2")))
	require.NoError(t, store.WriteState(ctx, "todo", []byte("x")))
	t.Cleanup(func() {
		store.client.Del(context.Background(), store.key("notes"), store.key("todo"))
	})

	snapshot, err = store.LoadState(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), snapshot)

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes", "todo"}, names)
}
