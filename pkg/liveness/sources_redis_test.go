package liveness

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// TestRedisRecordSource_Integration requires a running Redis and is skipped
// when none answers.
func TestRedisRecordSource_Integration(t *testing.T) {
	addr := os.Getenv("RELGATE_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	src := NewRedisRecordSource(client)
	t.Cleanup(func() { _ = src.Close() })

	key := "relgate:liveness:it-target"
	require.NoError(t, client.HSet(ctx, key, "pid", strconv.Itoa(os.Getpid()), "command", "relgate").Err())
	t.Cleanup(func() { client.Del(context.Background(), key) })

	rec, err := src.Lookup(ctx, "it-target")
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), rec.PID)
	require.Equal(t, "relgate", rec.Command)

	_, err = src.Lookup(ctx, "it-absent")
	require.ErrorIs(t, err, ErrNoRecord)
}
