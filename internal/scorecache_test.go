package internal_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/quiz-room/internal"
	"github.com/koopa0/quiz-room/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisScoreCache(t *testing.T) {
	env := testutils.SetupRedis(t)
	ctx := context.Background()
	cache := internal.NewRedisScoreCache(env.RedisClient, time.Hour, testutils.TestLogger())

	t.Run("ranked matches in-memory ordering", func(t *testing.T) {
		env.FlushRedis(t)

		require.NoError(t, cache.Store(ctx, "ROOM01", "A", 10))
		require.NoError(t, cache.Store(ctx, "ROOM01", "B", 30))
		require.NoError(t, cache.Store(ctx, "ROOM01", "C", 30))

		board, err := cache.Ranked(ctx, "ROOM01")
		require.NoError(t, err)
		assert.Equal(t, internal.Rank(map[string]int{"A": 10, "B": 30, "C": 30}), board)
	})

	t.Run("store overwrites", func(t *testing.T) {
		env.FlushRedis(t)

		require.NoError(t, cache.Store(ctx, "ROOM01", "A", 10))
		require.NoError(t, cache.Store(ctx, "ROOM01", "A", 2))

		board, err := cache.Ranked(ctx, "ROOM01")
		require.NoError(t, err)
		assert.Equal(t, []internal.LeaderboardEntry{{Name: "A", Score: 2}}, board)
	})

	t.Run("ttl is applied", func(t *testing.T) {
		env.FlushRedis(t)

		require.NoError(t, cache.Store(ctx, "ROOM01", "A", 1))
		ttl, err := env.RedisClient.TTL(ctx, "quiz:room:ROOM01:scores").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, 59*time.Minute)
	})

	t.Run("forget", func(t *testing.T) {
		env.FlushRedis(t)

		require.NoError(t, cache.Store(ctx, "ROOM01", "A", 1))
		require.NoError(t, cache.Forget(ctx, "ROOM01"))

		board, err := cache.Ranked(ctx, "ROOM01")
		require.NoError(t, err)
		assert.Empty(t, board)
	})
}
