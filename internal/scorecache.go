package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ScoreCache 分數鏡像
//
// 記憶體中的房間被回收後（或重啟後），排行榜的降級路徑會先查詢這裡，
// 查不到才回到持久層。
type ScoreCache interface {
	Store(ctx context.Context, roomCode, name string, score int) error
	Ranked(ctx context.Context, roomCode string) ([]LeaderboardEntry, error)
	Forget(ctx context.Context, roomCode string) error
}

// RedisScoreCache 以 Sorted Set 實作的分數鏡像
//
// Key 格式：quiz:room:{roomCode}:scores
// 每次寫入都會刷新 TTL，房間閒置超過 TTL 後自動消失。
type RedisScoreCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisScoreCache 創建 Redis 分數鏡像
func NewRedisScoreCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisScoreCache {
	return &RedisScoreCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func scoresKey(roomCode string) string {
	return fmt.Sprintf("quiz:room:%s:scores", roomCode)
}

// Store 寫入分數（覆寫）
func (c *RedisScoreCache) Store(ctx context.Context, roomCode, name string, score int) error {
	key := scoresKey(roomCode)

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: name})
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store score: %w", err)
	}
	return nil
}

// Ranked 返回排行榜；房間不存在時返回空切片
func (c *RedisScoreCache) Ranked(ctx context.Context, roomCode string) ([]LeaderboardEntry, error) {
	members, err := c.client.ZRangeWithScores(ctx, scoresKey(roomCode), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range scores: %w", err)
	}

	scores := make(map[string]int, len(members))
	for _, z := range members {
		name, ok := z.Member.(string)
		if !ok {
			continue
		}
		scores[name] = int(z.Score)
	}
	// 同分排序規則與記憶體路徑一致
	return Rank(scores), nil
}

// Forget 刪除房間的分數鏡像
func (c *RedisScoreCache) Forget(ctx context.Context, roomCode string) error {
	if err := c.client.Del(ctx, scoresKey(roomCode)).Err(); err != nil {
		return fmt.Errorf("forget scores: %w", err)
	}
	return nil
}
