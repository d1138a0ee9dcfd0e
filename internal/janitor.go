package internal

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Janitor 持久層的 TTL 清理
//
// 建立超過 ttl 的玩家與房間紀錄會被刪除。記憶體中的房間不受影響。
type Janitor struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewJanitor 創建清理器
func NewJanitor(store Store, ttl, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動清理 goroutine
func (j *Janitor) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), j.interval)
				_, _ = j.Purge(ctx, time.Now())
				cancel()
			case <-j.stopCh:
				return
			}
		}
	}()
}

// Purge 刪除 now - ttl 之前建立的紀錄
func (j *Janitor) Purge(ctx context.Context, now time.Time) (int64, error) {
	n, err := j.store.PurgeExpired(ctx, now.Add(-j.ttl))
	if err != nil {
		j.logger.Error("清理過期紀錄失敗", "error", err)
		return 0, err
	}
	if n > 0 {
		j.logger.Info("已清理過期紀錄", "deleted", n, "ttl", j.ttl)
	}
	return n, nil
}

// Stop 停止清理器
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
	})
	j.wg.Wait()
}
