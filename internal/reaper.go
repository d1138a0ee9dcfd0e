package internal

import (
	"log/slog"
	"sync"
	"time"
)

// Reaper 定期回收無人連線的房間
//
// 只處理記憶體中的房間狀態，不碰持久化紀錄。
// 正在被處理器使用的房間（操作鎖被持有）會留到下一輪。
type Reaper struct {
	registry  *Registry
	interval  time.Duration
	idleAfter time.Duration
	logger    *slog.Logger
	now       func() time.Time

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewReaper 創建房間回收器
func NewReaper(registry *Registry, interval, idleAfter time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		registry:  registry,
		interval:  interval,
		idleAfter: idleAfter,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start 啟動回收 goroutine（整個行程只啟動一次）
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(r.now())
		case <-r.stopCh:
			return
		}
	}
}

// Sweep 執行一輪回收，返回被回收的房間代碼
func (r *Reaper) Sweep(now time.Time) []string {
	var evicted []string

	for _, code := range r.registry.Codes() {
		unlock, ok := r.registry.TryLock(code)
		if !ok {
			continue
		}

		room, exists := r.registry.Get(code)
		if exists {
			if since, idle := room.idleSince(); idle && now.Sub(since) >= r.idleAfter {
				r.registry.Delete(code)
				evicted = append(evicted, code)
			}
		}
		unlock()
	}

	if len(evicted) > 0 {
		r.logger.Info("已回收空房間", "rooms", evicted, "remaining", r.registry.Len())
	}
	return evicted
}

// Stop 停止回收器
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}
