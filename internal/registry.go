package internal

import (
	"sort"
	"sync"
	"time"
)

// Registry 房間註冊表（行程內，不持久化）
//
// 除了 code -> RoomState 的映射，也提供以房間代碼為鍵的操作鎖：
// 同一房間的處理器在整個操作期間（含持久層呼叫與廣播）互斥，
// 不同房間則互不阻塞。
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*RoomState
	locks roomLocks
	now   func() time.Time
}

// NewRegistry 創建房間註冊表
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*RoomState),
		locks: roomLocks{held: make(map[string]*roomLock)},
		now:   time.Now,
	}
}

// SetClock 替換時間來源（測試使用）
func (g *Registry) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// GetOrCreate 取得房間狀態，不存在時建立
func (g *Registry) GetOrCreate(code string) *RoomState {
	g.mu.RLock()
	room, ok := g.rooms[code]
	g.mu.RUnlock()
	if ok {
		return room
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// 雙重檢查
	if room, ok := g.rooms[code]; ok {
		return room
	}
	room = newRoomState(code, g.now)
	g.rooms[code] = room
	return room
}

// Get 取得房間狀態
func (g *Registry) Get(code string) (*RoomState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	room, ok := g.rooms[code]
	return room, ok
}

// Delete 移除房間狀態
func (g *Registry) Delete(code string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.rooms[code]; !ok {
		return false
	}
	delete(g.rooms, code)
	return true
}

// Codes 返回所有房間代碼（已排序）
func (g *Registry) Codes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	codes := make([]string, 0, len(g.rooms))
	for code := range g.rooms {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Len 房間數
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Stats 獲取統計資訊
func (g *Registry) Stats() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()

	connected, tracked := 0, 0
	for _, room := range g.rooms {
		connected += room.ConnectedCount()
		tracked += len(room.Scores())
	}

	return map[string]any{
		"active_rooms":      len(g.rooms),
		"connected_players": connected,
		"tracked_players":   tracked,
	}
}

// Lock 取得房間的操作鎖，返回解鎖函數
func (g *Registry) Lock(code string) func() {
	l := g.locks.acquire(code)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.locks.release(code)
	}
}

// TryLock 嘗試取得房間的操作鎖；房間忙碌時返回 false
func (g *Registry) TryLock(code string) (func(), bool) {
	l := g.locks.acquire(code)
	if !l.mu.TryLock() {
		g.locks.release(code)
		return nil, false
	}
	return func() {
		l.mu.Unlock()
		g.locks.release(code)
	}, true
}

// roomLocks 以引用計數管理的鍵控互斥鎖，沒有持有者時自動移除
type roomLocks struct {
	mu   sync.Mutex
	held map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func (l *roomLocks) acquire(code string) *roomLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.held[code]
	if !ok {
		lock = &roomLock{}
		l.held[code] = lock
	}
	lock.refs++
	return lock
}

func (l *roomLocks) release(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.held[code]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs <= 0 {
		delete(l.held, code)
	}
}
