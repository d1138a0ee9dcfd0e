package internal

import (
	"sort"
	"sync"
	"time"
)

// 系統設計問題：
//   如何在記憶體中維護房間的即時狀態（分數、連線成員），
//   讓排行榜計算與廣播不必每次查詢資料庫？
//
// 核心挑戰：
//   1. 一致性：成員表中的每個名字都必須有對應的分數
//   2. 重連競態：舊連線的斷線事件不能覆蓋新連線
//   3. 資源回收：無人連線的房間最終要被回收
//
// 設計方案：
//   ✅ 分數與成員同一把鎖 - Attach 時一併寫入分數
//   ✅ 連線 ID 比對 - Detach 只接受擁有該成員的連線
//   ✅ lastActive - 給 Reaper 判斷閒置時間

// Member 房間成員的連線狀態
type Member struct {
	ConnectionID string `json:"connection_id"`
	Connected    bool   `json:"connected"`
	PlayerID     string `json:"player_id"`
}

// RoomState 單一房間的記憶體狀態
//
// 不變量：members 中的每個名字在 scores 中都有對應項目（可能為 0）。
// 斷線不會移除分數，重連的玩家保留原本的名次。
type RoomState struct {
	Code string

	mu         sync.RWMutex
	scores     map[string]int     // displayName -> score
	members    map[string]*Member // displayName -> Member
	lastActive time.Time
	now        func() time.Time
}

func newRoomState(code string, now func() time.Time) *RoomState {
	return &RoomState{
		Code:       code,
		scores:     make(map[string]int),
		members:    make(map[string]*Member),
		lastActive: now(),
		now:        now,
	}
}

// Attach 綁定成員連線；分數只在尚未追蹤時以 score 初始化
func (r *RoomState) Attach(name string, member Member, score int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, tracked := r.scores[name]; !tracked {
		r.scores[name] = score
	}
	m := member
	m.Connected = true
	r.members[name] = &m
	r.lastActive = r.now()
}

// Seed 補入尚未追蹤的分數（從持久層重建時使用）
func (r *RoomState) Seed(name string, score int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, tracked := r.scores[name]; !tracked {
		r.scores[name] = score
	}
}

// Detach 標記成員斷線，只有當前連線才能生效
func (r *RoomState) Detach(name, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[name]
	if !ok || m.ConnectionID != connectionID || !m.Connected {
		return false
	}
	m.Connected = false
	r.lastActive = r.now()
	return true
}

// SetScore 設定分數（覆寫，非累加）
func (r *RoomState) SetScore(name string, score int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.scores[name] = score
	r.lastActive = r.now()
}

// Score 取得分數
func (r *RoomState) Score(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	score, ok := r.scores[name]
	return score, ok
}

// Scores 返回分數快照
func (r *RoomState) Scores() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.scores))
	for name, score := range r.scores {
		out[name] = score
	}
	return out
}

// Leaderboard 返回排序後的排行榜
func (r *RoomState) Leaderboard() []LeaderboardEntry {
	return Rank(r.Scores())
}

// Member 取得成員快照
func (r *RoomState) Member(name string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[name]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Members 返回所有成員快照
func (r *RoomState) Members() map[string]Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Member, len(r.members))
	for name, m := range r.members {
		out[name] = *m
	}
	return out
}

// ConnectedNames 返回在線成員名稱（依名稱排序）
func (r *RoomState) ConnectedNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.members))
	for name, m := range r.members {
		if m.Connected {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ConnectedCount 在線成員數
func (r *RoomState) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, m := range r.members {
		if m.Connected {
			n++
		}
	}
	return n
}

// Consistent 檢查成員與分數的不變量
func (r *RoomState) Consistent() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name := range r.members {
		if _, ok := r.scores[name]; !ok {
			return false
		}
	}
	return true
}

// LastActive 最後活動時間
func (r *RoomState) LastActive() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.lastActive
}

// idleSince 無人在線時返回最後活動時間
func (r *RoomState) idleSince() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m.Connected {
			return time.Time{}, false
		}
	}
	return r.lastActive, true
}
