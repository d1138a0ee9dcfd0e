package testutils

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/koopa0/quiz-room/internal"
)

// RecordedEvent FakeConn 收到的一個事件
type RecordedEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode 解析事件內容
func (e RecordedEvent) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// FakeConn 實作 internal.Conn 的記錄型連線
type FakeConn struct {
	id string

	mu     sync.Mutex
	events []RecordedEvent
	closed bool
}

// NewFakeConn 創建假連線
func NewFakeConn(id string) *FakeConn {
	return &FakeConn{id: id}
}

func (c *FakeConn) ID() string {
	return c.id
}

// Send 記錄訊息框；關閉後返回 false
func (c *FakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	var ev RecordedEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *FakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Closed 是否已被關閉
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events 返回指定名稱的事件；name 為空時返回全部
func (c *FakeConn) Events(name string) []RecordedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []RecordedEvent
	for _, ev := range c.events {
		if name == "" || ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

// Last 返回最後一個指定名稱的事件
func (c *FakeConn) Last(name string) (RecordedEvent, bool) {
	events := c.Events(name)
	if len(events) == 0 {
		return RecordedEvent{}, false
	}
	return events[len(events)-1], true
}

// Names 依收到順序返回事件名稱
func (c *FakeConn) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		names = append(names, ev.Event)
	}
	return names
}

// Reset 清空記錄
func (c *FakeConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// FailingStore 包裝 internal.Store，可針對指定操作注入錯誤
//
// 操作名稱即方法名稱，例如 "SetScore"、"ListPlayers"。
type FailingStore struct {
	internal.Store

	mu    sync.RWMutex
	fails map[string]error
}

// NewFailingStore 創建可注入錯誤的持久層
func NewFailingStore(inner internal.Store) *FailingStore {
	return &FailingStore{
		Store: inner,
		fails: make(map[string]error),
	}
}

// FailOn 讓指定操作返回 err
func (s *FailingStore) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails[op] = err
}

// Clear 移除所有注入的錯誤
func (s *FailingStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = make(map[string]error)
}

func (s *FailingStore) fail(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fails[op]
}

func (s *FailingStore) FindPlayerByName(ctx context.Context, roomCode, name string) (*internal.Player, error) {
	if err := s.fail("FindPlayerByName"); err != nil {
		return nil, err
	}
	return s.Store.FindPlayerByName(ctx, roomCode, name)
}

func (s *FailingStore) FindPlayerByID(ctx context.Context, playerID string) (*internal.Player, error) {
	if err := s.fail("FindPlayerByID"); err != nil {
		return nil, err
	}
	return s.Store.FindPlayerByID(ctx, playerID)
}

func (s *FailingStore) ListPlayers(ctx context.Context, roomCode string, onlineOnly bool) ([]*internal.Player, error) {
	if err := s.fail("ListPlayers"); err != nil {
		return nil, err
	}
	return s.Store.ListPlayers(ctx, roomCode, onlineOnly)
}

func (s *FailingStore) CreatePlayer(ctx context.Context, p *internal.Player) error {
	if err := s.fail("CreatePlayer"); err != nil {
		return err
	}
	return s.Store.CreatePlayer(ctx, p)
}

func (s *FailingStore) MarkOnline(ctx context.Context, playerID, connectionID string, asHost bool) error {
	if err := s.fail("MarkOnline"); err != nil {
		return err
	}
	return s.Store.MarkOnline(ctx, playerID, connectionID, asHost)
}

func (s *FailingStore) MarkOffline(ctx context.Context, playerID, connectionID string) (bool, error) {
	if err := s.fail("MarkOffline"); err != nil {
		return false, err
	}
	return s.Store.MarkOffline(ctx, playerID, connectionID)
}

func (s *FailingStore) SetScore(ctx context.Context, roomCode, name string, score int) error {
	if err := s.fail("SetScore"); err != nil {
		return err
	}
	return s.Store.SetScore(ctx, roomCode, name, score)
}

func (s *FailingStore) DeletePlayers(ctx context.Context, roomCode string) (int64, error) {
	if err := s.fail("DeletePlayers"); err != nil {
		return 0, err
	}
	return s.Store.DeletePlayers(ctx, roomCode)
}

func (s *FailingStore) FindQuizRoom(ctx context.Context, roomCode string) (*internal.QuizRoom, error) {
	if err := s.fail("FindQuizRoom"); err != nil {
		return nil, err
	}
	return s.Store.FindQuizRoom(ctx, roomCode)
}

func (s *FailingStore) CreateQuizRoom(ctx context.Context, room *internal.QuizRoom) error {
	if err := s.fail("CreateQuizRoom"); err != nil {
		return err
	}
	return s.Store.CreateQuizRoom(ctx, room)
}

func (s *FailingStore) SetQuizStarted(ctx context.Context, roomCode string) error {
	if err := s.fail("SetQuizStarted"); err != nil {
		return err
	}
	return s.Store.SetQuizStarted(ctx, roomCode)
}

func (s *FailingStore) DeleteQuizRoom(ctx context.Context, roomCode string) error {
	if err := s.fail("DeleteQuizRoom"); err != nil {
		return err
	}
	return s.Store.DeleteQuizRoom(ctx, roomCode)
}

func (s *FailingStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	if err := s.fail("PurgeExpired"); err != nil {
		return 0, err
	}
	return s.Store.PurgeExpired(ctx, before)
}

func (s *FailingStore) Ping(ctx context.Context) error {
	if err := s.fail("Ping"); err != nil {
		return err
	}
	return s.Store.Ping(ctx)
}

var (
	_ internal.Conn  = (*FakeConn)(nil)
	_ internal.Store = (*FailingStore)(nil)
)
