package internal

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/koopa0/quiz-room/pkg/errors"
)

// MemoryStore 記憶體版持久層（開發模式與測試）
//
// 與 PostgreSQL 版本相同的語義：(room_code, player_name) 唯一、
// 返回值皆為副本。
type MemoryStore struct {
	mu      sync.RWMutex
	players map[string]*Player   // playerID -> Player
	rooms   map[string]*QuizRoom // roomCode -> QuizRoom
	now     func() time.Time
}

// NewMemoryStore 創建記憶體持久層
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players: make(map[string]*Player),
		rooms:   make(map[string]*QuizRoom),
		now:     time.Now,
	}
}

func copyPlayer(p *Player) *Player {
	cp := *p
	return &cp
}

func copyQuizRoom(r *QuizRoom) *QuizRoom {
	cp := *r
	cp.Questions = make([]Question, len(r.Questions))
	for i, q := range r.Questions {
		q.Options = append([]string(nil), q.Options...)
		cp.Questions[i] = q
	}
	return &cp
}

// findByName 需持有鎖
func (s *MemoryStore) findByName(roomCode, name string) *Player {
	for _, p := range s.players {
		if p.RoomCode == roomCode && p.Name == name {
			return p
		}
	}
	return nil
}

func (s *MemoryStore) FindPlayerByName(_ context.Context, roomCode, name string) (*Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.findByName(roomCode, name)
	if p == nil {
		return nil, apperrors.ErrPlayerNotFound
	}
	return copyPlayer(p), nil
}

func (s *MemoryStore) FindPlayerByID(_ context.Context, playerID string) (*Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[playerID]
	if !ok {
		return nil, apperrors.ErrPlayerNotFound
	}
	return copyPlayer(p), nil
}

func (s *MemoryStore) ListPlayers(_ context.Context, roomCode string, onlineOnly bool) ([]*Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Player
	for _, p := range s.players {
		if p.RoomCode != roomCode {
			continue
		}
		if onlineOnly && p.Status != StatusOnline {
			continue
		}
		out = append(out, copyPlayer(p))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CreatePlayer(_ context.Context, p *Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.players[p.ID]; exists {
		return apperrors.ErrDuplicatePlayer.WithDetails(p.ID)
	}
	if s.findByName(p.RoomCode, p.Name) != nil {
		return apperrors.ErrDuplicatePlayer.WithDetails(p.Name)
	}

	cp := copyPlayer(p)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	if cp.Status == "" {
		cp.Status = StatusOffline
	}
	s.players[cp.ID] = cp
	return nil
}

func (s *MemoryStore) MarkOnline(_ context.Context, playerID, connectionID string, asHost bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return apperrors.ErrPlayerNotFound
	}
	p.Status = StatusOnline
	p.ConnectionID = connectionID
	if asHost {
		p.IsHost = true
	}
	return nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, playerID, connectionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok || p.ConnectionID != connectionID {
		return false, nil
	}
	p.Status = StatusOffline
	p.ConnectionID = ""
	return true, nil
}

func (s *MemoryStore) SetScore(_ context.Context, roomCode, name string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findByName(roomCode, name)
	if p == nil {
		return apperrors.ErrPlayerNotFound
	}
	p.Score = score
	return nil
}

func (s *MemoryStore) DeletePlayers(_ context.Context, roomCode string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, p := range s.players {
		if p.RoomCode == roomCode {
			delete(s.players, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FindQuizRoom(_ context.Context, roomCode string) (*QuizRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomCode]
	if !ok {
		return nil, apperrors.ErrRoomNotFound
	}
	return copyQuizRoom(r), nil
}

func (s *MemoryStore) CreateQuizRoom(_ context.Context, room *QuizRoom) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.RoomCode]; exists {
		return apperrors.New(apperrors.ErrCodeConflict, "room code already exists").WithDetails(room.RoomCode)
	}

	cp := copyQuizRoom(room)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.rooms[cp.RoomCode] = cp
	return nil
}

func (s *MemoryStore) SetQuizStarted(_ context.Context, roomCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomCode]
	if !ok {
		return apperrors.ErrRoomNotFound
	}
	r.QuizStarted = true
	return nil
}

func (s *MemoryStore) DeleteQuizRoom(_ context.Context, roomCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomCode]; !ok {
		return apperrors.ErrRoomNotFound
	}
	delete(s.rooms, roomCode)
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, p := range s.players {
		if p.CreatedAt.Before(before) {
			delete(s.players, id)
			n++
		}
	}
	for code, r := range s.rooms {
		if r.CreatedAt.Before(before) {
			delete(s.rooms, code)
			n++
		}
	}
	return n, nil
}

// Ping 記憶體版永遠可用
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
