package internal

import (
	"context"
	"time"
)

// PlayerStatus 玩家在線狀態
type PlayerStatus string

const (
	StatusOnline  PlayerStatus = "online"
	StatusOffline PlayerStatus = "offline"
)

// Player 持久化的玩家紀錄
//
// (RoomCode, Name) 在持久層有唯一約束；ConnectionID 只在在線時有值。
type Player struct {
	ID           string       `json:"player_id"`
	RoomCode     string       `json:"room_code"`
	Name         string       `json:"player_name"`
	Score        int          `json:"score"`
	Status       PlayerStatus `json:"status"`
	IsHost       bool         `json:"is_host"`
	ConnectionID string       `json:"-"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Question 題目
type Question struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectOption string   `json:"correct_option,omitempty"`
}

// QuizRoom 測驗房間的元資料
type QuizRoom struct {
	RoomCode    string     `json:"room_code"`
	Topic       string     `json:"topic"`
	Difficulty  string     `json:"difficulty"`
	HostName    string     `json:"host_name"`
	NoQuestions int        `json:"no_questions"`
	Questions   []Question `json:"questions"`
	QuizStarted bool       `json:"quiz_started"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PublicQuestions 返回去除正確答案的題目副本
func (q *QuizRoom) PublicQuestions() []Question {
	out := make([]Question, len(q.Questions))
	for i, question := range q.Questions {
		question.CorrectOption = ""
		question.Options = append([]string(nil), question.Options...)
		out[i] = question
	}
	return out
}

// Question 依 ID 查找題目
func (q *QuizRoom) Question(id string) (Question, bool) {
	for _, question := range q.Questions {
		if question.ID == id {
			return question, true
		}
	}
	return Question{}, false
}

// PlayerStore 玩家紀錄的持久層
//
// 錯誤一律以 pkg/errors 分類：找不到為 NOT_FOUND，
// 同房間同名為 CONFLICT，其餘為 UPSTREAM_FAILURE。
type PlayerStore interface {
	FindPlayerByName(ctx context.Context, roomCode, name string) (*Player, error)
	FindPlayerByID(ctx context.Context, playerID string) (*Player, error)
	// ListPlayers 依建立時間排序；onlineOnly 只返回在線玩家
	ListPlayers(ctx context.Context, roomCode string, onlineOnly bool) ([]*Player, error)
	CreatePlayer(ctx context.Context, p *Player) error
	// MarkOnline 設為在線並綁定連線；asHost 為 true 時同時設定房主
	MarkOnline(ctx context.Context, playerID, connectionID string, asHost bool) error
	// MarkOffline 只在 connectionID 仍為當前連線時生效，返回是否有更新
	MarkOffline(ctx context.Context, playerID, connectionID string) (bool, error)
	SetScore(ctx context.Context, roomCode, name string, score int) error
	DeletePlayers(ctx context.Context, roomCode string) (int64, error)
}

// QuizRoomStore 測驗房間元資料的持久層
type QuizRoomStore interface {
	FindQuizRoom(ctx context.Context, roomCode string) (*QuizRoom, error)
	CreateQuizRoom(ctx context.Context, room *QuizRoom) error
	SetQuizStarted(ctx context.Context, roomCode string) error
	DeleteQuizRoom(ctx context.Context, roomCode string) error
}

// Store 完整的持久層
type Store interface {
	PlayerStore
	QuizRoomStore

	// PurgeExpired 刪除 before 之前建立的玩家與房間紀錄
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
}
