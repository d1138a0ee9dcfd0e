package internal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// Event 傳輸層的訊息信封，進出方向格式相同
type Event struct {
	Type string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// 入站事件
const (
	EventCreateRoom      = "create-room"
	EventJoinRoom        = "join-room"
	EventRejoinRoom      = "rejoin-room"
	EventDeleteRoom      = "delete-room"
	EventGetLobbyPlayers = "get-lobby-players"
	EventSubmitScore     = "submit-score"
	EventGetLeaderboard  = "get-leaderboard"
	EventStartQuiz       = "start-quiz"
	EventPing            = "ping"
)

// 出站事件
const (
	EventRoomCreated         = "room-created"
	EventRoomCreationFailed  = "room-creation-failed"
	EventJoinedSuccessfully  = "joined-successfully"
	EventJoinFailed          = "join-failed"
	EventRejoinSuccess       = "rejoin-success"
	EventRejoinFailed        = "rejoin-failed"
	EventRoomDeleted         = "room-deleted-successfully"
	EventDeleteRoomFailed    = "delete-room-failed"
	EventRoomClosed          = "room-closed"
	EventLobbyPlayersSuccess = "lobby-players-success"
	EventLobbyPlayersFailed  = "lobby-players-failed"
	EventRoomPlayersUpdated  = "room-players-updated"
	EventUpdateLeaderboard   = "update-leaderboard"
	EventQuizStarted         = "quiz-started"
	EventQuizStartFailed     = "quiz-start-failed"
	EventPong                = "pong"
	EventInvalidMessage      = "invalid-message"
)

const roomClosedByHostMessage = "Room has been deleted by the host."

// EventPublisher 房間事件的外部發布者
type EventPublisher interface {
	Publish(roomCode, event string, payload []byte) error
}

// NATSPublisher 將房間廣播鏡像到 NATS
//
// Subject 格式：{prefix}.{roomCode}.{event}
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher 創建 NATS 發布者
func NewNATSPublisher(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}
}

// ConnectNATS 連接 NATS
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("quiz-room"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS 已重新連線", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Subject 組合房間事件的 subject
func (p *NATSPublisher) Subject(roomCode, event string) string {
	return strings.Join([]string{p.prefix, subjectToken(roomCode), subjectToken(event)}, ".")
}

// Publish 發布事件
func (p *NATSPublisher) Publish(roomCode, event string, payload []byte) error {
	if err := p.conn.Publish(p.Subject(roomCode, event), payload); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// subjectToken 移除 NATS subject 中有特殊意義的字元
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
