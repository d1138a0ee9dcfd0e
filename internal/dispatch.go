package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"

	apperrors "github.com/koopa0/quiz-room/pkg/errors"
)

// 入站事件內容（欄位沿用客戶端的 camelCase）
type roomCodePayload struct {
	RoomCode string `json:"roomCode"`
}

type createRoomPayload struct {
	RoomCode string `json:"roomCode"`
	HostName string `json:"hostName"`
}

type joinRoomPayload struct {
	RoomCode   string `json:"roomCode"`
	PlayerName string `json:"playerName"`
	PlayerID   string `json:"playerId"`
	UserID     string `json:"userId"` // 舊版客戶端
}

type rejoinRoomPayload struct {
	PlayerID string `json:"playerId"`
	UserID   string `json:"userId"`
}

type submitScorePayload struct {
	RoomCode   string `json:"roomCode"`
	PlayerName string `json:"playerName"`
	Score      int    `json:"score"`
}

// Dispatcher 將連線上的事件分派給會話管理器
//
// 所有錯誤都轉換成只送給發送者的失敗事件；處理器內的 panic 在此恢復，
// 不會影響其他連線或房間。
type Dispatcher struct {
	sessions *SessionManager
	logger   *slog.Logger
}

// NewDispatcher 創建事件分派器
func NewDispatcher(sessions *SessionManager, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		logger:   logger,
	}
}

// Handle 處理一個入站訊息
func (d *Dispatcher) Handle(ctx context.Context, c Conn, raw []byte) {
	defer d.recoverPanic(ctx, "handle")

	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type == "" {
		d.logger.WarnContext(ctx, "解析客戶端消息失敗", "error", err)
		d.emit(ctx, c, EventInvalidMessage, apperrors.ErrInvalidPayload.Message)
		return
	}

	switch ev.Type {
	case EventCreateRoom:
		d.createRoom(ctx, c, ev.Data)
	case EventJoinRoom:
		d.joinRoom(ctx, c, ev.Data)
	case EventRejoinRoom:
		d.rejoinRoom(ctx, c, ev.Data)
	case EventDeleteRoom:
		d.deleteRoom(ctx, c, ev.Data)
	case EventGetLobbyPlayers:
		d.lobbyPlayers(ctx, c, ev.Data)
	case EventSubmitScore:
		d.submitScore(ctx, ev.Data)
	case EventGetLeaderboard:
		d.getLeaderboard(ctx, c, ev.Data)
	case EventStartQuiz:
		d.startQuiz(ctx, c, ev.Data)
	case EventPing:
		d.emit(ctx, c, EventPong, nil)
	default:
		d.logger.DebugContext(ctx, "收到未知消息類型", "event", ev.Type)
	}
}

// Disconnect 連線結束
func (d *Dispatcher) Disconnect(ctx context.Context, c Conn) {
	defer d.recoverPanic(ctx, "disconnect")
	d.sessions.Disconnect(ctx, c)
}

func (d *Dispatcher) createRoom(ctx context.Context, c Conn, data json.RawMessage) {
	var p createRoomPayload
	if err := decodePayload(data, &p); err != nil {
		d.fail(ctx, c, EventRoomCreationFailed, err)
		return
	}

	result, err := d.sessions.CreateRoom(ctx, c, p.RoomCode, p.HostName)
	if err != nil {
		d.fail(ctx, c, EventRoomCreationFailed, err)
		return
	}
	d.emit(ctx, c, EventRoomCreated, result)
}

func (d *Dispatcher) joinRoom(ctx context.Context, c Conn, data json.RawMessage) {
	var p joinRoomPayload
	if err := decodePayload(data, &p); err != nil {
		d.fail(ctx, c, EventJoinFailed, err)
		return
	}
	if p.PlayerID == "" {
		p.PlayerID = p.UserID
	}

	result, err := d.sessions.JoinRoom(ctx, c, p.RoomCode, p.PlayerName, p.PlayerID)
	if err != nil {
		d.fail(ctx, c, EventJoinFailed, err)
		return
	}
	d.emit(ctx, c, EventJoinedSuccessfully, result)
}

func (d *Dispatcher) rejoinRoom(ctx context.Context, c Conn, data json.RawMessage) {
	var p rejoinRoomPayload
	if err := decodePayload(data, &p); err != nil {
		d.fail(ctx, c, EventRejoinFailed, err)
		return
	}
	if p.PlayerID == "" {
		p.PlayerID = p.UserID
	}

	result, err := d.sessions.RejoinRoom(ctx, c, p.PlayerID)
	if err != nil {
		d.fail(ctx, c, EventRejoinFailed, err)
		return
	}
	d.emit(ctx, c, EventRejoinSuccess, result)
}

func (d *Dispatcher) deleteRoom(ctx context.Context, c Conn, data json.RawMessage) {
	var p roomCodePayload
	if err := decodePayload(data, &p); err != nil {
		d.fail(ctx, c, EventDeleteRoomFailed, err)
		return
	}

	if err := d.sessions.DeleteRoom(ctx, c, p.RoomCode); err != nil {
		d.fail(ctx, c, EventDeleteRoomFailed, err)
		return
	}
	d.emit(ctx, c, EventRoomDeleted, nil)
}

func (d *Dispatcher) lobbyPlayers(ctx context.Context, c Conn, data json.RawMessage) {
	var p roomCodePayload
	if err := decodePayload(data, &p); err != nil {
		d.fail(ctx, c, EventLobbyPlayersFailed, err)
		return
	}

	players, err := d.sessions.LobbyPlayers(ctx, p.RoomCode)
	if err != nil {
		d.fail(ctx, c, EventLobbyPlayersFailed, err)
		return
	}
	d.emit(ctx, c, EventLobbyPlayersSuccess, players)
}

// submitScore 失敗只記錄日誌，不回應發送者
func (d *Dispatcher) submitScore(ctx context.Context, data json.RawMessage) {
	var p submitScorePayload
	if err := decodePayload(data, &p); err != nil {
		d.logger.WarnContext(ctx, "無效的分數提交", "error", err)
		return
	}

	if err := d.sessions.SubmitScore(ctx, p.RoomCode, p.PlayerName, p.Score); err != nil {
		d.logFailure(ctx, EventSubmitScore, err)
	}
}

// getLeaderboard 內容可以是房間代碼字串或 {roomCode}
func (d *Dispatcher) getLeaderboard(ctx context.Context, c Conn, data json.RawMessage) {
	var roomCode string
	if err := json.Unmarshal(data, &roomCode); err != nil {
		var p roomCodePayload
		if err := decodePayload(data, &p); err != nil {
			d.logFailure(ctx, EventGetLeaderboard, err)
			d.emit(ctx, c, EventUpdateLeaderboard, []LeaderboardEntry{})
			return
		}
		roomCode = p.RoomCode
	}

	board, err := d.sessions.GetLeaderboard(ctx, roomCode)
	if err != nil {
		d.logFailure(ctx, EventGetLeaderboard, err)
		board = []LeaderboardEntry{}
	}
	d.emit(ctx, c, EventUpdateLeaderboard, board)
}

func (d *Dispatcher) startQuiz(ctx context.Context, c Conn, data json.RawMessage) {
	var p roomCodePayload
	if err := decodePayload(data, &p); err != nil {
		d.fail(ctx, c, EventQuizStartFailed, err)
		return
	}

	if _, err := d.sessions.StartQuiz(ctx, p.RoomCode); err != nil {
		d.fail(ctx, c, EventQuizStartFailed, err)
	}
}

// fail 送出失敗事件給發送者
func (d *Dispatcher) fail(ctx context.Context, c Conn, event string, err error) {
	d.logFailure(ctx, event, err)
	d.emit(ctx, c, event, apperrors.Reason(err))
}

func (d *Dispatcher) logFailure(ctx context.Context, event string, err error) {
	if apperrors.IsUpstream(err) || apperrors.CodeOf(err) == "" {
		d.logger.ErrorContext(ctx, "處理事件失敗", "event", event, "error", err)
		return
	}
	d.logger.WarnContext(ctx, "處理事件失敗", "event", event, "error", err)
}

func (d *Dispatcher) emit(ctx context.Context, c Conn, event string, data any) {
	if err := Emit(c, event, data); err != nil {
		d.logger.DebugContext(ctx, "送出事件失敗", "event", event, "error", err)
	}
}

func (d *Dispatcher) recoverPanic(ctx context.Context, op string) {
	if r := recover(); r != nil {
		d.logger.ErrorContext(ctx, "處理器 panic",
			"op", op,
			"panic", r,
			"stack", string(debug.Stack()))
	}
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperrors.ErrInvalidPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid payload")
	}
	return nil
}

var (
	_ EventHandler = (*Dispatcher)(nil)
	_ Broadcaster  = (*WebSocketHub)(nil)
)
