package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/quiz-room/pkg/logger"
)

// 系統設計問題：
//   如何把房間狀態的變更即時推送給房間內的每一位玩家？
//
// 核心挑戰：
//   1. 連接管理：一條連線同時只屬於一個房間，斷線要通知會話層
//   2. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   3. 慢客戶端：不能拖累同房間的其他玩家
//
// 設計方案：
//   ✅ Hub 模式 - 集中管理連線與房間成員
//   ✅ Ping/Pong 心跳 - 54s/60s
//   ✅ 緩衝 channel - 異步發送，緩衝區滿時丟棄

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Conn 一條客戶端連線
type Conn interface {
	ID() string
	// Send 非阻塞送出一個已編碼的訊息框；連線已關閉或緩衝區滿時返回 false
	Send(frame []byte) bool
	// Close 強制關閉連線，可重複呼叫
	Close()
}

// EventHandler 接收連線上的事件
type EventHandler interface {
	Handle(ctx context.Context, c Conn, raw []byte)
	Disconnect(ctx context.Context, c Conn)
}

// Broadcaster 會話層看到的 Hub
type Broadcaster interface {
	Join(roomCode string, c Conn)
	Leave(c Conn)
	Broadcast(roomCode, event string, data any)
	Lookup(connID string) (Conn, bool)
}

// EncodeEvent 編碼訊息框
func EncodeEvent(event string, data any) ([]byte, error) {
	msg := struct {
		Type string `json:"event"`
		Data any    `json:"data,omitempty"`
	}{Type: event, Data: data}

	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return frame, nil
}

// Emit 送出單一事件給指定連線
func Emit(c Conn, event string, data any) error {
	frame, err := EncodeEvent(event, data)
	if err != nil {
		return err
	}
	if !c.Send(frame) {
		return fmt.Errorf("emit %s: connection %s unavailable", event, c.ID())
	}
	return nil
}

// WebSocketHub WebSocket 連接中心
//
// 連線映射：
//   - conns：connID -> Conn
//   - rooms：roomCode -> connID -> Conn（房間廣播）
//   - connRoom：connID -> roomCode（一條連線只在一個房間）
type WebSocketHub struct {
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	handler   EventHandler
	publisher EventPublisher

	conns    map[string]Conn
	rooms    map[string]map[string]Conn
	connRoom map[string]string
	mu       sync.RWMutex
}

// NewWebSocketHub 創建 WebSocket Hub；allowedOrigins 為空時不檢查來源
func NewWebSocketHub(logger *slog.Logger, allowedOrigins []string) *WebSocketHub {
	return &WebSocketHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				return slices.Contains(allowedOrigins, r.Header.Get("Origin"))
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns:    make(map[string]Conn),
		rooms:    make(map[string]map[string]Conn),
		connRoom: make(map[string]string),
	}
}

// SetHandler 設定事件處理器（需在 ServeWS 之前）
func (hub *WebSocketHub) SetHandler(h EventHandler) {
	hub.handler = h
}

// SetPublisher 設定房間事件的外部發布者
func (hub *WebSocketHub) SetPublisher(p EventPublisher) {
	hub.publisher = p
}

// ServeWS 處理 WebSocket 連接
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if hub.handler == nil {
		http.Error(w, "service not ready", http.StatusServiceUnavailable)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	connection := &Connection{
		id:       NewConnectionID(),
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		hub:      hub,
		lastPing: time.Now(),
	}

	hub.Register(connection)

	// 請求結束後 context 會被取消，事件處理不應受影響
	ctx := logger.WithConnectionID(context.WithoutCancel(r.Context()), connection.id)

	go connection.writePump()
	go connection.readPump(ctx)

	hub.logger.Info("WebSocket 連接建立",
		"connection_id", connection.id,
		"remote_addr", r.RemoteAddr)
}

// Register 註冊連線
func (hub *WebSocketHub) Register(c Conn) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	hub.conns[c.ID()] = c
}

// unregister 取消註冊連線並離開房間
func (hub *WebSocketHub) unregister(c Conn) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if actual, ok := hub.conns[c.ID()]; ok && actual == c {
		delete(hub.conns, c.ID())
	}
	hub.leaveLocked(c.ID())
}

// Disconnected 由傳輸層在連線結束時呼叫：取消註冊並通知會話層
func (hub *WebSocketHub) Disconnected(ctx context.Context, c Conn) {
	hub.unregister(c)
	if hub.handler != nil {
		hub.handler.Disconnect(ctx, c)
	}
}

// Join 將連線加入房間（離開原本的房間）
func (hub *WebSocketHub) Join(roomCode string, c Conn) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	hub.leaveLocked(c.ID())
	if hub.rooms[roomCode] == nil {
		hub.rooms[roomCode] = make(map[string]Conn)
	}
	hub.rooms[roomCode][c.ID()] = c
	hub.connRoom[c.ID()] = roomCode
}

// Leave 將連線移出所屬房間
func (hub *WebSocketHub) Leave(c Conn) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	hub.leaveLocked(c.ID())
}

// leaveLocked 需持有寫鎖
func (hub *WebSocketHub) leaveLocked(connID string) {
	roomCode, ok := hub.connRoom[connID]
	if !ok {
		return
	}
	delete(hub.connRoom, connID)

	if roomConns, exists := hub.rooms[roomCode]; exists {
		delete(roomConns, connID)
		if len(roomConns) == 0 {
			delete(hub.rooms, roomCode)
		}
	}
}

// Lookup 依 ID 查找連線
func (hub *WebSocketHub) Lookup(connID string) (Conn, bool) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	c, ok := hub.conns[connID]
	return c, ok
}

// RoomOf 返回連線所在的房間
func (hub *WebSocketHub) RoomOf(connID string) (string, bool) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	code, ok := hub.connRoom[connID]
	return code, ok
}

// Broadcast 廣播事件到房間內的所有連線
//
// 收件人在送出當下決定；房間外的連線不會收到。
func (hub *WebSocketHub) Broadcast(roomCode, event string, data any) {
	frame, err := EncodeEvent(event, data)
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", event, "error", err)
		return
	}

	hub.mu.RLock()
	for connID, c := range hub.rooms[roomCode] {
		if !c.Send(frame) {
			hub.logger.Warn("連接緩衝區滿或已關閉",
				"room_code", roomCode,
				"connection_id", connID,
				"event", event)
		}
	}
	hub.mu.RUnlock()

	if hub.publisher != nil {
		if err := hub.publisher.Publish(roomCode, event, frame); err != nil {
			hub.logger.Warn("發布房間事件失敗",
				"room_code", roomCode,
				"event", event,
				"error", err)
		}
	}
}

// Stop 關閉所有連線
func (hub *WebSocketHub) Stop() {
	hub.mu.Lock()
	conns := make([]Conn, 0, len(hub.conns))
	for _, c := range hub.conns {
		conns = append(conns, c)
	}
	hub.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	hub.logger.Info("WebSocket Hub 已停止", "closed_connections", len(conns))
}

// GetConnectionCount 獲取各房間連接數
func (hub *WebSocketHub) GetConnectionCount() map[string]int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	result := make(map[string]int, len(hub.rooms))
	for roomCode, conns := range hub.rooms {
		result[roomCode] = len(conns)
	}
	return result
}

// Stats 統計資訊
func (hub *WebSocketHub) Stats() map[string]any {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	return map[string]any{
		"connections":     len(hub.conns),
		"connected_rooms": len(hub.rooms),
	}
}

// Connection WebSocket 連接
type Connection struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	hub      *WebSocketHub
	lastPing time.Time

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// ID 連線 ID
func (c *Connection) ID() string {
	return c.id
}

// Send 非阻塞送出
func (c *Connection) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close 關閉 send channel，writePump 會送出關閉訊息後結束連線
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// readPump 讀取客戶端消息
//
// 每條連線的事件依序處理；60 秒內沒有任何訊息（含 Pong）即視為死連接。
func (c *Connection) readPump(ctx context.Context) {
	defer func() {
		c.Close()
		_ = c.conn.Close()
		c.hub.Disconnected(ctx, c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket 讀取錯誤",
					"error", err,
					"connection_id", c.id)
			}
			return
		}

		if messageType == websocket.TextMessage {
			c.hub.handler.Handle(ctx, c, message)
		}
	}
}

// writePump 寫入消息到客戶端，並每 54 秒送出 Ping
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// 連線被關閉，嘗試送出關閉訊息
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
