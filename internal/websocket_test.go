package internal_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/quiz-room/internal"
	"github.com/koopa0/quiz-room/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketHub_JoinLeaveBroadcast(t *testing.T) {
	hub := internal.NewWebSocketHub(testutils.TestLogger(), nil)
	a := testutils.NewFakeConn("a")
	b := testutils.NewFakeConn("b")
	outsider := testutils.NewFakeConn("x")
	for _, c := range []*testutils.FakeConn{a, b, outsider} {
		hub.Register(c)
	}

	hub.Join("ROOM01", a)
	hub.Join("ROOM01", b)
	hub.Join("ROOM02", outsider)

	hub.Broadcast("ROOM01", internal.EventRoomPlayersUpdated, []string{"A", "B"})
	assert.Len(t, a.Events(internal.EventRoomPlayersUpdated), 1)
	assert.Len(t, b.Events(internal.EventRoomPlayersUpdated), 1)
	assert.Empty(t, outsider.Names())

	// 一條連線只在一個房間
	hub.Join("ROOM02", b)
	code, ok := hub.RoomOf("b")
	require.True(t, ok)
	assert.Equal(t, "ROOM02", code)
	assert.Equal(t, map[string]int{"ROOM01": 1, "ROOM02": 2}, hub.GetConnectionCount())

	hub.Leave(a)
	_, ok = hub.RoomOf("a")
	assert.False(t, ok)
	assert.Equal(t, map[string]int{"ROOM02": 2}, hub.GetConnectionCount())

	stats := hub.Stats()
	assert.Equal(t, 3, stats["connections"])
	assert.Equal(t, 1, stats["connected_rooms"])
}

func TestWebSocketHub_BroadcastSkipsClosed(t *testing.T) {
	hub := internal.NewWebSocketHub(testutils.TestLogger(), nil)
	open := testutils.NewFakeConn("open")
	closed := testutils.NewFakeConn("closed")
	hub.Register(open)
	hub.Register(closed)
	hub.Join("ROOM01", open)
	hub.Join("ROOM01", closed)

	closed.Close()
	hub.Broadcast("ROOM01", internal.EventUpdateLeaderboard, []internal.LeaderboardEntry{})

	assert.Len(t, open.Events(internal.EventUpdateLeaderboard), 1)
	assert.Empty(t, closed.Names())
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(roomCode, event string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, roomCode+"/"+event)
	return nil
}

func TestWebSocketHub_BroadcastMirrorsToPublisher(t *testing.T) {
	hub := internal.NewWebSocketHub(testutils.TestLogger(), nil)
	pub := &recordingPublisher{}
	hub.SetPublisher(pub)

	hub.Broadcast("ROOM01", internal.EventQuizStarted, []internal.Question{})
	assert.Equal(t, []string{"ROOM01/" + internal.EventQuizStarted}, pub.subjects)
}

func TestEncodeEvent(t *testing.T) {
	frame, err := internal.EncodeEvent(internal.EventJoinFailed, "room not found")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"join-failed","data":"room not found"}`, string(frame))

	frame, err = internal.EncodeEvent(internal.EventPong, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"pong"}`, string(frame))
}

// wsServer 以真實的 HTTP 伺服器驅動整個事件流程
type wsServer struct {
	*sessionFixture
	server *httptest.Server
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()

	f := newSessionFixture(t, nil)
	f.hub.SetHandler(internal.NewDispatcher(f.sessions, testutils.TestLogger()))
	handler := internal.NewHandler(f.sessions, f.store, f.registry, f.hub, testutils.TestLogger())

	server := httptest.NewServer(handler.Routes())
	t.Cleanup(func() {
		f.hub.Stop()
		server.Close()
	})
	return &wsServer{sessionFixture: f, server: server}
}

func (s *wsServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// readUntil 讀取直到收到指定事件
func readUntil(t *testing.T, conn *websocket.Conn, event string) testutils.RecordedEvent {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)

		var ev testutils.RecordedEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		if ev.Event == event {
			return ev
		}
	}
}

func TestWebSocket_EndToEnd(t *testing.T) {
	s := newWSServer(t)

	host := s.dial(t)
	writeEvent(t, host, internal.EventCreateRoom, map[string]string{"roomCode": testRoom, "hostName": "Host"})
	readUntil(t, host, internal.EventRoomCreated)

	alice := s.dial(t)
	writeEvent(t, alice, internal.EventJoinRoom, map[string]string{"roomCode": testRoom, "playerName": "Alice"})
	ev := readUntil(t, alice, internal.EventJoinedSuccessfully)
	var joined internal.JoinResult
	require.NoError(t, ev.Decode(&joined))
	assert.Equal(t, "Alice", joined.PlayerName)

	var names []string
	require.NoError(t, readUntil(t, host, internal.EventRoomPlayersUpdated).Decode(&names))
	assert.ElementsMatch(t, []string{"Host", "Alice"}, names)

	writeEvent(t, alice, internal.EventSubmitScore, map[string]any{"roomCode": testRoom, "playerName": "Alice", "score": 3})
	var board []internal.LeaderboardEntry
	require.NoError(t, readUntil(t, host, internal.EventUpdateLeaderboard).Decode(&board))
	for len(board) == 0 || board[0].Score != 3 {
		require.NoError(t, readUntil(t, host, internal.EventUpdateLeaderboard).Decode(&board))
	}
	assert.Equal(t, internal.LeaderboardEntry{Name: "Alice", Score: 3}, board[0])

	// 關閉 Alice 的連線，房主收到新的在線名單
	require.NoError(t, alice.Close())
	for {
		require.NoError(t, readUntil(t, host, internal.EventRoomPlayersUpdated).Decode(&names))
		if len(names) == 1 {
			break
		}
	}
	assert.Equal(t, []string{"Host"}, names)

	testutils.WaitForCondition(t, func() bool {
		stored, err := s.store.FindPlayerByID(s.ctx, joined.PlayerID)
		return err == nil && stored.Status == internal.StatusOffline
	}, 2*time.Second, "alice marked offline")
}

func TestWebSocket_DeleteRoomClosesMemberSocket(t *testing.T) {
	s := newWSServer(t)

	host := s.dial(t)
	writeEvent(t, host, internal.EventCreateRoom, map[string]string{"roomCode": testRoom, "hostName": "Host"})
	readUntil(t, host, internal.EventRoomCreated)

	alice := s.dial(t)
	writeEvent(t, alice, internal.EventJoinRoom, map[string]string{"roomCode": testRoom, "playerName": "Alice"})
	readUntil(t, alice, internal.EventJoinedSuccessfully)

	writeEvent(t, host, internal.EventDeleteRoom, map[string]string{"roomCode": testRoom})
	readUntil(t, host, internal.EventRoomDeleted)

	var reason string
	require.NoError(t, readUntil(t, alice, internal.EventRoomClosed).Decode(&reason))
	assert.Equal(t, "Room has been deleted by the host.", reason)

	// 伺服器端關閉連線
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := alice.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func TestWebSocket_RejectsDisallowedOrigin(t *testing.T) {
	f := newSessionFixture(t, nil)
	hub := internal.NewWebSocketHub(testutils.TestLogger(), []string{"https://quiz.example.com"})
	hub.SetHandler(internal.NewDispatcher(f.sessions, testutils.TestLogger()))

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
