package internal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	apperrors "github.com/koopa0/quiz-room/pkg/errors"
	"github.com/koopa0/quiz-room/pkg/logger"
)

// maxScore 與 players.score 欄位 (INTEGER) 的上限一致
const maxScore = math.MaxInt32

// 系統設計問題：
//   玩家的連線會斷、會重連、會換裝置，如何讓「連線」與「玩家身分」
//   正確地綁定，同時讓記憶體中的房間狀態與資料庫保持一致？
//
// 核心挑戰：
//   1. 重連競態：舊連線的斷線事件晚於新連線的重連抵達
//   2. 等待期間的狀態變化：持久層呼叫期間其他事件可能修改同一房間
//   3. 同名競爭：兩個人同時以相同名稱加入
//
// 設計方案：
//   ✅ 房間操作鎖 - 同一房間的處理器從頭到尾互斥，不同房間並行
//   ✅ 連線 ID 條件更新 - 只有當前連線能把玩家標記為離線
//   ✅ 唯一約束 + 衝突重試 - (room_code, player_name) 由持久層保證

// binding 連線與玩家身分的綁定
type binding struct {
	PlayerID   string
	PlayerName string
	RoomCode   string
}

// RoomCreated create-room 成功的回應
type RoomCreated struct {
	RoomCode string `json:"roomCode"`
	HostName string `json:"hostName"`
	PlayerID string `json:"playerId"`
}

// JoinResult join-room 成功的回應
type JoinResult struct {
	RoomCode   string `json:"roomCode"`
	PlayerName string `json:"playerName"`
	PlayerID   string `json:"playerId"`
}

// RejoinResult rejoin-room 成功的回應
type RejoinResult struct {
	PlayerName string   `json:"playerName"`
	RoomCode   string   `json:"roomCode"`
	PlayerID   string   `json:"playerId"`
	Players    []string `json:"players"`
}

// LobbyPlayer 大廳玩家
type LobbyPlayer struct {
	Name   string       `json:"name"`
	IsHost bool         `json:"isHost"`
	Status PlayerStatus `json:"status"`
}

// SessionManager 連線會話管理器
type SessionManager struct {
	store    Store
	registry *Registry
	hub      Broadcaster
	cache    ScoreCache
	newID    func() string
	logger   *slog.Logger

	mu       sync.Mutex
	bindings map[string]binding // connID -> binding
}

// SessionOption 會話管理器選項
type SessionOption func(*SessionManager)

// WithScoreCache 設定分數鏡像
func WithScoreCache(cache ScoreCache) SessionOption {
	return func(s *SessionManager) {
		s.cache = cache
	}
}

// WithIDGenerator 替換玩家 ID 生成器
func WithIDGenerator(newID func() string) SessionOption {
	return func(s *SessionManager) {
		s.newID = newID
	}
}

// NewSessionManager 創建會話管理器
func NewSessionManager(store Store, registry *Registry, hub Broadcaster, logger *slog.Logger, opts ...SessionOption) *SessionManager {
	s := &SessionManager{
		store:    store,
		registry: registry,
		hub:      hub,
		newID:    NewPlayerID,
		logger:   logger,
		bindings: make(map[string]binding),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRoom 房主建立（或重新進入）房間
func (s *SessionManager) CreateRoom(ctx context.Context, c Conn, roomCode, hostName string) (*RoomCreated, error) {
	if roomCode == "" || hostName == "" {
		return nil, apperrors.ErrInvalidPayload.WithDetails("roomCode and hostName are required")
	}
	ctx = logger.WithRoomCode(ctx, roomCode)

	s.leavePrevious(ctx, c, roomCode)

	unlock := s.registry.Lock(roomCode)
	defer unlock()

	host, err := s.store.FindPlayerByName(ctx, roomCode, hostName)
	switch {
	case err == nil:
	case apperrors.IsNotFound(err):
		host = &Player{
			ID:       s.newID(),
			RoomCode: roomCode,
			Name:     hostName,
			Status:   StatusOnline,
			IsHost:   true,
		}
		if err := s.store.CreatePlayer(ctx, host); err != nil {
			if !apperrors.IsConflict(err) {
				return nil, fmt.Errorf("create host: %w", err)
			}
			// 其他行程搶先建立，改用既有紀錄
			if host, err = s.store.FindPlayerByName(ctx, roomCode, hostName); err != nil {
				return nil, fmt.Errorf("find host: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("find host: %w", err)
	}

	if err := s.store.MarkOnline(ctx, host.ID, c.ID(), true); err != nil {
		return nil, fmt.Errorf("mark host online: %w", err)
	}

	s.attach(ctx, c, host)
	s.broadcastMembership(ctx, roomCode)
	s.broadcastLeaderboard(roomCode)

	s.logger.InfoContext(ctx, "房間已建立", "host_name", hostName, "player_id", host.ID)

	return &RoomCreated{RoomCode: roomCode, HostName: hostName, PlayerID: host.ID}, nil
}

// JoinRoom 玩家加入房間
//
// 身分解析順序：(a) 同房間同名的玩家 (b) 同房間、playerId 相符的玩家 (c) 新玩家。
func (s *SessionManager) JoinRoom(ctx context.Context, c Conn, roomCode, playerName, playerID string) (*JoinResult, error) {
	if roomCode == "" || playerName == "" {
		return nil, apperrors.ErrInvalidPayload.WithDetails("roomCode and playerName are required")
	}
	ctx = logger.WithRoomCode(ctx, roomCode)

	s.leavePrevious(ctx, c, roomCode)

	unlock := s.registry.Lock(roomCode)
	defer unlock()

	if _, err := s.store.FindQuizRoom(ctx, roomCode); err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.ErrRoomNotFound.WithDetails(roomCode)
		}
		return nil, fmt.Errorf("find room: %w", err)
	}

	player, err := s.resolvePlayer(ctx, roomCode, playerName, playerID)
	if err != nil {
		return nil, err
	}

	if err := s.store.MarkOnline(ctx, player.ID, c.ID(), false); err != nil {
		return nil, fmt.Errorf("mark player online: %w", err)
	}

	s.attach(ctx, c, player)
	s.broadcastMembership(ctx, roomCode)
	s.broadcastLeaderboard(roomCode)

	s.logger.InfoContext(ctx, "玩家加入房間", "player_name", player.Name, "player_id", player.ID)

	return &JoinResult{RoomCode: roomCode, PlayerName: player.Name, PlayerID: player.ID}, nil
}

// resolvePlayer 解析玩家身分；同名衝突時回到規則 (a)
func (s *SessionManager) resolvePlayer(ctx context.Context, roomCode, name, playerID string) (*Player, error) {
	for attempt := 0; attempt < 2; attempt++ {
		player, err := s.store.FindPlayerByName(ctx, roomCode, name)
		if err == nil {
			return player, nil
		}
		if !apperrors.IsNotFound(err) {
			return nil, fmt.Errorf("find player by name: %w", err)
		}

		if playerID != "" {
			player, err := s.store.FindPlayerByID(ctx, playerID)
			switch {
			case err == nil && player.RoomCode == roomCode:
				return player, nil
			case err != nil && !apperrors.IsNotFound(err):
				return nil, fmt.Errorf("find player by id: %w", err)
			}
		}

		player = &Player{
			ID:       s.newID(),
			RoomCode: roomCode,
			Name:     name,
			Status:   StatusOnline,
		}
		err = s.store.CreatePlayer(ctx, player)
		if err == nil {
			return player, nil
		}
		if !apperrors.IsConflict(err) {
			return nil, fmt.Errorf("create player: %w", err)
		}

		s.logger.DebugContext(ctx, "玩家名稱衝突，重新解析", "player_name", name)
	}

	return nil, apperrors.ErrDuplicatePlayer.WithDetails(name)
}

// RejoinRoom 以 playerId 重新連回原本的房間
func (s *SessionManager) RejoinRoom(ctx context.Context, c Conn, playerID string) (*RejoinResult, error) {
	if playerID == "" {
		return nil, apperrors.ErrInvalidPayload.WithDetails("playerId is required")
	}

	player, err := s.store.FindPlayerByID(ctx, playerID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, fmt.Errorf("find player: %w", err)
	}
	roomCode := player.RoomCode
	ctx = logger.WithRoomCode(ctx, roomCode)

	s.leavePrevious(ctx, c, roomCode)

	unlock := s.registry.Lock(roomCode)
	defer unlock()

	// 取得鎖之後重新讀取，房間可能已被刪除
	player, err = s.store.FindPlayerByID(ctx, playerID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, fmt.Errorf("find player: %w", err)
	}

	if err := s.store.MarkOnline(ctx, player.ID, c.ID(), false); err != nil {
		return nil, fmt.Errorf("mark player online: %w", err)
	}

	s.attach(ctx, c, player)
	names := s.onlineNames(ctx, roomCode)
	s.hub.Broadcast(roomCode, EventRoomPlayersUpdated, names)
	s.broadcastLeaderboard(roomCode)

	s.logger.InfoContext(ctx, "玩家重新連線", "player_name", player.Name, "player_id", player.ID)

	return &RejoinResult{
		PlayerName: player.Name,
		RoomCode:   roomCode,
		PlayerID:   player.ID,
		Players:    names,
	}, nil
}

// DeleteRoom 房主刪除房間：關閉其他成員的連線並刪除所有持久化紀錄
func (s *SessionManager) DeleteRoom(ctx context.Context, c Conn, roomCode string) error {
	if roomCode == "" {
		return apperrors.ErrInvalidPayload.WithDetails("roomCode is required")
	}
	ctx = logger.WithRoomCode(ctx, roomCode)

	unlock := s.registry.Lock(roomCode)
	defer unlock()

	if err := s.authorizeHost(ctx, c, roomCode); err != nil {
		return err
	}

	players, err := s.store.ListPlayers(ctx, roomCode, false)
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}

	targets := make(map[string]struct{})
	for _, p := range players {
		if p.ConnectionID != "" {
			targets[p.ConnectionID] = struct{}{}
		}
	}
	if room, ok := s.registry.Get(roomCode); ok {
		for _, m := range room.Members() {
			if m.Connected {
				targets[m.ConnectionID] = struct{}{}
			}
		}
	}
	for _, connID := range s.unbindRoom(roomCode) {
		targets[connID] = struct{}{}
	}

	for connID := range targets {
		if connID == c.ID() {
			continue
		}
		member, ok := s.hub.Lookup(connID)
		if !ok {
			continue
		}
		if err := Emit(member, EventRoomClosed, roomClosedByHostMessage); err != nil {
			s.logger.DebugContext(ctx, "通知房間關閉失敗", "connection_id", connID, "error", err)
		}
		s.hub.Leave(member)
		member.Close()
	}
	s.hub.Leave(c)

	if err := s.store.DeleteQuizRoom(ctx, roomCode); err != nil && !apperrors.IsNotFound(err) {
		return fmt.Errorf("delete room: %w", err)
	}
	deleted, err := s.store.DeletePlayers(ctx, roomCode)
	if err != nil {
		return fmt.Errorf("delete players: %w", err)
	}

	s.registry.Delete(roomCode)
	if s.cache != nil {
		if err := s.cache.Forget(ctx, roomCode); err != nil {
			s.logger.WarnContext(ctx, "清除分數鏡像失敗", "error", err)
		}
	}

	s.logger.InfoContext(ctx, "房間已刪除", "deleted_players", deleted, "closed_connections", len(targets))
	return nil
}

// authorizeHost 確認連線綁定的玩家是該房間的房主
func (s *SessionManager) authorizeHost(ctx context.Context, c Conn, roomCode string) error {
	b, ok := s.binding(c.ID())
	if !ok || b.RoomCode != roomCode {
		return apperrors.ErrNotAuthorized
	}

	player, err := s.store.FindPlayerByID(ctx, b.PlayerID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return apperrors.ErrNotAuthorized
		}
		return fmt.Errorf("find player: %w", err)
	}
	if !player.IsHost || player.RoomCode != roomCode {
		return apperrors.ErrNotAuthorized
	}
	return nil
}

// Disconnect 傳輸層回報連線結束
//
// 分數不會被移除；已被新連線取代的舊連線不會把玩家標記為離線。
func (s *SessionManager) Disconnect(ctx context.Context, c Conn) {
	b, ok := s.unbind(c.ID())
	if !ok {
		return
	}
	s.hub.Leave(c)
	s.release(logger.WithRoomCode(ctx, b.RoomCode), c.ID(), b)
}

// release 將玩家標記為離線並通知房間其他成員
func (s *SessionManager) release(ctx context.Context, connID string, b binding) {
	unlock := s.registry.Lock(b.RoomCode)
	defer unlock()

	updated, err := s.store.MarkOffline(ctx, b.PlayerID, connID)
	if err != nil {
		s.logger.ErrorContext(ctx, "標記玩家離線失敗", "player_id", b.PlayerID, "error", err)
	}

	detached := false
	if room, ok := s.registry.Get(b.RoomCode); ok {
		detached = room.Detach(b.PlayerName, connID)
	}

	if !updated && !detached {
		s.logger.DebugContext(ctx, "忽略過期連線的斷線事件", "player_name", b.PlayerName)
		return
	}

	s.broadcastMembership(ctx, b.RoomCode)
	s.logger.InfoContext(ctx, "玩家已斷線", "player_name", b.PlayerName, "player_id", b.PlayerID)
}

// leavePrevious 連線改加入其他房間時，先離開原本的房間
func (s *SessionManager) leavePrevious(ctx context.Context, c Conn, roomCode string) {
	s.mu.Lock()
	b, ok := s.bindings[c.ID()]
	if ok && b.RoomCode != roomCode {
		delete(s.bindings, c.ID())
	}
	s.mu.Unlock()

	if ok && b.RoomCode != roomCode {
		s.hub.Leave(c)
		s.release(logger.WithRoomCode(ctx, b.RoomCode), c.ID(), b)
	}
}

// attach 綁定連線與玩家，需持有房間鎖
func (s *SessionManager) attach(ctx context.Context, c Conn, player *Player) {
	room := s.loadRoom(ctx, player.RoomCode)

	// 同一條連線在同房間換了身分：舊身分視為斷線
	if prev, ok := s.binding(c.ID()); ok && prev.RoomCode == player.RoomCode && prev.PlayerID != player.ID {
		room.Detach(prev.PlayerName, c.ID())
		if _, err := s.store.MarkOffline(ctx, prev.PlayerID, c.ID()); err != nil {
			s.logger.WarnContext(ctx, "標記舊身分離線失敗", "player_id", prev.PlayerID, "error", err)
		}
	}

	// 一位玩家同時只保留一條連線
	if m, ok := room.Member(player.Name); ok && m.Connected && m.ConnectionID != c.ID() {
		if old, found := s.hub.Lookup(m.ConnectionID); found {
			s.unbind(m.ConnectionID)
			s.hub.Leave(old)
			old.Close()
			s.logger.InfoContext(ctx, "關閉舊連線", "player_name", player.Name, "connection_id", m.ConnectionID)
		}
	}

	room.Attach(player.Name, Member{ConnectionID: c.ID(), PlayerID: player.ID}, player.Score)

	s.mu.Lock()
	s.bindings[c.ID()] = binding{PlayerID: player.ID, PlayerName: player.Name, RoomCode: player.RoomCode}
	s.mu.Unlock()

	s.hub.Join(player.RoomCode, c)

	if score, ok := room.Score(player.Name); ok {
		s.mirrorScore(ctx, player.RoomCode, player.Name, score)
	}
}

// loadRoom 取得房間狀態；不在記憶體時以持久層的分數重建，需持有房間鎖
func (s *SessionManager) loadRoom(ctx context.Context, roomCode string) *RoomState {
	if room, ok := s.registry.Get(roomCode); ok {
		return room
	}

	room := s.registry.GetOrCreate(roomCode)
	players, err := s.store.ListPlayers(ctx, roomCode, false)
	if err != nil {
		s.logger.WarnContext(ctx, "重建房間分數失敗", "error", err)
		return room
	}
	for _, p := range players {
		room.Seed(p.Name, p.Score)
	}
	return room
}

// SubmitScore 設定玩家分數並廣播排行榜
//
// 同樣的分數重複提交會得到相同的排行榜。
func (s *SessionManager) SubmitScore(ctx context.Context, roomCode, playerName string, score int) error {
	if roomCode == "" || playerName == "" {
		return apperrors.ErrInvalidPayload.WithDetails("roomCode and playerName are required")
	}
	if score < 0 || score > maxScore {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "score out of range").WithDetails(fmt.Sprint(score))
	}
	ctx = logger.WithRoomCode(ctx, roomCode)

	unlock := s.registry.Lock(roomCode)
	defer unlock()

	// 只接受房間內已有紀錄的玩家
	room := s.loadRoom(ctx, roomCode)
	if _, ok := room.Score(playerName); !ok {
		return apperrors.ErrPlayerNotFound.WithDetails(playerName)
	}
	room.SetScore(playerName, score)
	s.mirrorScore(ctx, roomCode, playerName, score)

	persistErr := s.store.SetScore(ctx, roomCode, playerName, score)
	s.broadcastLeaderboard(roomCode)

	if persistErr != nil {
		return fmt.Errorf("persist score: %w", persistErr)
	}
	return nil
}

// GetLeaderboard 返回房間排行榜
//
// 記憶體中沒有該房間時走降級路徑：以持久層的所有玩家為準，
// 分數鏡像只覆寫持久層中存在的玩家。持久層不可用時才只用鏡像。
func (s *SessionManager) GetLeaderboard(ctx context.Context, roomCode string) ([]LeaderboardEntry, error) {
	if roomCode == "" {
		return nil, apperrors.ErrInvalidPayload.WithDetails("roomCode is required")
	}
	ctx = logger.WithRoomCode(ctx, roomCode)

	unlock := s.registry.Lock(roomCode)
	defer unlock()

	if room, ok := s.registry.Get(roomCode); ok {
		return room.Leaderboard(), nil
	}

	cached := s.cachedScores(ctx, roomCode)

	players, err := s.store.ListPlayers(ctx, roomCode, false)
	if err != nil {
		if len(cached) > 0 {
			s.logger.WarnContext(ctx, "持久層不可用，改用分數鏡像", "error", err)
			return Rank(cached), nil
		}
		return nil, fmt.Errorf("list players: %w", err)
	}

	return rankPlayers(players, cached), nil
}

// cachedScores 讀取分數鏡像；未設定或讀取失敗時返回 nil
func (s *SessionManager) cachedScores(ctx context.Context, roomCode string) map[string]int {
	if s.cache == nil {
		return nil
	}
	entries, err := s.cache.Ranked(ctx, roomCode)
	if err != nil {
		s.logger.WarnContext(ctx, "讀取分數鏡像失敗", "error", err)
		return nil
	}
	scores := make(map[string]int, len(entries))
	for _, e := range entries {
		scores[e.Name] = e.Score
	}
	return scores
}

// LobbyPlayers 返回在線玩家
func (s *SessionManager) LobbyPlayers(ctx context.Context, roomCode string) ([]LobbyPlayer, error) {
	if roomCode == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "missing room code")
	}

	players, err := s.store.ListPlayers(logger.WithRoomCode(ctx, roomCode), roomCode, true)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}

	lobby := make([]LobbyPlayer, 0, len(players))
	for _, p := range players {
		lobby = append(lobby, LobbyPlayer{Name: p.Name, IsHost: p.IsHost, Status: p.Status})
	}
	return lobby, nil
}

// StartQuiz 標記測驗開始，並把不含答案的題目廣播給房間
func (s *SessionManager) StartQuiz(ctx context.Context, roomCode string) ([]Question, error) {
	if roomCode == "" {
		return nil, apperrors.ErrInvalidPayload.WithDetails("roomCode is required")
	}
	ctx = logger.WithRoomCode(ctx, roomCode)

	unlock := s.registry.Lock(roomCode)
	defer unlock()

	quiz, err := s.store.FindQuizRoom(ctx, roomCode)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.ErrRoomNotFound.WithDetails(roomCode)
		}
		return nil, fmt.Errorf("find room: %w", err)
	}

	if err := s.store.SetQuizStarted(ctx, roomCode); err != nil {
		return nil, fmt.Errorf("start quiz: %w", err)
	}

	questions := quiz.PublicQuestions()
	s.hub.Broadcast(roomCode, EventQuizStarted, questions)

	s.logger.InfoContext(ctx, "測驗開始", "questions", len(questions))
	return questions, nil
}

// onlineNames 以持久層為準的在線名單，失敗時退回記憶體
func (s *SessionManager) onlineNames(ctx context.Context, roomCode string) []string {
	players, err := s.store.ListPlayers(ctx, roomCode, true)
	if err != nil {
		s.logger.WarnContext(ctx, "查詢在線玩家失敗，改用記憶體名單", "error", err)
		if room, ok := s.registry.Get(roomCode); ok {
			return room.ConnectedNames()
		}
		return []string{}
	}

	names := make([]string, 0, len(players))
	for _, p := range players {
		names = append(names, p.Name)
	}
	return names
}

func (s *SessionManager) broadcastMembership(ctx context.Context, roomCode string) {
	s.hub.Broadcast(roomCode, EventRoomPlayersUpdated, s.onlineNames(ctx, roomCode))
}

func (s *SessionManager) broadcastLeaderboard(roomCode string) {
	board := []LeaderboardEntry{}
	if room, ok := s.registry.Get(roomCode); ok {
		board = room.Leaderboard()
	}
	s.hub.Broadcast(roomCode, EventUpdateLeaderboard, board)
}

func (s *SessionManager) mirrorScore(ctx context.Context, roomCode, name string, score int) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Store(ctx, roomCode, name, score); err != nil {
		s.logger.WarnContext(ctx, "寫入分數鏡像失敗", "player_name", name, "error", err)
	}
}

func (s *SessionManager) binding(connID string) (binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[connID]
	return b, ok
}

func (s *SessionManager) unbind(connID string) (binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[connID]
	if ok {
		delete(s.bindings, connID)
	}
	return b, ok
}

// unbindRoom 解除房間內所有連線的綁定，返回被解除的連線 ID
func (s *SessionManager) unbindRoom(roomCode string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var connIDs []string
	for connID, b := range s.bindings {
		if b.RoomCode == roomCode {
			connIDs = append(connIDs, connID)
			delete(s.bindings, connID)
		}
	}
	return connIDs
}

// BoundCount 目前綁定玩家身分的連線數
func (s *SessionManager) BoundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}
