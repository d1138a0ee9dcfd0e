package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	apperrors "github.com/koopa0/quiz-room/pkg/errors"
	"github.com/koopa0/quiz-room/pkg/logger"
)

// Handler HTTP 請求處理器
type Handler struct {
	sessions *SessionManager
	store    Store
	registry *Registry
	hub      *WebSocketHub
	logger   *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(sessions *SessionManager, store Store, registry *Registry, hub *WebSocketHub, logger *slog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		store:    store,
		registry: registry,
		hub:      hub,
		logger:   logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 測驗房間 API
	mux.HandleFunc("POST /api/v1/rooms", wrap(h.createQuizRoom))
	mux.HandleFunc("GET /api/v1/rooms/{room_code}", wrap(h.getQuizRoom))
	mux.HandleFunc("GET /api/v1/rooms/{room_code}/host", wrap(h.getHost))
	mux.HandleFunc("GET /api/v1/rooms/{room_code}/status", wrap(h.getStatus))
	mux.HandleFunc("POST /api/v1/rooms/{room_code}/start", wrap(h.startQuiz))
	mux.HandleFunc("GET /api/v1/rooms/{room_code}/questions", wrap(h.getQuestions))
	mux.HandleFunc("GET /api/v1/rooms/{room_code}/leaderboard", wrap(h.getLeaderboard))
	mux.HandleFunc("GET /api/v1/rooms/{room_code}/players", wrap(h.getPlayers))
	mux.HandleFunc("POST /api/v1/quiz/answers", wrap(h.checkAnswer))

	// WebSocket（需要 Hijack，不經過 responseWriter 包裝）
	mux.HandleFunc("GET /ws", h.hub.ServeWS)

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// 請求結構
type createQuizRoomRequest struct {
	Topic       string     `json:"topic"`
	Difficulty  string     `json:"difficulty"`
	NoQuestions int        `json:"no_questions"`
	HostName    string     `json:"host_name"`
	Questions   []Question `json:"questions"`
}

type checkAnswerRequest struct {
	RoomCode       string `json:"room_code"`
	QuestionID     string `json:"question_id"`
	SelectedOption string `json:"selected_option"`
}

// createQuizRoom 建立測驗房間（題目由呼叫端提供）
func (h *Handler) createQuizRoom(w http.ResponseWriter, r *http.Request) {
	var req createQuizRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Topic == "" || req.HostName == "" {
		h.errorResponse(w, "topic and host_name are required", http.StatusBadRequest)
		return
	}
	if len(req.Questions) == 0 {
		h.errorResponse(w, "questions are required", http.StatusBadRequest)
		return
	}
	for _, q := range req.Questions {
		if q.ID == "" || q.Question == "" || len(q.Options) < 2 || q.CorrectOption == "" {
			h.errorResponse(w, "question is incomplete", http.StatusBadRequest)
			return
		}
		if !slices.Contains(q.Options, q.CorrectOption) {
			h.errorResponse(w, "correct_option must be one of options", http.StatusBadRequest)
			return
		}
	}
	if req.NoQuestions == 0 {
		req.NoQuestions = len(req.Questions)
	}

	// 代碼碰撞時重試
	var room *QuizRoom
	for attempt := 0; attempt < 3; attempt++ {
		code, err := NewRoomCode()
		if err != nil {
			h.errorResponse(w, "generate room code failed", http.StatusInternalServerError)
			return
		}

		room = &QuizRoom{
			RoomCode:    code,
			Topic:       req.Topic,
			Difficulty:  req.Difficulty,
			HostName:    req.HostName,
			NoQuestions: req.NoQuestions,
			Questions:   req.Questions,
		}
		err = h.store.CreateQuizRoom(r.Context(), room)
		if err == nil {
			break
		}
		if !apperrors.IsConflict(err) {
			h.appErrorResponse(w, err)
			return
		}
		room = nil
	}
	if room == nil {
		h.errorResponse(w, "could not allocate room code", http.StatusServiceUnavailable)
		return
	}

	h.logger.InfoContext(logger.WithRoomCode(r.Context(), room.RoomCode), "測驗房間已建立",
		"topic", room.Topic,
		"questions", len(room.Questions))

	h.jsonResponse(w, map[string]any{
		"room_code": room.RoomCode,
		"host_name": room.HostName,
	}, http.StatusCreated)
}

// getQuizRoom 房間資訊（不含答案）
func (h *Handler) getQuizRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.findQuizRoom(w, r)
	if !ok {
		return
	}

	public := *room
	public.Questions = room.PublicQuestions()
	h.jsonResponse(w, public, http.StatusOK)
}

// getHost 房主名稱
func (h *Handler) getHost(w http.ResponseWriter, r *http.Request) {
	room, ok := h.findQuizRoom(w, r)
	if !ok {
		return
	}
	h.jsonResponse(w, map[string]any{"host_name": room.HostName}, http.StatusOK)
}

// getStatus 測驗是否已開始
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	room, ok := h.findQuizRoom(w, r)
	if !ok {
		return
	}
	h.jsonResponse(w, map[string]any{"quiz_started": room.QuizStarted}, http.StatusOK)
}

// startQuiz 與 start-quiz 事件相同
func (h *Handler) startQuiz(w http.ResponseWriter, r *http.Request) {
	questions, err := h.sessions.StartQuiz(r.Context(), r.PathValue("room_code"))
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"quiz_started": true,
		"questions":    len(questions),
	}, http.StatusOK)
}

// getQuestions 題目（不含答案）
func (h *Handler) getQuestions(w http.ResponseWriter, r *http.Request) {
	room, ok := h.findQuizRoom(w, r)
	if !ok {
		return
	}
	h.jsonResponse(w, room.PublicQuestions(), http.StatusOK)
}

// getLeaderboard 排行榜
func (h *Handler) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := h.sessions.GetLeaderboard(r.Context(), r.PathValue("room_code"))
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}
	h.jsonResponse(w, board, http.StatusOK)
}

// getPlayers 在線玩家
func (h *Handler) getPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := h.sessions.LobbyPlayers(r.Context(), r.PathValue("room_code"))
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}
	h.jsonResponse(w, players, http.StatusOK)
}

// checkAnswer 檢查答案
func (h *Handler) checkAnswer(w http.ResponseWriter, r *http.Request) {
	var req checkAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.RoomCode == "" || req.QuestionID == "" {
		h.errorResponse(w, "room_code and question_id are required", http.StatusBadRequest)
		return
	}

	room, err := h.store.FindQuizRoom(r.Context(), req.RoomCode)
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}

	question, ok := room.Question(req.QuestionID)
	if !ok {
		h.errorResponse(w, "question not found", http.StatusNotFound)
		return
	}

	h.jsonResponse(w, map[string]any{
		"correct":        question.CorrectOption == req.SelectedOption,
		"correct_answer": question.CorrectOption,
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.jsonResponse(w, map[string]any{
			"status": "unhealthy",
			"error":  apperrors.Reason(err),
		}, http.StatusServiceUnavailable)
		return
	}

	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"registry":       h.registry.Stats(),
		"hub":            h.hub.Stats(),
		"bound_sessions": h.sessions.BoundCount(),
	}, http.StatusOK)
}

func (h *Handler) findQuizRoom(w http.ResponseWriter, r *http.Request) (*QuizRoom, bool) {
	roomCode := r.PathValue("room_code")
	room, err := h.store.FindQuizRoom(logger.WithRoomCode(r.Context(), roomCode), roomCode)
	if err != nil {
		h.appErrorResponse(w, err)
		return nil, false
	}
	return room, true
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// appErrorResponse 依錯誤碼決定 HTTP 狀態
func (h *Handler) appErrorResponse(w http.ResponseWriter, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		h.logger.Error("未分類的錯誤", "error", err)
		h.errorResponse(w, "internal server error", http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch appErr.Code {
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	case apperrors.ErrCodeConflict:
		status = http.StatusConflict
	case apperrors.ErrCodeUpstream:
		status = http.StatusBadGateway
		h.logger.Error("持久層錯誤", "error", err)
	case apperrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	}

	h.jsonResponse(w, map[string]any{
		"error": appErr.Message,
		"code":  appErr.Code,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
