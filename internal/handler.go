package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	maxPlayerNameLength = 20
	minDifficulty       = 1
	maxDifficulty       = 4
)

// Handler HTTP 請求處理器
//
// 只負責建立與加入房間；遊戲過程全部走 WebSocket。
type Handler struct {
	store  *Store
	hub    *WebSocketHub
	config GameConfig
	logger *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(store *Store, hub *WebSocketHub, config GameConfig, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		hub:    hub,
		config: config,
		logger: logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.loggerMiddleware)
	r.Use(middleware.Recoverer)

	// WebSocket 連線不能套用請求逾時
	r.Get("/ws", h.hub.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))

		// 房間管理 API
		r.Route("/api/rooms", func(r chi.Router) {
			r.Post("/create", h.createRoom)
			r.Post("/join", h.joinRoom)
			r.Get("/{code}", h.getRoom)
		})

		// 健康檢查
		r.Get("/health", h.health)
		r.Get("/stats", h.stats)
	})

	return r
}

// 請求結構
type createRoomRequest struct {
	PlayerName    string `json:"playerName"`
	TimerDuration *int   `json:"timerDuration"`
	Difficulty    int    `json:"difficulty"`
}

type joinRoomRequest struct {
	PlayerName string `json:"playerName"`
	RoomCode   string `json:"roomCode"`
}

// createRoom 創建房間
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("無效的請求格式", "path", r.URL.Path, "error", err)
		h.errorResponse(w, "Failed to create room", http.StatusBadRequest)
		return
	}

	if err := h.validateCreate(req); err != nil {
		h.logger.Warn("創建房間參數錯誤", "error", err)
		h.errorResponse(w, "Failed to create room", http.StatusBadRequest)
		return
	}

	// timerDuration 為 0 視為不計時
	timer := req.TimerDuration
	if timer != nil && *timer == 0 {
		timer = nil
	}

	room, playerID, err := h.store.CreateRoom(req.PlayerName, timer, Difficulty(req.Difficulty))
	if err != nil {
		h.logger.Error("創建房間失敗", "error", err)
		h.errorResponse(w, "Failed to create room", statusFor(err))
		return
	}

	h.jsonResponse(w, map[string]any{
		"code":     room.Code,
		"playerId": playerID,
	}, http.StatusOK)
}

// joinRoom 加入房間
func (h *Handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("無效的請求格式", "path", r.URL.Path, "error", err)
		h.errorResponse(w, "Failed to join room", http.StatusBadRequest)
		return
	}

	if err := validateJoin(req); err != nil {
		h.logger.Warn("加入房間參數錯誤", "error", err)
		h.errorResponse(w, "Failed to join room", http.StatusBadRequest)
		return
	}

	_, playerID, err := h.store.JoinRoom(req.RoomCode, req.PlayerName)
	if err != nil {
		h.logger.Warn("加入房間失敗",
			"room_code", req.RoomCode,
			"error", err)
		h.errorResponse(w, "Failed to join room", statusFor(err))
		return
	}

	h.jsonResponse(w, map[string]any{
		"playerId": playerID,
	}, http.StatusOK)
}

// getRoom 獲取房間快照
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	room, err := h.store.GetRoom(code)
	if err != nil {
		h.errorResponse(w, "Room not found", http.StatusNotFound)
		return
	}

	h.jsonResponse(w, room, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.store.Stats()
	stats["connections"] = h.hub.ConnectionCount()
	dispatcher := h.hub.Dispatcher()
	stats["subscribed_rooms"] = len(dispatcher.Registry().Counts())
	stats["pending_tasks"] = dispatcher.Scheduler().Len()
	h.jsonResponse(w, stats, http.StatusOK)
}

func (h *Handler) validateCreate(req createRoomRequest) error {
	if err := validatePlayerName(req.PlayerName); err != nil {
		return err
	}
	if req.Difficulty < minDifficulty || req.Difficulty > maxDifficulty {
		return &ValidationError{Field: "difficulty", Reason: "must be between 1 and 4"}
	}
	if req.TimerDuration != nil {
		if d := *req.TimerDuration; d < 0 || d > h.config.MaxTimerDuration {
			return &ValidationError{Field: "timerDuration", Reason: "out of range"}
		}
	}
	return nil
}

func validateJoin(req joinRoomRequest) error {
	if err := validatePlayerName(req.PlayerName); err != nil {
		return err
	}
	if utf8.RuneCountInString(req.RoomCode) != roomCodeLength {
		return &ValidationError{Field: "roomCode", Reason: "must be 6 characters"}
	}
	return nil
}

func validatePlayerName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < 1 || n > maxPlayerNameLength {
		return &ValidationError{Field: "playerName", Reason: "must be 1 to 20 characters"}
	}
	return nil
}

// statusFor 錯誤 → HTTP 狀態碼
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrGameAlreadyStarted):
		return http.StatusConflict
	case IsValidation(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應（不帶內部細節）
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start))
	})
}
