package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// UserCodeHeader 呼叫者身分（由外部認證服務核發的 UUID）
const UserCodeHeader = "X-User-Code"

const maxBodyBytes = 1 << 20

// Notifier HTTP 端變更房間後通知即時連線
type Notifier interface {
	BroadcastSnapshot(ctx context.Context, roomCode string)
}

// Handler HTTP 請求處理器
type Handler struct {
	manager   *Manager
	campaigns *CampaignService
	snapshots *Snapshotter
	notifier  Notifier
	registry  *Registry
	logger    *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, campaigns *CampaignService, snapshots *Snapshotter, notifier Notifier, registry *Registry, logger *slog.Logger) *Handler {
	return &Handler{
		manager:   manager,
		campaigns: campaigns,
		snapshots: snapshots,
		notifier:  notifier,
		registry:  registry,
		logger:    logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 房間 API
	mux.HandleFunc("POST /api/rooms", wrap(h.createRoom))
	mux.HandleFunc("GET /api/rooms/public", wrap(h.listPublicRooms))
	mux.HandleFunc("POST /api/rooms/join", wrap(h.joinRoom))
	mux.HandleFunc("GET /api/rooms/{room_code}", wrap(h.getRoom))
	mux.HandleFunc("POST /api/rooms/{room_code}/leave", wrap(h.leaveRoom))
	mux.HandleFunc("POST /api/rooms/{room_code}/campaign", wrap(h.attachCampaign))

	// 戰役 API
	mux.HandleFunc("POST /api/campaigns", wrap(h.createCampaign))
	mux.HandleFunc("GET /api/campaigns", wrap(h.listCampaigns))
	mux.HandleFunc("GET /api/campaigns/{id}", wrap(h.getCampaign))
	mux.HandleFunc("POST /api/campaigns/{id}/journal", wrap(h.appendJournal))
	mux.HandleFunc("POST /api/campaigns/{id}/checkpoint", wrap(h.checkpoint))
	mux.HandleFunc("DELETE /api/campaigns/{id}", wrap(h.deleteCampaign))

	// 健康檢查
	mux.HandleFunc("GET /api/health", wrap(h.health))
	mux.HandleFunc("GET /api/stats", wrap(h.stats))

	return mux
}

// 請求結構
type createRoomRequest struct {
	Name     string `json:"name" validate:"max=120"`
	IsPublic bool   `json:"is_public"`
}

type joinRoomRequest struct {
	RoomCode string `json:"room_code" validate:"required,alphanum,max=12"`
}

type attachCampaignRequest struct {
	CampaignID string `json:"campaign_id" validate:"required,uuid"`
}

type journalRequest struct {
	Message struct {
		Role    string `json:"role" validate:"required,oneof=user assistant system"`
		Content string `json:"content" validate:"required,max=20000"`
	} `json:"message"`
}

// createRoom 創建房間
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req createRoomRequest
	if !h.decode(w, r, &req) {
		return
	}

	room, err := h.manager.CreateRoom(r.Context(), user, req.Name, req.IsPublic)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.respondSnapshot(w, r, room.Code, http.StatusCreated)
}

// listPublicRooms 列出公開房間
func (h *Handler) listPublicRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.manager.ListPublicRooms(r.Context())
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, rooms, http.StatusOK)
}

// joinRoom 以代碼加入房間（代碼大小寫不敏感）
func (h *Handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req joinRoomRequest
	if !h.decode(w, r, &req) {
		return
	}

	room, err := h.manager.JoinRoom(r.Context(), req.RoomCode, user)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.notifier.BroadcastSnapshot(r.Context(), room.Code)
	h.respondSnapshot(w, r, room.Code, http.StatusOK)
}

// getRoom 唯讀的房間快照
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	h.respondSnapshot(w, r, r.PathValue("room_code"), http.StatusOK)
}

// leaveRoom 離開房間
func (h *Handler) leaveRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	room, err := h.manager.LeaveRoom(r.Context(), r.PathValue("room_code"), user)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.notifier.BroadcastSnapshot(r.Context(), room.Code)
	h.jsonResponse(w, map[string]any{
		"success":   true,
		"room_code": room.Code,
	}, http.StatusOK)
}

// attachCampaign 房主連結戰役
func (h *Handler) attachCampaign(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req attachCampaignRequest
	if !h.decode(w, r, &req) {
		return
	}

	room, err := h.manager.AttachCampaign(r.Context(), r.PathValue("room_code"), user, req.CampaignID)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.notifier.BroadcastSnapshot(r.Context(), room.Code)
	h.respondSnapshot(w, r, room.Code, http.StatusOK)
}

// createCampaign 創建戰役
func (h *Handler) createCampaign(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req CreateCampaignInput
	if !h.decode(w, r, &req) {
		return
	}

	meta, err := h.campaigns.Create(r.Context(), user, req)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, meta, http.StatusCreated)
}

// listCampaigns 列出自己的戰役
func (h *Handler) listCampaigns(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	metas, err := h.campaigns.List(r.Context(), user)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, metas, http.StatusOK)
}

// getCampaign 中繼資料 + 日誌
func (h *Handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	details, err := h.campaigns.Get(r.Context(), user, r.PathValue("id"))
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, details, http.StatusOK)
}

// appendJournal 附加遊戲日誌
func (h *Handler) appendJournal(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req journalRequest
	if !h.decode(w, r, &req) {
		return
	}

	msg := Message{
		ID:      uuid.NewString(),
		Role:    req.Message.Role,
		Content: req.Message.Content,
	}
	journal, err := h.campaigns.AppendEntry(r.Context(), user, r.PathValue("id"), msg)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, journal, http.StatusOK)
}

// checkpoint 建立存檔點
func (h *Handler) checkpoint(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	key, err := h.campaigns.Checkpoint(r.Context(), user, r.PathValue("id"))
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"success":    true,
		"checkpoint": string(key),
	}, http.StatusCreated)
}

// deleteCampaign 刪除整個戰役
func (h *Handler) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if err := h.campaigns.Delete(r.Context(), user, r.PathValue("id")); err != nil {
		h.errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
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
	rooms, err := h.manager.Stats(r.Context())
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"rooms":       rooms,
		"connections": h.registry.Stats(),
	}, http.StatusOK)
}

func (h *Handler) respondSnapshot(w http.ResponseWriter, r *http.Request, code string, status int) {
	snap, err := h.snapshots.Build(r.Context(), code)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, snap, status)
}

// requireUser 從 X-User-Code 取得呼叫者，必須是 UUID
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(r.Header.Get(UserCodeHeader))
	if err != nil {
		h.errorResponse(w, apperrors.ErrInvalidUserCode)
		return "", false
	}
	return id.String(), true
}

// decode 解碼並驗證請求本文
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.errorResponse(w, apperrors.ErrInvalidInput.WithDetails("無效的請求格式"))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		h.errorResponse(w, apperrors.ErrInvalidInput.WithDetails(err.Error()))
		return false
	}
	return true
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	writeJSON(w, h.logger, data, status)
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	writeError(w, h.logger, err)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// writeError 依錯誤碼決定狀態碼；非 AppError 一律視為內部錯誤
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.ErrCodeInternal, "internal error")
	}

	status := statusFor(appErr.Code)
	if status >= http.StatusInternalServerError {
		logger.Error("請求失敗", "error", err, "code", appErr.Code)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	body := map[string]any{
		"error": appErr.Message,
		"code":  appErr.Code,
	}
	if appErr.Details != "" {
		body["details"] = appErr.Details
	}
	writeJSON(w, logger, body, status)
}

func statusFor(code string) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeForbidden:
		return http.StatusForbidden
	case apperrors.ErrCodeNotReady:
		return http.StatusConflict
	case apperrors.ErrCodeBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
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

				h.jsonResponse(w, map[string]any{
					"error": "內部伺服器錯誤",
					"code":  apperrors.ErrCodeInternal,
				}, http.StatusInternalServerError)
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
