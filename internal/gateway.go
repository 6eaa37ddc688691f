package internal

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// 系統設計問題：
//   如何讓同一房間的所有客戶端即時看到一致的房間狀態？
//
// 核心挑戰：
//   1. 即時推送：任何變更都要立刻廣播給房間內的每條連線
//   2. 斷線處理：正常關閉與異常斷線都要讓玩家離開房間
//   3. 故障隔離：單一連線的錯誤（甚至 panic）不能影響其他連線或整個程序
//
// 設計方案：
//   ✅ 每次變更後重新計算快照（不快取，永遠反映儲存層）
//   ✅ 每條連線的事件由自己的 readPump 依序處理
//   ✅ 同房間不同連線的事件只透過 store 的鍵鎖序列化
//   ✅ 同房間的快照計算與廣播依序進行，最後一份快照永遠是最新狀態
//   ✅ Ping/Pong 心跳偵測死連線

// GatewayConfig WebSocket 參數
type GatewayConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

// DefaultGatewayConfig 54s Ping / 60s Pong 超時 / 10s 寫入期限
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 8 * 1024,
	}
}

// disconnectTimeout 斷線後 LeaveRoom 與廣播的時限（與關閉流程無關）
const disconnectTimeout = 5 * time.Second

// Gateway 即時連線入口
type Gateway struct {
	manager   *Manager
	snapshots *Snapshotter
	registry  *Registry
	cfg       GatewayConfig
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[*Connection]struct{}
	closed bool
	wg     sync.WaitGroup

	turns roomTurns
}

// NewGateway 創建即時連線入口
func NewGateway(manager *Manager, snapshots *Snapshotter, registry *Registry, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		manager:   manager,
		snapshots: snapshots,
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*Connection]struct{}),
	}
}

// ServeWS 處理 GET /ws/rooms/{room_code}/{user_code}
//
// 順序：確認房間存在 → 升級 → 冪等加入房間（重連即恢復成員身分）→ 註冊 → 啟動 pump → 廣播快照。
// 升級失敗時房間不變；註冊在 readPump 之前，連線不會錯過自己事件的廣播。
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomCode := NormalizeCode(r.PathValue("room_code"))
	id, err := uuid.Parse(r.PathValue("user_code"))
	if err != nil {
		writeError(w, g.logger, apperrors.ErrInvalidUserCode)
		return
	}
	userCode := id.String()

	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		writeError(w, g.logger, apperrors.ErrBusy.WithDetails("server shutting down"))
		return
	}

	if _, err := g.manager.GetRoom(r.Context(), roomCode); err != nil {
		writeError(w, g.logger, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("升級 WebSocket 失敗", "error", err, "room_code", roomCode)
		return
	}

	if _, err := g.manager.JoinRoom(r.Context(), roomCode, userCode); err != nil {
		g.logger.Warn("WebSocket 加入房間失敗",
			"error", err,
			"room_code", roomCode,
			"user_code", userCode)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCodeFor(err), apperrors.CodeOf(err)),
			time.Now().Add(g.cfg.WriteWait))
		conn.Close()
		return
	}

	c := newConnection(g, conn, roomCode, userCode)
	if !g.track(c) {
		conn.Close()
		g.leave(c)
		return
	}
	go c.writePump()
	go c.readPump()

	g.logger.Info("WebSocket 連接建立",
		"room_code", roomCode,
		"user_code", userCode)

	g.BroadcastSnapshot(g.ctx, roomCode)
}

// closeCodeFor 加入失敗時的關閉碼
func closeCodeFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeBusy:
		return websocket.CloseTryAgainLater
	case apperrors.ErrCodeInternal:
		return websocket.CloseInternalServerErr
	default:
		return websocket.ClosePolicyViolation
	}
}

// track 登記連線並註冊到房間；閘道或註冊中心已關閉時回傳 false
func (g *Gateway) track(c *Connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if err := g.registry.Register(c, c.RoomCode); err != nil {
		return false
	}
	g.conns[c] = struct{}{}
	g.wg.Add(2)
	return true
}

func (g *Gateway) untrack(c *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c)
}

// handle 處理一則客戶端事件
//
// 失敗的事件只記錄，不回應給客戶端，也不廣播。
func (g *Gateway) handle(c *Connection, data []byte) {
	ev, err := DecodeInbound(data)
	if err != nil {
		g.logger.Debug("忽略無法處理的事件",
			"error", err,
			"room_code", c.RoomCode,
			"user_code", c.UserCode)
		return
	}

	ctx := g.ctx
	switch ev := ev.(type) {
	case ChatEvent:
		msg, err := g.manager.PostChat(ctx, c.RoomCode, c.UserCode, ev.Text)
		if err != nil {
			g.logSkipped("chat", c, err)
			return
		}
		g.Broadcast(c.RoomCode, NewMessageFrom(msg))

	case ReadyToggleEvent:
		if _, _, err := g.manager.ToggleReady(ctx, c.RoomCode, c.UserCode); err != nil {
			g.logSkipped("player_ready", c, err)
			return
		}
		g.BroadcastSnapshot(ctx, c.RoomCode)

	case StartGameEvent:
		if _, err := g.manager.StartGame(ctx, c.RoomCode, c.UserCode); err != nil {
			g.logSkipped("start_game", c, err)
			return
		}
		g.Broadcast(c.RoomCode, GameStartingEvent{})
	}
}

func (g *Gateway) logSkipped(event string, c *Connection, err error) {
	level := slog.LevelDebug
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeBusy:
		level = slog.LevelWarn
	case apperrors.ErrCodeInternal:
		level = slog.LevelError
	}
	g.logger.Log(g.ctx, level, "事件未套用",
		"event", event,
		"error", err,
		"room_code", c.RoomCode,
		"user_code", c.UserCode)
}

// disconnect 連線結束（正常或異常）：註銷、離開房間、通知其餘連線
func (g *Gateway) disconnect(c *Connection) {
	g.registry.Unregister(c, c.RoomCode)
	g.untrack(c)
	g.leave(c)
}

func (g *Gateway) leave(c *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	if _, err := g.manager.LeaveRoom(ctx, c.RoomCode, c.UserCode); err != nil {
		if !apperrors.Matches(err, apperrors.ErrRoomNotFound) {
			g.logger.Warn("斷線後離開房間失敗",
				"error", err,
				"room_code", c.RoomCode,
				"user_code", c.UserCode)
		}
		return
	}
	g.BroadcastSnapshot(ctx, c.RoomCode)

	g.logger.Info("WebSocket 連接關閉",
		"room_code", c.RoomCode,
		"user_code", c.UserCode)
}

// Broadcast 序列化並廣播給房間內所有連線
func (g *Gateway) Broadcast(roomCode string, msg Outbound) {
	data, err := Encode(msg)
	if err != nil {
		g.logger.Error("序列化事件失敗", "error", err, "room_code", roomCode)
		return
	}
	g.registry.Broadcast(roomCode, data)
}

// BroadcastSnapshot 重新計算快照並廣播；HTTP 端的變更也走這裡
//
// 同一房間的計算與廣播依序進行：較晚送出的快照一定是較晚讀取的狀態，
// 客戶端最後收到的快照不會比最後一次變更舊。
func (g *Gateway) BroadcastSnapshot(ctx context.Context, roomCode string) {
	if g.registry.Connections(roomCode) == 0 {
		return
	}

	unlock := g.turns.lock(roomCode)
	defer unlock()

	snap, err := g.snapshots.Build(ctx, roomCode)
	if err != nil {
		g.logger.Warn("計算房間快照失敗", "error", err, "room_code", roomCode)
		return
	}
	g.Broadcast(roomCode, snap)
}

// roomTurns 每個房間一把鎖，沒有人使用時回收
type roomTurns struct {
	mu    sync.Mutex
	rooms map[string]*roomTurn
}

type roomTurn struct {
	mu   sync.Mutex
	refs int
}

func (t *roomTurns) lock(roomCode string) func() {
	t.mu.Lock()
	if t.rooms == nil {
		t.rooms = make(map[string]*roomTurn)
	}
	turn, ok := t.rooms[roomCode]
	if !ok {
		turn = &roomTurn{}
		t.rooms[roomCode] = turn
	}
	turn.refs++
	t.mu.Unlock()

	turn.mu.Lock()
	return func() {
		turn.mu.Unlock()
		t.mu.Lock()
		turn.refs--
		if turn.refs == 0 {
			delete(t.rooms, roomCode)
		}
		t.mu.Unlock()
	}
}

// Connections 目前的連線總數
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Stop 關閉所有連線並等待它們的 goroutine 結束
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	conns := make([]*Connection, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	defer g.cancel()
	select {
	case <-done:
		g.logger.Info("WebSocket 閘道已停止", "closed_connections", len(conns))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
