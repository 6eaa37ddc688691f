package internal

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrRegistryClosed 註冊中心已關閉
var ErrRegistryClosed = errors.New("registry closed")

// Sender 可以接收廣播的連線
//
// Registry 只保存參考，不擁有連線：關閉連線是傳輸層的責任。
type Sender interface {
	Send(msg []byte) error
}

// Registry 房間 → 活躍連線
//
// 並發安全：RWMutex
//   - 廣播在讀鎖下取得快照，鎖外發送，慢連線不會卡住註冊/註銷
//   - 發送失敗的連線在寫鎖下移除，不影響其他連線的投遞
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[Sender]struct{}
	closed bool
	logger *slog.Logger
}

// NewRegistry 創建連線註冊中心
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]map[Sender]struct{}),
		logger: logger,
	}
}

// Register 將連線加入房間（冪等）
func (r *Registry) Register(conn Sender, roomCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	conns, ok := r.rooms[roomCode]
	if !ok {
		conns = make(map[Sender]struct{})
		r.rooms[roomCode] = conns
	}
	conns[conn] = struct{}{}
	return nil
}

// Unregister 移除連線；房間沒有連線時移除整個房間項目
func (r *Registry) Unregister(conn Sender, roomCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(conn, roomCode)
}

func (r *Registry) unregisterLocked(conn Sender, roomCode string) {
	conns, ok := r.rooms[roomCode]
	if !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(r.rooms, roomCode)
	}
}

// Broadcast 將同一份訊息送給房間內所有連線。回傳成功投遞數。
//
// 投遞失敗的連線會被移除；呼叫者不會收到錯誤。
func (r *Registry) Broadcast(roomCode string, msg []byte) int {
	r.mu.RLock()
	targets := make([]Sender, 0, len(r.rooms[roomCode]))
	for conn := range r.rooms[roomCode] {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	var failed []Sender
	for _, conn := range targets {
		if err := conn.Send(msg); err != nil {
			failed = append(failed, conn)
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		r.mu.Lock()
		for _, conn := range failed {
			r.unregisterLocked(conn, roomCode)
		}
		r.mu.Unlock()

		r.logger.Warn("廣播失敗，移除連線",
			"room_code", roomCode,
			"failed", len(failed),
			"delivered", delivered)
	}
	return delivered
}

// Connections 房間內的連線數
func (r *Registry) Connections(roomCode string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomCode])
}

// Stats 每個房間的連線數
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]int, len(r.rooms))
	for code, conns := range r.rooms {
		result[code] = len(conns)
	}
	return result
}

// Close 清空註冊中心，之後的 Register 回傳 ErrRegistryClosed
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.rooms = make(map[string]map[Sender]struct{})
	r.logger.Info("連線註冊中心已關閉")
}
