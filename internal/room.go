package internal

import (
	"time"

	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
	"github.com/samber/lo"
)

// 系統設計問題：
//   多個玩家同時加入、準備、離開同一個房間時，如何保證房間狀態不遺失更新？
//
// 核心挑戰：
//   1. 狀態管理：房間只在 Lobby 狀態持久化，Starting 只是一次性廣播
//   2. 並發控制：不同連線的事件可任意交錯，必須在儲存層的鍵鎖內序列化
//   3. 集合語意：players 與 ready_players 為有序、無重複的集合
//
// 設計方案：
//   ✅ Room 方法皆為純函數式狀態轉換（不持鎖、不做 I/O）
//   ✅ Manager 在 store.TransactJSON 內呼叫這些方法（讀取 → 轉換 → 寫回）
//   ✅ 房間索引以 room_code 為鍵（O(1) 查找）

// RoomPhase 房間階段
//
// 狀態機：
//
//	lobby ──(房主 start，全員準備)──▶ starting（僅廣播，不持久化）
//
// 持久化的房間紀錄永遠是 lobby 形狀；下游不可依賴紀錄表示「已開始」。
type RoomPhase string

const (
	PhaseLobby    RoomPhase = "lobby"
	PhaseStarting RoomPhase = "starting"
)

// Room 持久化的房間紀錄
type Room struct {
	Code         string    `json:"room_code"`
	HostUserCode string    `json:"host_user_code"`
	Name         string    `json:"name"`
	IsPublic     bool      `json:"is_public"`
	Players      []string  `json:"players"`
	ReadyPlayers []string  `json:"ready_players"`
	CampaignID   string    `json:"campaign_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RoomIndex 房間索引文件（rooms.json），以 room_code 為鍵
type RoomIndex struct {
	Rooms map[string]*Room `json:"rooms"`
}

// NewRoom 創建新房間，房主即第一位玩家
func NewRoom(code, hostUserCode, name string, isPublic bool, now time.Time) *Room {
	return &Room{
		Code:         code,
		HostUserCode: hostUserCode,
		Name:         name,
		IsPublic:     isPublic,
		Players:      []string{hostUserCode},
		ReadyPlayers: []string{},
		CreatedAt:    now.UTC(),
	}
}

// IsMember 是否為房間成員
func (r *Room) IsMember(userCode string) bool {
	return lo.Contains(r.Players, userCode)
}

// IsReady 是否已準備
func (r *Room) IsReady(userCode string) bool {
	return lo.Contains(r.ReadyPlayers, userCode)
}

// AddPlayer 加入玩家（冪等）。回傳是否真的新增。
func (r *Room) AddPlayer(userCode string) bool {
	if r.IsMember(userCode) {
		return false
	}
	r.Players = append(r.Players, userCode)
	return true
}

// RemovePlayer 從 players 與 ready_players 移除玩家。
//
// 房主離開時不轉移房主（host_user_code 保持原值）。
func (r *Room) RemovePlayer(userCode string) bool {
	if !r.IsMember(userCode) && !r.IsReady(userCode) {
		return false
	}
	r.Players = lo.Without(r.Players, userCode)
	r.ReadyPlayers = lo.Without(r.ReadyPlayers, userCode)
	return true
}

// ToggleReady 切換準備狀態，連續兩次回到原狀態。回傳切換後是否準備。
func (r *Room) ToggleReady(userCode string) (bool, error) {
	if !r.IsMember(userCode) {
		return false, apperrors.ErrNotMember
	}
	if r.IsReady(userCode) {
		r.ReadyPlayers = lo.Without(r.ReadyPlayers, userCode)
		return false, nil
	}
	r.ReadyPlayers = append(r.ReadyPlayers, userCode)
	return true, nil
}

// AllReady players 與 ready_players 集合相等（不計順序）
func (r *Room) AllReady() bool {
	players := lo.Uniq(r.Players)
	ready := lo.Uniq(r.ReadyPlayers)
	if len(players) == 0 || len(players) != len(ready) {
		return false
	}
	return lo.Every(ready, players)
}

// CanStart 只有房主、且全員準備時可以開始
func (r *Room) CanStart(requester string) error {
	if requester != r.HostUserCode {
		return apperrors.ErrNotHost
	}
	if !r.AllReady() {
		return apperrors.ErrNotAllReady
	}
	return nil
}

// Clone 深拷貝，讓呼叫者拿到的值與交易內的文件無關
func (r *Room) Clone() *Room {
	c := *r
	c.Players = append([]string{}, r.Players...)
	c.ReadyPlayers = append([]string{}, r.ReadyPlayers...)
	return &c
}
