package internal

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/14-session-coordinator/internal/store"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RetryPolicy 遇到鎖競爭（ErrBusy）時的退避重試設定
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Do 執行 op，ErrBusy 時以指數退避重試
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	return store.Retry(ctx, p.Attempts, p.Backoff, op)
}

// ManagerConfig 房間管理器設定
type ManagerConfig struct {
	CodeLength      int
	MaxCodeAttempts int
	Retry           RetryPolicy
}

// LobbyLog 未連結戰役之房間的大廳聊天
type LobbyLog struct {
	Messages []Message `json:"messages"`
}

// Manager 房間管理器
//
// 所有狀態轉換都是 rooms.json 上的一個 store 交易；
// Manager 本身不持有房間狀態，也不需要自己的鎖。
type Manager struct {
	store     store.Store
	campaigns *CampaignService
	profiles  *Profiles
	cfg       ManagerConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager 創建房間管理器
func NewManager(s store.Store, campaigns *CampaignService, profiles *Profiles, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 4
	}
	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = 32
	}
	return &Manager{
		store:     s,
		campaigns: campaigns,
		profiles:  profiles,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// updateRoom 在房間索引的交易內修改單一房間。
// fn 在 store 鎖內執行，不可有外部副作用。
func (m *Manager) updateRoom(ctx context.Context, code string, fn func(room *Room) error) (*Room, error) {
	var updated *Room
	err := m.cfg.Retry.Do(ctx, func() error {
		_, err := store.TransactJSON(ctx, m.store, store.RoomsKey, func(idx *RoomIndex, exists bool) error {
			if !exists || idx.Rooms == nil {
				return apperrors.ErrRoomNotFound
			}
			room, ok := idx.Rooms[code]
			if !ok || room == nil {
				return apperrors.ErrRoomNotFound
			}
			if err := fn(room); err != nil {
				return err
			}
			updated = room.Clone()
			return nil
		})
		return err
	})
	if err != nil {
		return nil, translateStoreErr(err, apperrors.ErrRoomNotFound)
	}
	return updated, nil
}

// CreateRoom 創建房間，房主為第一位玩家
//
// 代碼在交易內對照所有既有房間產生，碰撞時重新產生（有上限）。
func (m *Manager) CreateRoom(ctx context.Context, hostUserCode, name string, isPublic bool) (*Room, error) {
	if _, err := uuid.Parse(hostUserCode); err != nil {
		return nil, apperrors.ErrInvalidUserCode
	}
	name = strings.TrimSpace(name)

	var created *Room
	err := m.cfg.Retry.Do(ctx, func() error {
		_, err := store.TransactJSON(ctx, m.store, store.RoomsKey, func(idx *RoomIndex, _ bool) error {
			if idx.Rooms == nil {
				idx.Rooms = map[string]*Room{}
			}
			code, err := m.allocateCode(idx)
			if err != nil {
				return err
			}
			room := NewRoom(code, hostUserCode, name, isPublic, m.now())
			idx.Rooms[code] = room
			created = room.Clone()
			return nil
		})
		return err
	})
	if err != nil {
		return nil, translateStoreErr(err, apperrors.ErrRoomNotFound)
	}

	m.logger.Info("房間已創建",
		"room_code", created.Code,
		"host_user_code", hostUserCode,
		"name", created.Name,
		"is_public", isPublic)

	return created, nil
}

func (m *Manager) allocateCode(idx *RoomIndex) (string, error) {
	for range m.cfg.MaxCodeAttempts {
		code, err := generateRoomCode(m.cfg.CodeLength)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "generate room code")
		}
		if _, taken := idx.Rooms[code]; !taken {
			return code, nil
		}
	}
	return "", apperrors.New(apperrors.ErrCodeBusy, "no free room code, retry later")
}

// generateRoomCode 由 A-Z0-9 組成的隨機代碼（拒絕取樣，避免取模偏差）
func generateRoomCode(length int) (string, error) {
	const limit = 252 // 36 * 7
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, roomCodeAlphabet[int(b)%len(roomCodeAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// NormalizeCode 房間代碼大小寫不敏感
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GetRoom 獲取房間
func (m *Manager) GetRoom(ctx context.Context, code string) (*Room, error) {
	idx, err := store.ReadJSON[RoomIndex](ctx, m.store, store.RoomsKey)
	if err != nil {
		return nil, translateStoreErr(err, apperrors.ErrRoomNotFound)
	}
	room, ok := idx.Rooms[NormalizeCode(code)]
	if !ok || room == nil {
		return nil, apperrors.ErrRoomNotFound
	}
	return room, nil
}

// ListPublicRooms 列出公開房間（依建立時間排序）
func (m *Manager) ListPublicRooms(ctx context.Context) ([]*Room, error) {
	idx, err := store.ReadJSON[RoomIndex](ctx, m.store, store.RoomsKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []*Room{}, nil
		}
		return nil, translateStoreErr(err, apperrors.ErrRoomNotFound)
	}

	rooms := make([]*Room, 0, len(idx.Rooms))
	for _, room := range idx.Rooms {
		if room != nil && room.IsPublic {
			rooms = append(rooms, room)
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].Code < rooms[j].Code
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}

// JoinRoom 加入房間（冪等）
//
// 房間連結戰役時，以另一個交易為新玩家寫入預設狀態；
// 這一步失敗只記錄，讀取時 StateOf 會補上預設值。
func (m *Manager) JoinRoom(ctx context.Context, code, userCode string) (*Room, error) {
	if _, err := uuid.Parse(userCode); err != nil {
		return nil, apperrors.ErrInvalidUserCode
	}
	code = NormalizeCode(code)

	added := false
	room, err := m.updateRoom(ctx, code, func(room *Room) error {
		added = room.AddPlayer(userCode)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if room.CampaignID != "" {
		if _, err := m.campaigns.InitPlayerState(ctx, room.HostUserCode, room.CampaignID, userCode); err != nil {
			m.logger.Warn("初始化玩家狀態失敗",
				"room_code", code,
				"campaign_id", room.CampaignID,
				"user_code", userCode,
				"error", err)
		}
	}

	if added {
		m.logger.Info("玩家加入房間", "room_code", code, "user_code", userCode)
	}
	return room, nil
}

// ToggleReady 切換準備狀態。回傳房間與切換後的狀態。
func (m *Manager) ToggleReady(ctx context.Context, code, userCode string) (*Room, bool, error) {
	ready := false
	room, err := m.updateRoom(ctx, NormalizeCode(code), func(room *Room) error {
		var err error
		ready, err = room.ToggleReady(userCode)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	m.logger.Debug("準備狀態切換",
		"room_code", room.Code,
		"user_code", userCode,
		"ready", ready)
	return room, ready, nil
}

// LeaveRoom 離開房間。房主離開不轉移房主。
func (m *Manager) LeaveRoom(ctx context.Context, code, userCode string) (*Room, error) {
	removed := false
	room, err := m.updateRoom(ctx, NormalizeCode(code), func(room *Room) error {
		removed = room.RemovePlayer(userCode)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if removed {
		m.logger.Info("玩家離開房間", "room_code", room.Code, "user_code", userCode)
	}
	return room, nil
}

// StartGame 檢查是否可以開始；成功時呼叫者廣播 game_starting。
// 房間紀錄不變（starting 不持久化）。
func (m *Manager) StartGame(ctx context.Context, code, requester string) (*Room, error) {
	room, err := m.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := room.CanStart(requester); err != nil {
		return nil, err
	}

	m.logger.Info("遊戲開始",
		"room_code", room.Code,
		"host_user_code", requester,
		"players", len(room.Players))
	return room, nil
}

// AttachCampaign 房主將戰役連結到房間，並為目前的玩家寫入預設狀態
func (m *Manager) AttachCampaign(ctx context.Context, code, requester, campaignID string) (*Room, error) {
	code = NormalizeCode(code)
	current, err := m.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	if current.HostUserCode != requester {
		return nil, apperrors.ErrNotHost
	}
	meta, err := m.campaigns.Meta(ctx, requester, campaignID)
	if err != nil {
		return nil, err
	}
	campaignID = meta.ID

	room, err := m.updateRoom(ctx, code, func(room *Room) error {
		if room.HostUserCode != requester {
			return apperrors.ErrNotHost
		}
		room.CampaignID = campaignID
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.campaigns.InitPlayerState(ctx, room.HostUserCode, campaignID, room.Players...); err != nil {
		m.logger.Warn("初始化玩家狀態失敗",
			"room_code", code,
			"campaign_id", campaignID,
			"error", err)
	}

	m.logger.Info("戰役已連結房間", "room_code", code, "campaign_id", campaignID)
	return room, nil
}

// PostChat 大廳聊天
//
// 發送者名稱由伺服器從玩家資料解析；訊息 id 與 UTC 時間戳也由伺服器產生。
// 連結戰役時附加到戰役日誌的 lobby_chat，否則附加到房間自己的大廳紀錄。
func (m *Manager) PostChat(ctx context.Context, code, userCode, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, apperrors.ErrInvalidInput.WithDetails("empty chat message")
	}

	room, err := m.GetRoom(ctx, code)
	if err != nil {
		return Message{}, err
	}
	if !room.IsMember(userCode) {
		return Message{}, apperrors.ErrNotMember
	}

	msg := Message{
		ID:        uuid.NewString(),
		Role:      "user",
		Sender:    m.profiles.DisplayName(ctx, userCode),
		Content:   text,
		Timestamp: m.now().UTC(),
	}

	if room.CampaignID != "" {
		if _, err := m.campaigns.AppendLobbyChat(ctx, room.HostUserCode, room.CampaignID, msg); err != nil {
			return Message{}, err
		}
		return msg, nil
	}

	key, err := store.LobbyKey(room.Code)
	if err != nil {
		return Message{}, apperrors.ErrRoomNotFound
	}
	err = m.cfg.Retry.Do(ctx, func() error {
		_, err := store.TransactJSON(ctx, m.store, key, func(log *LobbyLog, _ bool) error {
			log.Messages = append(log.Messages, msg)
			return nil
		})
		return err
	})
	if err != nil {
		return Message{}, translateStoreErr(err, apperrors.ErrRoomNotFound)
	}
	return msg, nil
}

// LobbyMessages 未連結戰役之房間的大廳紀錄；沒有紀錄時回傳空切片
func (m *Manager) LobbyMessages(ctx context.Context, code string) ([]Message, error) {
	key, err := store.LobbyKey(NormalizeCode(code))
	if err != nil {
		return nil, apperrors.ErrRoomNotFound
	}
	log, err := store.ReadJSON[LobbyLog](ctx, m.store, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []Message{}, nil
		}
		return nil, translateStoreErr(err, apperrors.ErrRoomNotFound)
	}
	return log.Messages, nil
}

// RoomStats 房間統計
type RoomStats struct {
	TotalRooms   int `json:"total_rooms"`
	PublicRooms  int `json:"public_rooms"`
	LinkedRooms  int `json:"linked_rooms"`
	TotalPlayers int `json:"total_players"`
	ReadyPlayers int `json:"ready_players"`
}

// Stats 獲取統計資訊
func (m *Manager) Stats(ctx context.Context) (RoomStats, error) {
	var stats RoomStats
	idx, err := store.ReadJSON[RoomIndex](ctx, m.store, store.RoomsKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return stats, nil
		}
		return stats, translateStoreErr(err, apperrors.ErrRoomNotFound)
	}

	for _, room := range idx.Rooms {
		if room == nil {
			continue
		}
		stats.TotalRooms++
		if room.IsPublic {
			stats.PublicRooms++
		}
		if room.CampaignID != "" {
			stats.LinkedRooms++
		}
		stats.TotalPlayers += len(room.Players)
		stats.ReadyPlayers += len(room.ReadyPlayers)
	}
	return stats, nil
}
