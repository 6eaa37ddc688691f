package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// PlayerView 快照中的一位玩家：公開資料 + 房間狀態 + 遊戲狀態
type PlayerView struct {
	Profile
	IsHost    bool   `json:"is_host"`
	IsReady   bool   `json:"is_ready"`
	HP        int    `json:"hp"`
	MaxHP     int    `json:"max_hp"`
	Inventory []Item `json:"inventory"`
}

// RoomSnapshot 房間完整狀態，每次變更後重新計算，從不快取
type RoomSnapshot struct {
	RoomCode     string       `json:"room_code"`
	HostUserCode string       `json:"host_user_code"`
	Name         string       `json:"name"`
	IsPublic     bool         `json:"is_public"`
	CreatedAt    time.Time    `json:"created_at"`
	CampaignID   string       `json:"campaign_id,omitempty"`
	ReadyPlayers []string     `json:"ready_players"`
	Players      []PlayerView `json:"players"`
	Journal      *Journal     `json:"journal,omitempty"`
	LobbyChat    []Message    `json:"lobby_chat,omitempty"`
}

// MarshalJSON 固定帶上 type
func (s RoomSnapshot) MarshalJSON() ([]byte, error) {
	type alias RoomSnapshot
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeRoomState, alias(s)})
}

// Snapshotter 組合房間、戰役與玩家資料
type Snapshotter struct {
	manager   *Manager
	campaigns *CampaignService
	profiles  *Profiles
	logger    *slog.Logger
}

// NewSnapshotter 創建快照產生器
func NewSnapshotter(manager *Manager, campaigns *CampaignService, profiles *Profiles, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		manager:   manager,
		campaigns: campaigns,
		profiles:  profiles,
		logger:    logger,
	}
}

// Build 計算房間快照
//
// 房間不存在回傳 NotFound。缺少資料的玩家不出現在 players 中；
// 連結的戰役不存在時，玩家使用預設狀態、不帶日誌。
func (s *Snapshotter) Build(ctx context.Context, code string) (*RoomSnapshot, error) {
	room, err := s.manager.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}

	snap := &RoomSnapshot{
		RoomCode:     room.Code,
		HostUserCode: room.HostUserCode,
		Name:         room.Name,
		IsPublic:     room.IsPublic,
		CreatedAt:    room.CreatedAt,
		CampaignID:   room.CampaignID,
		ReadyPlayers: append([]string{}, room.ReadyPlayers...),
		Players:      make([]PlayerView, 0, len(room.Players)),
	}

	var meta *CampaignMeta
	if room.CampaignID != "" {
		meta, err = s.campaigns.Meta(ctx, room.HostUserCode, room.CampaignID)
		if err != nil && !apperrors.IsNotFound(err) {
			return nil, err
		}
		journal, err := s.campaigns.Journal(ctx, room.HostUserCode, room.CampaignID)
		if err != nil && !apperrors.IsNotFound(err) {
			return nil, err
		}
		snap.Journal = journal
	} else {
		chat, err := s.manager.LobbyMessages(ctx, room.Code)
		if err != nil {
			return nil, err
		}
		snap.LobbyChat = chat
	}

	for _, userCode := range room.Players {
		profile, err := s.profiles.Get(ctx, userCode)
		if err != nil {
			if !apperrors.IsNotFound(err) {
				return nil, err
			}
			s.logger.Debug("玩家資料不存在，略過",
				"room_code", room.Code,
				"user_code", userCode)
			continue
		}
		state := meta.StateOf(userCode)
		snap.Players = append(snap.Players, PlayerView{
			Profile:   *profile,
			IsHost:    userCode == room.HostUserCode,
			IsReady:   room.IsReady(userCode),
			HP:        state.HP,
			MaxHP:     state.MaxHP,
			Inventory: state.Inventory,
		})
	}

	return snap, nil
}
