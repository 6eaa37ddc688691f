package internal

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/14-session-coordinator/internal/store"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

const (
	// DefaultHP 尚無紀錄的玩家預設生命值
	DefaultHP = 20

	DefaultTone       = "epic_fantasy"
	DefaultDifficulty = "medium"
	StatusActive      = "active"
)

// Item 背包物品
type Item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Uses *int   `json:"uses,omitempty"`
}

// PlayerState 玩家在某個戰役中的狀態
type PlayerState struct {
	HP        int    `json:"hp"`
	MaxHP     int    `json:"max_hp"`
	Inventory []Item `json:"inventory"`
}

// DefaultPlayerState hp = max_hp = 20，空背包
func DefaultPlayerState() PlayerState {
	return PlayerState{HP: DefaultHP, MaxHP: DefaultHP, Inventory: []Item{}}
}

// CampaignMeta 戰役中繼資料，由房主擁有
type CampaignMeta struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Tone         string                 `json:"tone"`
	Difficulty   string                 `json:"difficulty"`
	HostUserCode string                 `json:"host_user_code"`
	Status       string                 `json:"status"`
	PlayerStates map[string]PlayerState `json:"player_states"`
	CreatedAt    time.Time              `json:"created_at"`
}

// StateOf 取得玩家狀態；沒有紀錄時回傳預設值（讀取時補齊）
func (m *CampaignMeta) StateOf(userCode string) PlayerState {
	if m == nil {
		return DefaultPlayerState()
	}
	st, ok := m.PlayerStates[userCode]
	if !ok {
		return DefaultPlayerState()
	}
	if st.Inventory == nil {
		st.Inventory = []Item{}
	}
	return st
}

// Message 日誌或聊天訊息
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Sender    string    `json:"sender,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal 只能附加的訊息紀錄
type Journal struct {
	Entries   []Message `json:"entries"`
	LobbyChat []Message `json:"lobby_chat"`
}

// CampaignDetails 中繼資料 + 日誌
type CampaignDetails struct {
	Meta    *CampaignMeta `json:"meta"`
	Journal *Journal      `json:"journal"`
}

// Checkpoint 存檔點內容
type Checkpoint struct {
	Timestamp time.Time     `json:"timestamp"`
	Meta      *CampaignMeta `json:"meta_state"`
	Journal   *Journal      `json:"journal_state"`
}

// CreateCampaignInput 創建戰役參數
type CreateCampaignInput struct {
	Name       string `json:"name" validate:"required,max=120"`
	Tone       string `json:"tone" validate:"omitempty,max=60"`
	Difficulty string `json:"difficulty" validate:"omitempty,max=60"`
}

// CampaignService 戰役文件的讀寫
//
// 每份文件（meta、journal）各自有鎖，沒有跨文件交易。
type CampaignService struct {
	store  store.Store
	retry  RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewCampaignService 創建戰役服務
func NewCampaignService(s store.Store, retry RetryPolicy, logger *slog.Logger) *CampaignService {
	return &CampaignService{
		store:  s,
		retry:  retry,
		logger: logger,
		now:    time.Now,
	}
}

// Create 建立中繼資料與空日誌
func (c *CampaignService) Create(ctx context.Context, hostUserCode string, in CreateCampaignInput) (*CampaignMeta, error) {
	if in.Tone == "" {
		in.Tone = DefaultTone
	}
	if in.Difficulty == "" {
		in.Difficulty = DefaultDifficulty
	}

	meta := &CampaignMeta{
		ID:           uuid.NewString(),
		Name:         in.Name,
		Tone:         in.Tone,
		Difficulty:   in.Difficulty,
		HostUserCode: hostUserCode,
		Status:       StatusActive,
		PlayerStates: map[string]PlayerState{},
		CreatedAt:    c.now().UTC(),
	}

	metaKey, err := store.CampaignMetaKey(hostUserCode, meta.ID)
	if err != nil {
		return nil, apperrors.ErrInvalidUserCode
	}
	journalKey, err := store.CampaignJournalKey(hostUserCode, meta.ID)
	if err != nil {
		return nil, apperrors.ErrInvalidUserCode
	}

	if err := store.WriteJSON(ctx, c.store, metaKey, meta); err != nil {
		return nil, translateStoreErr(err, apperrors.ErrCampaignNotFound)
	}
	if err := store.WriteJSON(ctx, c.store, journalKey, &Journal{Entries: []Message{}, LobbyChat: []Message{}}); err != nil {
		return nil, translateStoreErr(err, apperrors.ErrCampaignNotFound)
	}

	c.logger.Info("戰役已創建",
		"campaign_id", meta.ID,
		"host_user_code", hostUserCode,
		"name", meta.Name)

	return meta, nil
}

// List 列出房主的所有戰役（依建立時間排序）
func (c *CampaignService) List(ctx context.Context, hostUserCode string) ([]*CampaignMeta, error) {
	prefix, err := store.CampaignsPrefix(hostUserCode)
	if err != nil {
		return nil, apperrors.ErrInvalidUserCode
	}
	keys, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, translateStoreErr(err, apperrors.ErrCampaignNotFound)
	}

	metas := make([]*CampaignMeta, 0, len(keys))
	for _, key := range keys {
		if !key.IsMeta() {
			continue
		}
		meta, err := store.ReadJSON[CampaignMeta](ctx, c.store, key)
		if err != nil {
			// 損壞或同時被刪除的戰役直接略過
			continue
		}
		metas = append(metas, meta)
	}

	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].CreatedAt.Before(metas[j].CreatedAt)
	})
	return metas, nil
}

// Meta 讀取戰役中繼資料
func (c *CampaignService) Meta(ctx context.Context, hostUserCode, campaignID string) (*CampaignMeta, error) {
	key, err := store.CampaignMetaKey(hostUserCode, campaignID)
	if err != nil {
		return nil, apperrors.ErrCampaignNotFound
	}
	meta, err := store.ReadJSON[CampaignMeta](ctx, c.store, key)
	if err != nil {
		return nil, translateStoreErr(err, apperrors.ErrCampaignNotFound)
	}
	return meta, nil
}

// Journal 讀取戰役日誌
func (c *CampaignService) Journal(ctx context.Context, hostUserCode, campaignID string) (*Journal, error) {
	key, err := store.CampaignJournalKey(hostUserCode, campaignID)
	if err != nil {
		return nil, apperrors.ErrCampaignNotFound
	}
	journal, err := store.ReadJSON[Journal](ctx, c.store, key)
	if err != nil {
		return nil, translateStoreErr(err, apperrors.ErrCampaignNotFound)
	}
	return journal, nil
}

// Get 讀取中繼資料與日誌，任一不存在即視為戰役不存在
func (c *CampaignService) Get(ctx context.Context, hostUserCode, campaignID string) (*CampaignDetails, error) {
	meta, err := c.Meta(ctx, hostUserCode, campaignID)
	if err != nil {
		return nil, err
	}
	journal, err := c.Journal(ctx, hostUserCode, campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Meta: meta, Journal: journal}, nil
}

// AppendEntry 附加一則遊戲日誌
func (c *CampaignService) AppendEntry(ctx context.Context, hostUserCode, campaignID string, msg Message) (*Journal, error) {
	return c.appendJournal(ctx, hostUserCode, campaignID, msg, false)
}

// AppendLobbyChat 附加一則大廳聊天
func (c *CampaignService) AppendLobbyChat(ctx context.Context, hostUserCode, campaignID string, msg Message) (*Journal, error) {
	return c.appendJournal(ctx, hostUserCode, campaignID, msg, true)
}

func (c *CampaignService) appendJournal(ctx context.Context, hostUserCode, campaignID string, msg Message, lobby bool) (*Journal, error) {
	key, err := store.CampaignJournalKey(hostUserCode, campaignID)
	if err != nil {
		return nil, apperrors.ErrCampaignNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now().UTC()
	}

	var journal *Journal
	err = c.retry.Do(ctx, func() error {
		var err error
		journal, err = store.TransactJSON(ctx, c.store, key, func(j *Journal, exists bool) error {
			if !exists {
				return apperrors.ErrCampaignNotFound
			}
			if lobby {
				j.LobbyChat = append(j.LobbyChat, msg)
			} else {
				j.Entries = append(j.Entries, msg)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, translateStoreErr(err, apperrors.ErrCampaignNotFound)
	}
	return journal, nil
}

// InitPlayerState 玩家尚無狀態時寫入預設值。回傳是否真的寫入。
//
// 這是獨立於房間索引的另一個交易；兩者之間崩潰只會讓玩家沒有紀錄，
// 讀取時由 StateOf 補上預設值。
func (c *CampaignService) InitPlayerState(ctx context.Context, hostUserCode, campaignID string, userCodes ...string) (bool, error) {
	key, err := store.CampaignMetaKey(hostUserCode, campaignID)
	if err != nil {
		return false, apperrors.ErrCampaignNotFound
	}

	created := false
	err = c.retry.Do(ctx, func() error {
		_, err := store.TransactJSON(ctx, c.store, key, func(meta *CampaignMeta, exists bool) error {
			if !exists {
				return apperrors.ErrCampaignNotFound
			}
			created = false
			if meta.PlayerStates == nil {
				meta.PlayerStates = map[string]PlayerState{}
			}
			for _, u := range userCodes {
				if _, ok := meta.PlayerStates[u]; !ok {
					meta.PlayerStates[u] = DefaultPlayerState()
					created = true
				}
			}
			return nil
		})
		return err
	})
	if err != nil {
		return false, translateStoreErr(err, apperrors.ErrCampaignNotFound)
	}
	return created, nil
}

// Checkpoint 將目前的中繼資料與日誌另存為時間戳檔案
func (c *CampaignService) Checkpoint(ctx context.Context, hostUserCode, campaignID string) (store.Key, error) {
	details, err := c.Get(ctx, hostUserCode, campaignID)
	if err != nil {
		return "", err
	}

	now := c.now().UTC()
	key, err := store.CheckpointKey(hostUserCode, campaignID, now)
	if err != nil {
		return "", apperrors.ErrCampaignNotFound
	}
	cp := Checkpoint{Timestamp: now, Meta: details.Meta, Journal: details.Journal}
	if err := store.WriteJSON(ctx, c.store, key, cp); err != nil {
		return "", translateStoreErr(err, apperrors.ErrCampaignNotFound)
	}

	c.logger.Info("戰役存檔點已建立", "campaign_id", campaignID, "key", key)
	return key, nil
}

// Delete 刪除整個戰役子樹
func (c *CampaignService) Delete(ctx context.Context, hostUserCode, campaignID string) error {
	if _, err := c.Meta(ctx, hostUserCode, campaignID); err != nil {
		return err
	}
	prefix, err := store.CampaignPrefix(hostUserCode, campaignID)
	if err != nil {
		return apperrors.ErrCampaignNotFound
	}
	if err := c.store.DeleteTree(ctx, prefix); err != nil {
		return translateStoreErr(err, apperrors.ErrCampaignNotFound)
	}

	c.logger.Info("戰役已刪除", "campaign_id", campaignID, "host_user_code", hostUserCode)
	return nil
}

// translateStoreErr 將儲存層錯誤轉為應用錯誤
func translateStoreErr(err error, notFound *apperrors.AppError) error {
	var appErr *apperrors.AppError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, store.ErrNotFound):
		return notFound
	case errors.Is(err, store.ErrBusy):
		return apperrors.Wrap(err, apperrors.ErrCodeBusy, "resource busy, retry later")
	case errors.Is(err, store.ErrInvalidKey):
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid identifier")
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "storage failure")
	}
}
