package internal

import (
	"context"
	"time"

	"github.com/koopa0/system-design/14-session-coordinator/internal/store"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
)

// Profile 玩家公開資料（由帳號服務寫入，這裡唯讀）
type Profile struct {
	ID        string    `json:"id"`
	UserCode  string    `json:"user_code"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	AvatarURL *string   `json:"avatar_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Profiles 讀取玩家資料
type Profiles struct {
	store store.Store
}

// NewProfiles 創建玩家資料讀取器
func NewProfiles(s store.Store) *Profiles {
	return &Profiles{store: s}
}

// Get 讀取玩家資料；不存在或損壞時回傳 ErrProfileNotFound
func (p *Profiles) Get(ctx context.Context, userCode string) (*Profile, error) {
	key, err := store.ProfileKey(userCode)
	if err != nil {
		return nil, apperrors.ErrProfileNotFound
	}
	profile, err := store.ReadJSON[Profile](ctx, p.store, key)
	if err != nil {
		return nil, translateStoreErr(err, apperrors.ErrProfileNotFound)
	}
	return profile, nil
}

// Put 寫入玩家資料（帳號服務與測試用）
func (p *Profiles) Put(ctx context.Context, profile *Profile) error {
	key, err := store.ProfileKey(profile.UserCode)
	if err != nil {
		return apperrors.ErrInvalidUserCode
	}
	return translateStoreErr(store.WriteJSON(ctx, p.store, key, profile), apperrors.ErrProfileNotFound)
}

// DisplayName 聊天訊息使用的名稱，沒有資料時退回 user_code
func (p *Profiles) DisplayName(ctx context.Context, userCode string) string {
	profile, err := p.Get(ctx, userCode)
	if err != nil || profile.Username == "" {
		return userCode
	}
	return profile.Username
}
