package internal_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/14-session-coordinator/internal"
	"github.com/koopa0/system-design/14-session-coordinator/internal/store"
	apperrors "github.com/koopa0/system-design/14-session-coordinator/pkg/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProfiles_Get 讀取、缺少與損壞的玩家資料
func TestProfiles_Get(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.profiles.Put(ctx, &internal.Profile{
		ID:        uuid.NewString(),
		UserCode:  hostCode,
		Username:  "alice",
		AvatarURL: lo.ToPtr("https://example.com/a.png"),
	}))

	profile, err := env.profiles.Get(ctx, hostCode)
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.Username)
	require.NotNil(t, profile.AvatarURL)

	_, err = env.profiles.Get(ctx, guestCode)
	assert.ErrorIs(t, err, apperrors.ErrProfileNotFound)

	_, err = env.profiles.Get(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, apperrors.ErrProfileNotFound)

	// 損壞的文件視為不存在
	key, err := store.ProfileKey(thirdCode)
	require.NoError(t, err)
	require.NoError(t, env.store.Transact(ctx, key, func([]byte) ([]byte, error) {
		return []byte("{not json"), nil
	}))
	_, err = env.profiles.Get(ctx, thirdCode)
	assert.ErrorIs(t, err, apperrors.ErrProfileNotFound)

	err = env.profiles.Put(ctx, &internal.Profile{UserCode: "nobody"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidUserCode)
}

// TestProfiles_DisplayName 沒有資料時退回 user_code
func TestProfiles_DisplayName(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.putProfile(t, hostCode, "alice")
	env.putProfile(t, guestCode, "")

	assert.Equal(t, "alice", env.profiles.DisplayName(ctx, hostCode))
	assert.Equal(t, guestCode, env.profiles.DisplayName(ctx, guestCode))
	assert.Equal(t, thirdCode, env.profiles.DisplayName(ctx, thirdCode))
}
