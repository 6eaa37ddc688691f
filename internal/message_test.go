package internal_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-session-coordinator/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecodeInbound 測試客戶端事件解碼
func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    internal.Inbound
		wantErr error
	}{
		{"chat", `{"type":"chat","text":"hello"}`, internal.ChatEvent{Text: "hello"}, nil},
		{"player ready", `{"type":"player_ready"}`, internal.ReadyToggleEvent{}, nil},
		{"ready toggle alias", `{"type":"ready_toggle"}`, internal.ReadyToggleEvent{}, nil},
		{"start game", `{"type":"start_game","extra":1}`, internal.StartGameEvent{}, nil},
		{"chat without text", `{"type":"chat"}`, nil, internal.ErrMalformedEvent},
		{"chat text too long", `{"type":"chat","text":"` + strings.Repeat("a", 2001) + `"}`, nil, internal.ErrMalformedEvent},
		{"chat text wrong type", `{"type":"chat","text":42}`, nil, internal.ErrMalformedEvent},
		{"missing type", `{"text":"hello"}`, nil, internal.ErrMalformedEvent},
		{"not json", `hello`, nil, internal.ErrMalformedEvent},
		{"unknown type", `{"type":"dance"}`, nil, internal.ErrUnknownEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := internal.DecodeInbound([]byte(tt.input))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestEncode 伺服器事件固定帶 type
func TestEncode(t *testing.T) {
	t.Run("game starting", func(t *testing.T) {
		data, err := internal.Encode(internal.GameStartingEvent{})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"game_starting"}`, string(data))
	})

	t.Run("new message", func(t *testing.T) {
		ts := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
		data, err := internal.Encode(internal.NewMessageFrom(internal.Message{
			ID:        "m1",
			Role:      "user",
			Sender:    "alice",
			Content:   "hi",
			Timestamp: ts,
		}))
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"type": "new_message",
			"id": "m1",
			"timestamp": "2026-05-06T07:08:09Z",
			"sender": "alice",
			"text": "hi"
		}`, string(data))
	})

	t.Run("room state", func(t *testing.T) {
		data, err := internal.Encode(internal.RoomSnapshot{
			RoomCode:     "ABCD",
			HostUserCode: hostCode,
			ReadyPlayers: []string{},
			Players:      []internal.PlayerView{},
		})
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, "room_state", got["type"])
		assert.Equal(t, "ABCD", got["room_code"])
		assert.Equal(t, hostCode, got["host_user_code"])
		assert.NotContains(t, got, "campaign_id")
		assert.NotContains(t, got, "journal")
	})
}
