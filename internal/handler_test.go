package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/14-session-coordinator/internal"
	"github.com/koopa0/system-design/14-session-coordinator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) BroadcastSnapshot(ctx context.Context, roomCode string) {
	m.Called(ctx, roomCode)
}

// busyStore 每次交易都回報鎖競爭
type busyStore struct {
	store.Store
}

func (busyStore) Transact(context.Context, store.Key, store.Mutator) error {
	return store.ErrBusy
}

func newTestHandler(t *testing.T) (*testEnv, *mockNotifier, http.Handler) {
	t.Helper()
	env := newTestEnv(t)
	notifier := &mockNotifier{}
	notifier.On("BroadcastSnapshot", mock.Anything, mock.Anything).Return()
	handler := internal.NewHandler(env.manager, env.campaigns, env.snapshots, notifier, env.registry, testLogger())
	return env, notifier, handler.Routes()
}

// doRequest 送出請求；body 為 string 時原樣送出，其餘編碼為 JSON
func doRequest(t *testing.T, router http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(internal.UserCodeHeader, user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func createRoomVia(t *testing.T, router http.Handler, host string, public bool) *internal.RoomSnapshot {
	t.Helper()
	w := doRequest(t, router, http.MethodPost, "/api/rooms", host, map[string]any{"name": "房間", "is_public": public})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	snap := decodeBody[internal.RoomSnapshot](t, w)
	return &snap
}

// TestHandler_CreateRoom 測試創建房間 API
func TestHandler_CreateRoom(t *testing.T) {
	tests := []struct {
		name           string
		user           string
		body           any
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "create room successfully",
			user:           hostCode,
			body:           map[string]any{"name": "測試房間", "is_public": true},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "name is optional",
			user:           hostCode,
			body:           map[string]any{},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "missing user header",
			body:           map[string]any{"name": "x"},
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "UNAUTHORIZED",
		},
		{
			name:           "user header is not a uuid",
			user:           "alice",
			body:           map[string]any{"name": "x"},
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "UNAUTHORIZED",
		},
		{
			name:           "malformed json",
			user:           hostCode,
			body:           `{"name":`,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_INPUT",
		},
		{
			name:           "name too long",
			user:           hostCode,
			body:           map[string]any{"name": strings.Repeat("長", 121)},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_INPUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, router := newTestHandler(t)

			w := doRequest(t, router, http.MethodPost, "/api/rooms", tt.user, tt.body)
			require.Equal(t, tt.expectedStatus, w.Code, w.Body.String())

			if tt.expectedCode != "" {
				resp := decodeBody[map[string]any](t, w)
				assert.Equal(t, tt.expectedCode, resp["code"])
				assert.NotEmpty(t, resp["error"])
				return
			}

			resp := decodeBody[map[string]any](t, w)
			assert.Equal(t, "room_state", resp["type"])
			assert.Regexp(t, roomCodeRe, resp["room_code"])
			assert.Equal(t, tt.user, resp["host_user_code"])
			assert.Len(t, resp["players"], 0) // 房主沒有玩家資料
		})
	}
}

// TestHandler_JoinRoom 以代碼加入房間
func TestHandler_JoinRoom(t *testing.T) {
	env, notifier, router := newTestHandler(t)
	host := env.newUser(t, "alice")
	guest := env.newUser(t, "bob")
	room := createRoomVia(t, router, host, false)

	t.Run("lowercase code", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, "/api/rooms/join", guest,
			map[string]string{"room_code": strings.ToLower(room.RoomCode)})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		snap := decodeBody[internal.RoomSnapshot](t, w)
		assert.Equal(t, room.RoomCode, snap.RoomCode)
		assert.Len(t, snap.Players, 2)
		notifier.AssertCalled(t, "BroadcastSnapshot", mock.Anything, room.RoomCode)
	})

	t.Run("join twice is idempotent", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, "/api/rooms/join", guest,
			map[string]string{"room_code": room.RoomCode})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decodeBody[internal.RoomSnapshot](t, w).Players, 2)
	})

	errorCases := []struct {
		name           string
		body           any
		expectedStatus int
	}{
		{"unknown room", map[string]string{"room_code": "QQQQ"}, http.StatusNotFound},
		{"missing code", map[string]string{}, http.StatusBadRequest},
		{"code with symbols", map[string]string{"room_code": "AB-CD"}, http.StatusBadRequest},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, router, http.MethodPost, "/api/rooms/join", guest, tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
		})
	}
}

// TestHandler_GetRoom 唯讀快照，不需要身分
func TestHandler_GetRoom(t *testing.T) {
	env, _, router := newTestHandler(t)
	host := env.newUser(t, "alice")
	room := createRoomVia(t, router, host, false)

	w := doRequest(t, router, http.MethodGet, "/api/rooms/"+strings.ToLower(room.RoomCode), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decodeBody[internal.RoomSnapshot](t, w)
	assert.Equal(t, room.RoomCode, snap.RoomCode)
	require.Len(t, snap.Players, 1)
	assert.Equal(t, "alice", snap.Players[0].Username)
	assert.True(t, snap.Players[0].IsHost)

	w = doRequest(t, router, http.MethodGet, "/api/rooms/QQQQ", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody[map[string]any](t, w)["code"])
}

// TestHandler_ListPublicRooms 只列出公開房間
func TestHandler_ListPublicRooms(t *testing.T) {
	_, _, router := newTestHandler(t)

	w := doRequest(t, router, http.MethodGet, "/api/rooms/public", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[[]internal.Room](t, w))

	public := createRoomVia(t, router, hostCode, true)
	createRoomVia(t, router, guestCode, false)

	w = doRequest(t, router, http.MethodGet, "/api/rooms/public", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rooms := decodeBody[[]internal.Room](t, w)
	require.Len(t, rooms, 1)
	assert.Equal(t, public.RoomCode, rooms[0].Code)
}

// TestHandler_LeaveRoom 離開房間並通知即時連線
func TestHandler_LeaveRoom(t *testing.T) {
	env, notifier, router := newTestHandler(t)
	room := createRoomVia(t, router, hostCode, false)
	_, err := env.manager.JoinRoom(context.Background(), room.RoomCode, guestCode)
	require.NoError(t, err)

	w := doRequest(t, router, http.MethodPost, "/api/rooms/"+room.RoomCode+"/leave", guestCode, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[map[string]any](t, w)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, room.RoomCode, resp["room_code"])
	notifier.AssertCalled(t, "BroadcastSnapshot", mock.Anything, room.RoomCode)

	stored, err := env.manager.GetRoom(context.Background(), room.RoomCode)
	require.NoError(t, err)
	assert.Equal(t, []string{hostCode}, stored.Players)

	w = doRequest(t, router, http.MethodPost, "/api/rooms/QQQQ/leave", guestCode, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, router, http.MethodPost, "/api/rooms/"+room.RoomCode+"/leave", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestHandler_AttachCampaign 只有房主可以連結戰役
func TestHandler_AttachCampaign(t *testing.T) {
	env, _, router := newTestHandler(t)
	host := env.newUser(t, "alice")
	guest := env.newUser(t, "bob")
	room := createRoomVia(t, router, host, false)
	_, err := env.manager.JoinRoom(context.Background(), room.RoomCode, guest)
	require.NoError(t, err)

	meta, err := env.campaigns.Create(context.Background(), host, internal.CreateCampaignInput{Name: "龍之谷"})
	require.NoError(t, err)
	path := "/api/rooms/" + room.RoomCode + "/campaign"

	tests := []struct {
		name           string
		user           string
		campaignID     string
		expectedStatus int
	}{
		{"non host", guest, meta.ID, http.StatusForbidden},
		{"not a uuid", host, "dragon", http.StatusBadRequest},
		{"unknown campaign", host, uuid.NewString(), http.StatusNotFound},
		{"host attaches", host, meta.ID, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, router, http.MethodPost, path, tt.user, map[string]string{"campaign_id": tt.campaignID})
			require.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if tt.expectedStatus != http.StatusOK {
				return
			}
			snap := decodeBody[internal.RoomSnapshot](t, w)
			assert.Equal(t, meta.ID, snap.CampaignID)
			require.NotNil(t, snap.Journal)
			assert.Len(t, snap.Players, 2)
		})
	}
}

// TestHandler_CampaignLifecycle 創建、列出、日誌、存檔、刪除
func TestHandler_CampaignLifecycle(t *testing.T) {
	_, _, router := newTestHandler(t)

	w := doRequest(t, router, http.MethodPost, "/api/campaigns", hostCode, map[string]string{"name": "龍之谷"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	meta := decodeBody[internal.CampaignMeta](t, w)
	assert.Equal(t, internal.DefaultTone, meta.Tone)
	base := "/api/campaigns/" + meta.ID

	w = doRequest(t, router, http.MethodPost, "/api/campaigns", hostCode, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, router, http.MethodGet, "/api/campaigns", hostCode, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]internal.CampaignMeta](t, w), 1)

	// 其他玩家看不到
	w = doRequest(t, router, http.MethodGet, "/api/campaigns", guestCode, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[[]internal.CampaignMeta](t, w))
	w = doRequest(t, router, http.MethodGet, base, guestCode, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	t.Run("journal", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, base+"/journal", hostCode,
			map[string]any{"message": map[string]string{"role": "assistant", "content": "你們站在洞口"}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		journal := decodeBody[internal.Journal](t, w)
		require.Len(t, journal.Entries, 1)
		assert.Equal(t, "assistant", journal.Entries[0].Role)
		assert.NotEmpty(t, journal.Entries[0].ID)

		w = doRequest(t, router, http.MethodPost, base+"/journal", hostCode,
			map[string]any{"message": map[string]string{"role": "narrator", "content": "x"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("details", func(t *testing.T) {
		w := doRequest(t, router, http.MethodGet, base, hostCode, nil)
		require.Equal(t, http.StatusOK, w.Code)
		details := decodeBody[internal.CampaignDetails](t, w)
		assert.Equal(t, meta.ID, details.Meta.ID)
		assert.Len(t, details.Journal.Entries, 1)
	})

	t.Run("checkpoint", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, base+"/checkpoint", hostCode, nil)
		require.Equal(t, http.StatusCreated, w.Code)
		resp := decodeBody[map[string]any](t, w)
		assert.Equal(t, true, resp["success"])
		assert.Contains(t, resp["checkpoint"], "/checkpoints/")
	})

	t.Run("delete", func(t *testing.T) {
		w := doRequest(t, router, http.MethodDelete, base, hostCode, nil)
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.Bytes())

		w = doRequest(t, router, http.MethodGet, base, hostCode, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		w = doRequest(t, router, http.MethodDelete, base, hostCode, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

// TestHandler_HealthAndStats 健康檢查與統計
func TestHandler_HealthAndStats(t *testing.T) {
	env, _, router := newTestHandler(t)

	w := doRequest(t, router, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeBody[map[string]any](t, w)
	assert.Equal(t, "healthy", health["status"])
	assert.InDelta(t, float64(time.Now().Unix()), health["time"], 5)

	room := createRoomVia(t, router, hostCode, true)
	_, err := env.manager.JoinRoom(context.Background(), room.RoomCode, guestCode)
	require.NoError(t, err)
	require.NoError(t, env.registry.Register(&countingSender{}, room.RoomCode))

	w = doRequest(t, router, http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Rooms       internal.RoomStats `json:"rooms"`
		Connections map[string]int     `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, internal.RoomStats{TotalRooms: 1, PublicRooms: 1, TotalPlayers: 2}, stats.Rooms)
	assert.Equal(t, map[string]int{room.RoomCode: 1}, stats.Connections)
}

// TestHandler_RecoversFromPanic handler panic 時回應 500 而不是中斷連線
func TestHandler_RecoversFromPanic(t *testing.T) {
	env := newTestEnv(t)
	handler := internal.NewHandler(env.manager, env.campaigns, nil, &mockNotifier{}, env.registry, testLogger())
	router := handler.Routes()

	w := doRequest(t, router, http.MethodGet, "/api/rooms/ABCD", "", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeBody[map[string]any](t, w)["code"])
}

// TestHandler_BusyStore 鎖競爭重試耗盡後回應 503 並帶 Retry-After
func TestHandler_BusyStore(t *testing.T) {
	base := newTestEnv(t)
	s := busyStore{Store: base.store}
	logger := testLogger()
	retry := internal.RetryPolicy{Attempts: 1, Backoff: time.Millisecond}

	profiles := internal.NewProfiles(s)
	campaigns := internal.NewCampaignService(s, retry, logger)
	manager := internal.NewManager(s, campaigns, profiles, internal.ManagerConfig{Retry: retry}, logger)
	snapshots := internal.NewSnapshotter(manager, campaigns, profiles, logger)
	router := internal.NewHandler(manager, campaigns, snapshots, &mockNotifier{}, internal.NewRegistry(logger), logger).Routes()

	w := doRequest(t, router, http.MethodPost, "/api/rooms", hostCode, map[string]any{"name": "x"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "BUSY", decodeBody[map[string]any](t, w)["code"])

	// 唯讀端點不經過交易
	w = doRequest(t, router, http.MethodGet, "/api/rooms/public", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
