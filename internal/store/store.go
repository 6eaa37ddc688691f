// Package store 提供以鍵定址的 JSON 文件儲存。
//
// 系統設計問題：
//
//	多個連線同時修改同一份房間清單時，如何避免更新遺失（lost update）？
//
// 核心挑戰：
//  1. 讀取與寫入之間的競爭：若鎖只包住寫入，兩個寫入者會以各自讀到的舊資料覆蓋對方
//  2. 部分寫入：讀取者不可看到寫到一半的文件
//  3. 損壞文件：單一損壞的 JSON 不能讓呼叫者崩潰
//
// 設計方案：
//   - Transact 在同一個以鍵為範圍的臨界區內完成「讀取 → 計算 → 寫入」
//   - 寫入先寫暫存檔再 rename（原子替換）
//   - 損壞文件一律視為不存在
//   - 取鎖逾時回傳 ErrBusy，由呼叫者退避重試
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound 文件不存在（或已損壞）
	ErrNotFound = errors.New("store: document not found")
	// ErrBusy 取鎖逾時
	ErrBusy = errors.New("store: lock acquisition timed out")
	// ErrInvalidKey 鍵格式錯誤或超出資料目錄
	ErrInvalidKey = errors.New("store: invalid key")
)

// Key 文件鍵，以 "/" 分隔的相對路徑
type Key string

// Mutator 接收目前內容（不存在時為 nil），回傳新內容。
// 回傳錯誤則放棄本次交易，不寫入任何資料。
type Mutator func(current []byte) ([]byte, error)

// Store 持久化文件儲存
type Store interface {
	// Read 讀取文件，不存在時回傳 ErrNotFound
	Read(ctx context.Context, key Key) ([]byte, error)

	// Transact 在鍵範圍的排他鎖內執行讀取、mutator、寫回
	Transact(ctx context.Context, key Key, fn Mutator) error

	// List 列出 prefix 之下所有文件鍵（已排序）
	List(ctx context.Context, prefix Key) ([]Key, error)

	// DeleteTree 刪除 prefix 之下的所有文件
	DeleteTree(ctx context.Context, prefix Key) error

	// Close 釋放底層資源
	Close() error
}

// RoomsKey 房間索引文件
const RoomsKey Key = "rooms.json"

var roomCodePattern = regexp.MustCompile(`^[A-Z0-9]{1,12}$`)

// canonicalUUID 驗證並正規化 UUID，避免路徑穿越
func canonicalUUID(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a uuid", ErrInvalidKey, s)
	}
	return u.String(), nil
}

// ValidRoomCode 檢查房間代碼格式
func ValidRoomCode(code string) bool {
	return roomCodePattern.MatchString(code)
}

// LobbyKey 未連結戰役之房間的大廳聊天紀錄
func LobbyKey(roomCode string) (Key, error) {
	if !ValidRoomCode(roomCode) {
		return "", fmt.Errorf("%w: room code %q", ErrInvalidKey, roomCode)
	}
	return Key("rooms/" + roomCode + "/lobby.json"), nil
}

func userPrefix(userCode string) (string, error) {
	id, err := canonicalUUID(userCode)
	if err != nil {
		return "", err
	}
	return "users/user_" + id, nil
}

// ProfileKey 玩家資料文件
func ProfileKey(userCode string) (Key, error) {
	p, err := userPrefix(userCode)
	if err != nil {
		return "", err
	}
	return Key(p + "/profile.json"), nil
}

// CampaignsPrefix 某位房主的所有戰役
func CampaignsPrefix(hostUserCode string) (Key, error) {
	p, err := userPrefix(hostUserCode)
	if err != nil {
		return "", err
	}
	return Key(p + "/campaigns"), nil
}

// CampaignPrefix 單一戰役的整個子樹
func CampaignPrefix(hostUserCode, campaignID string) (Key, error) {
	p, err := CampaignsPrefix(hostUserCode)
	if err != nil {
		return "", err
	}
	id, err := canonicalUUID(campaignID)
	if err != nil {
		return "", err
	}
	return Key(string(p) + "/camp_" + id), nil
}

// CampaignMetaKey 戰役中繼資料
func CampaignMetaKey(hostUserCode, campaignID string) (Key, error) {
	p, err := CampaignPrefix(hostUserCode, campaignID)
	if err != nil {
		return "", err
	}
	return Key(string(p) + "/meta.json"), nil
}

// CampaignJournalKey 戰役日誌
func CampaignJournalKey(hostUserCode, campaignID string) (Key, error) {
	p, err := CampaignPrefix(hostUserCode, campaignID)
	if err != nil {
		return "", err
	}
	return Key(string(p) + "/journal.json"), nil
}

// CheckpointKey 戰役存檔點，以 UTC 時間命名
func CheckpointKey(hostUserCode, campaignID string, at time.Time) (Key, error) {
	p, err := CampaignPrefix(hostUserCode, campaignID)
	if err != nil {
		return "", err
	}
	ts := at.UTC().Format("2006-01-02T15-04-05.000Z")
	return Key(string(p) + "/checkpoints/" + ts + ".json"), nil
}

// IsMeta 判斷鍵是否為戰役中繼資料
func (k Key) IsMeta() bool {
	return strings.HasSuffix(string(k), "/meta.json")
}

// ReadJSON 讀取並解碼文件。損壞的文件視為不存在。
func ReadJSON[T any](ctx context.Context, s Store, key Key) (*T, error) {
	data, err := s.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, ErrNotFound
	}
	return &v, nil
}

// TransactJSON 以型別化的方式執行 Transact。
//
// fn 收到解碼後的文件與是否存在；不存在（或損壞）時收到零值。
// 在樂觀併發的實作上 fn 可能被呼叫多次，因此不可有外部副作用。
func TransactJSON[T any](ctx context.Context, s Store, key Key, fn func(doc *T, exists bool) error) (*T, error) {
	var out *T
	err := s.Transact(ctx, key, func(current []byte) ([]byte, error) {
		var doc T
		exists := false
		if current != nil {
			if err := json.Unmarshal(current, &doc); err == nil {
				exists = true
			} else {
				var zero T
				doc = zero
			}
		}
		if err := fn(&doc, exists); err != nil {
			return nil, err
		}
		out = &doc
		return json.MarshalIndent(doc, "", "  ")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WriteJSON 無條件覆寫文件
func WriteJSON(ctx context.Context, s Store, key Key, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return s.Transact(ctx, key, func([]byte) ([]byte, error) {
		return data, nil
	})
}

// Retry 遇到 ErrBusy 時以指數退避重試，最多 attempts 次重試
func Retry(ctx context.Context, attempts int, backoff time.Duration, op func() error) error {
	delay := backoff
	for i := 0; ; i++ {
		err := op()
		if !errors.Is(err, ErrBusy) || i >= attempts {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay *= 2
	}
}
