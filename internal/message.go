package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// 客戶端 → 伺服器的事件類型
const (
	TypeChat        = "chat"
	TypePlayerReady = "player_ready"
	TypeReadyToggle = "ready_toggle" // player_ready 的別名
	TypeStartGame   = "start_game"
)

// 伺服器 → 客戶端的事件類型
const (
	TypeRoomState    = "room_state"
	TypeNewMessage   = "new_message"
	TypeGameStarting = "game_starting"
)

var (
	// ErrMalformedEvent 不是合法 JSON，或缺少 type
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownEvent type 不在已知集合中
	ErrUnknownEvent = errors.New("unknown event type")
)

// Inbound 客戶端事件（封閉集合）
type Inbound interface {
	inbound()
}

// ChatEvent 大廳聊天
type ChatEvent struct {
	Text string `json:"text" validate:"required,max=2000"`
}

// ReadyToggleEvent 切換準備狀態
type ReadyToggleEvent struct{}

// StartGameEvent 房主要求開始
type StartGameEvent struct{}

func (ChatEvent) inbound()        {}
func (ReadyToggleEvent) inbound() {}
func (StartGameEvent) inbound()   {}

// DecodeInbound 解碼客戶端事件
//
// 未知類型回傳 ErrUnknownEvent，格式錯誤回傳 ErrMalformedEvent；
// 兩者在即時通道上都只被忽略。
func DecodeInbound(data []byte) (Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch envelope.Type {
	case TypeChat:
		var ev ChatEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if err := validate.Struct(ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return ev, nil
	case TypePlayerReady, TypeReadyToggle:
		return ReadyToggleEvent{}, nil
	case TypeStartGame:
		return StartGameEvent{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Type)
	}
}

// Outbound 伺服器事件（封閉集合）
type Outbound interface {
	outbound()
}

// NewMessageEvent 新的聊天訊息
type NewMessageEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
}

// GameStartingEvent 全員準備，房主已開始
type GameStartingEvent struct{}

func (NewMessageEvent) outbound()   {}
func (GameStartingEvent) outbound() {}
func (RoomSnapshot) outbound()      {}

// NewMessageFrom 由已存檔的訊息建立廣播事件
func NewMessageFrom(msg Message) NewMessageEvent {
	return NewMessageEvent{
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
		Sender:    msg.Sender,
		Text:      msg.Content,
	}
}

// MarshalJSON 固定帶上 type
func (e NewMessageEvent) MarshalJSON() ([]byte, error) {
	type alias NewMessageEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeNewMessage, alias(e)})
}

// MarshalJSON 固定帶上 type
func (GameStartingEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"type": TypeGameStarting})
}

// Encode 序列化伺服器事件
func Encode(msg Outbound) ([]byte, error) {
	return json.Marshal(msg)
}
