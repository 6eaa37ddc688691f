// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到（房間、戰役、玩家資料）
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入（格式錯誤的請求或事件）
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeUnauthorized 缺少或無效的使用者識別
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeForbidden 權限不足（例如非房主開始遊戲）
	ErrCodeForbidden = "FORBIDDEN"
	// ErrCodeNotReady 房間尚未全員準備
	ErrCodeNotReady = "NOT_READY"
	// ErrCodeBusy 儲存層鎖競爭，可重試
	ErrCodeBusy = "BUSY"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，以錯誤碼比對
//
// 同一錯誤碼的不同錯誤彼此相等：errors.Is(ErrCampaignNotFound, ErrRoomNotFound) 為 true。
// 需要分辨是哪一個預定義錯誤時用 Matches。
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊（回傳副本，避免修改預定義錯誤）
func (e *AppError) WithDetails(details string) *AppError {
	c := *e
	c.Details = details
	return &c
}

// 預定義錯誤
var (
	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeNotFound, "room not found")

	// ErrCampaignNotFound 戰役不存在
	ErrCampaignNotFound = New(ErrCodeNotFound, "campaign not found")

	// ErrProfileNotFound 玩家資料不存在
	ErrProfileNotFound = New(ErrCodeNotFound, "profile not found")

	// ErrNotMember 玩家不在房間內
	ErrNotMember = New(ErrCodeForbidden, "user is not a member of the room")

	// ErrNotHost 只有房主可以執行
	ErrNotHost = New(ErrCodeForbidden, "only the host may do this")

	// ErrNotAllReady 尚有玩家未準備
	ErrNotAllReady = New(ErrCodeNotReady, "not every player is ready")

	// ErrInvalidUserCode 使用者代碼格式錯誤
	ErrInvalidUserCode = New(ErrCodeUnauthorized, "invalid user code")

	// ErrInvalidInput 無效輸入
	ErrInvalidInput = New(ErrCodeInvalidInput, "invalid input")

	// ErrBusy 資源忙碌
	ErrBusy = New(ErrCodeBusy, "resource busy, retry later")
)

// CodeOf 取得錯誤碼，非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Matches 檢查錯誤鏈中是否有與 target 相同的預定義錯誤（錯誤碼與訊息都相同）
//
// WithDetails 產生的副本仍然符合原本的預定義錯誤。
func Matches(err error, target *AppError) bool {
	for err != nil {
		if e, ok := err.(*AppError); ok && e.Code == target.Code && e.Message == target.Message {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeNotFound
}

// IsInvalidInput 檢查是否為無效輸入錯誤
func IsInvalidInput(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeInvalidInput
}

// IsForbidden 檢查是否為權限錯誤
func IsForbidden(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeForbidden
}

// IsBusy 檢查是否為鎖競爭錯誤
func IsBusy(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeBusy
}
