// Package errors 提供房間服務的錯誤分類
//
// 所有處理器層級的錯誤都會落在以下其中一類，
// 再由呼叫端轉換成失敗事件（WebSocket）或 HTTP 狀態碼。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 房間或玩家不存在
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeUnauthorized 非房主執行房主操作
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeConflict 違反唯一性約束（同房間同名）
	ErrCodeConflict = "CONFLICT"
	// ErrCodeUpstream 持久層呼叫失敗
	ErrCodeUpstream = "UPSTREAM_FAILURE"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
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

// Is 實現 errors.Is（同錯誤碼即視為相同）
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

// WithDetails 返回附帶詳細資訊的副本（不修改預定義錯誤）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeNotFound, "room not found")

	// ErrSessionNotFound 重連時找不到玩家
	ErrSessionNotFound = New(ErrCodeNotFound, "session not found")

	// ErrPlayerNotFound 玩家不存在
	ErrPlayerNotFound = New(ErrCodeNotFound, "player not found")

	// ErrNotAuthorized 只有房主可以執行
	ErrNotAuthorized = New(ErrCodeUnauthorized, "not authorized")

	// ErrDuplicatePlayer 同房間玩家名稱重複
	ErrDuplicatePlayer = New(ErrCodeConflict, "player name already taken in room")

	// ErrInvalidPayload 無效的事件內容
	ErrInvalidPayload = New(ErrCodeInvalidInput, "invalid payload")

	// ErrStoreUnavailable 持久層不可用
	ErrStoreUnavailable = New(ErrCodeUpstream, "store unavailable")
)

// Reason 取出可回傳給客戶端的原因字串
func Reason(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

// CodeOf 取出錯誤碼，非 AppError 時返回空字串
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsUnauthorized 檢查是否為權限錯誤
func IsUnauthorized(err error) bool {
	return CodeOf(err) == ErrCodeUnauthorized
}

// IsConflict 檢查是否為衝突錯誤
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}

// IsUpstream 檢查是否為持久層錯誤
func IsUpstream(err error) bool {
	return CodeOf(err) == ErrCodeUpstream
}

// IsInvalidInput 檢查是否為無效輸入
func IsInvalidInput(err error) bool {
	return CodeOf(err) == ErrCodeInvalidInput
}
