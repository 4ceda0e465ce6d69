package internal

import (
	"errors"
	"fmt"
)

// 房間操作錯誤
//
// 呼叫端以 errors.Is 判斷，HTTP 層據此映射狀態碼，
// WebSocket 層只記錄日誌，不關閉連線。
var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrGameAlreadyStarted   = errors.New("game already started")
	ErrPlayerOrItemNotFound = errors.New("player or item not found")
)

// ValidationError 輸入格式錯誤（在觸及 Store 之前就被拒絕）
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation 檢查是否為輸入驗證錯誤
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
