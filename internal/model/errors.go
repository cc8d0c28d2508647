package model

import (
	"errors"
	"fmt"
)

// 取り込み・通知処理のセンチネルエラー
var (
	// ErrStoreUnavailable は永続化層に到達できないことを表す。呼び出し側での再試行対象。
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrPreferenceConflict は通知記録中に通知設定が並行更新（または削除）されたことを表す。
	ErrPreferenceConflict = errors.New("preference conflict")
	// ErrPlanningInconsistent は再読込・再試行後も通知判定が確定できなかったことを表す警告。
	ErrPlanningInconsistent = errors.New("planning inconsistent")
	// ErrNotFound は対象が存在しないことを表す。
	ErrNotFound = errors.New("not found")
)

// MalformedReadingError は観測値の検証エラー。
// 該当の観測値は保存されず、再試行もされない。
type MalformedReadingError struct {
	Field  string
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *MalformedReadingError) Error() string {
	return fmt.Sprintf("malformed reading: %s: %s", e.Field, e.Reason)
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, product, watchlist, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeMalformedReading  = "MALFORMED_READING"
	ErrCodeStoreUnavailable  = "STORE_UNAVAILABLE"
	ErrCodeProductNotFound   = "PRODUCT_NOT_FOUND"
	ErrCodeWatchlistNotFound = "WATCHLIST_ENTRY_NOT_FOUND"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInvalidTimeRange  = "INVALID_TIME_RANGE"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// NewMalformedReadingError は観測値検証エラーをAPIエラーに変換する。
func NewMalformedReadingError(err *MalformedReadingError) *APIError {
	return &APIError{
		Code:     ErrCodeMalformedReading,
		Message:  fmt.Sprintf("観測値が不正です（%s）: %s", err.Field, err.Reason),
		Category: "validation",
		Action:   "product_id、observed_price（0以上）、observed_stock、observed_at を確認してください。",
	}
}

// NewStoreUnavailableError は永続化層に到達できない場合のエラーを生成する。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "データストアに一時的に接続できません。",
		Category: "system",
		Action:   "しばらく待ってから同じ観測値を再送してください。",
	}
}

// NewProductNotFoundError は商品が見つからない場合のエラーを生成する。
func NewProductNotFoundError(productID string) *APIError {
	return &APIError{
		Code:     ErrCodeProductNotFound,
		Message:  fmt.Sprintf("指定された商品が見つかりません: %s", productID),
		Category: "product",
		Action:   "商品IDを確認してください。",
	}
}

// NewWatchlistNotFoundError はウォッチリストに商品が含まれていない場合のエラーを生成する。
func NewWatchlistNotFoundError(productID string) *APIError {
	return &APIError{
		Code:     ErrCodeWatchlistNotFound,
		Message:  fmt.Sprintf("ウォッチリストに商品が含まれていません: %s", productID),
		Category: "watchlist",
		Action:   "ウォッチリストを再読み込みしてください。",
	}
}

// NewInvalidTimeRangeError は履歴の取得範囲が不正な場合のエラーを生成する。
func NewInvalidTimeRangeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTimeRange,
		Message:  fmt.Sprintf("取得範囲が不正です: %s", reason),
		Category: "validation",
		Action:   "from、to にはRFC3339形式の日時を指定し、from < to としてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ウォッチリストを作成してから操作してください。",
	}
}

// NewUnauthorizedError は認証情報がない、または不正な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証情報が確認できません。",
		Category: "auth",
		Action:   "再度ログインしてからお試しください。",
	}
}

// NewRateLimitExceededError は投入レートの上限を超えた場合のエラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再送してください。",
	}
}

// NewInvalidRequestError はリクエストの形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの形式を確認してください。",
	}
}

// NewInternalError は内部エラーの汎用レスポンスを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
