// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, post, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeBatchTooLarge    = "BATCH_TOO_LARGE"
	ErrCodeEmptyBatch       = "EMPTY_BATCH"
	ErrCodePostNotFound     = "POST_NOT_FOUND"
	ErrCodeInvalidStatus    = "INVALID_STATUS"
	ErrCodeInvalidFilter    = "INVALID_FILTER"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// ストレージ層が返す種別エラー。
var (
	// ErrDuplicatePost はURLの一意制約違反を表す。バッチ全体の失敗ではなく1件の拒否として扱う。
	ErrDuplicatePost = errors.New("duplicate post url")
	// ErrStoreUnavailable は永続化層に到達できないことを表す。取り込み呼び出し全体を失敗させる。
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrPostNotFound は更新・削除対象の投稿が存在しないことを表す。
	ErrPostNotFound = errors.New("post not found")
)

// ValidationError は取り込みバッチ内の1件が不正であることを表す。
// その1件だけを拒否し、バッチの残りは継続する。
type ValidationError struct {
	Index  int
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("item %d: %s", e.Index, e.Reason)
}

// NewInvalidRequestError はリクエストボディ不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewEmptyBatchError は空バッチエラーを生成する。
func NewEmptyBatchError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyBatch,
		Message:  "取り込み対象のitemsが空です。",
		Category: "validation",
		Action:   "1件以上のitemを指定してください。",
	}
}

// NewBatchTooLargeError はバッチ上限超過エラーを生成する。
func NewBatchTooLargeError(size, limit int) *APIError {
	return &APIError{
		Code:     ErrCodeBatchTooLarge,
		Message:  fmt.Sprintf("itemsの件数が上限を超えています: %d件（上限%d件）", size, limit),
		Category: "validation",
		Action:   "バッチを分割して送信してください。",
	}
}

// NewPostNotFoundError は投稿未検出エラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "post",
		Action:   "投稿IDを確認してください。",
	}
}

// NewInvalidStatusError は無効なステータスエラーを生成する。
func NewInvalidStatusError(status string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatus,
		Message:  fmt.Sprintf("無効なステータスです: %s", status),
		Category: "validation",
		Action:   "new、processing、contacted、converted、archived のいずれかを指定してください。",
	}
}

// NewInvalidFilterError は無効な絞り込み条件エラーを生成する。
func NewInvalidFilterError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効な絞り込み条件です: %s", reason),
		Category: "validation",
		Action:   "type、platform、status、keyword、limit、skip の値を確認してください。",
	}
}

// NewStoreUnavailableError は永続化層到達不能エラーを生成する。
// この場合、取り込み結果はいずれも確定済みとして報告しない。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "データストアに接続できません。",
		Category: "system",
		Action:   "しばらく待ってから同じバッチを再送してください。重複は自動的に除外されます。",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "有効なトークンを指定してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError(retryAfterSec int) *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエスト数が上限を超えました。",
		Category: "rate_limit",
		Action:   fmt.Sprintf("%d秒後に再度お試しください。", retryAfterSec),
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
