package source

import (
	"fmt"
	"time"
)

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultNotModified はコンテンツ未変更（304）。
	FetchResultNotModified
	// FetchResultStop はフェッチ停止が必要なステータス（404/410/401/403）。
	FetchResultStop
	// FetchResultBackoff はバックオフが必要なステータス（429/5xx）。
	FetchResultBackoff
	// FetchResultUnknown は未知のステータスコード。
	FetchResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 1 * time.Minute
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 1 * time.Hour
	// parseFailureThreshold はパース失敗によるフェッチ停止の閾値。
	parseFailureThreshold = 10
)

// Target はスケジューラが管理する1ソースのフェッチ状態。
// 状態はプロセス内にのみ保持し、再起動すると初期化される。
type Target struct {
	Source Source
	// FeedURL は実際にフェッチするフィードのURL。Discover時は検出後に設定される。
	FeedURL           string
	ETag              string
	LastModified      string
	ConsecutiveErrors int
	NextFetchAt       time.Time
	Stopped           bool
	ErrorMessage      string
}

// NewTarget はソース定義から初期状態のTargetを生成する。
func NewTarget(src Source) *Target {
	t := &Target{Source: src}
	if !src.Discover {
		t.FeedURL = src.URL
	}
	return t
}

// Due はフェッチ対象かどうかを返す。
func (t *Target) Due(now time.Time) bool {
	return !t.Stopped && !now.Before(t.NextFetchAt)
}

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 304:
		return FetchResultNotModified
	case statusCode == 404 || statusCode == 410:
		return FetchResultStop
	case statusCode == 401 || statusCode == 403:
		return FetchResultStop
	case statusCode == 429:
		return FetchResultBackoff
	case statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultUnknown
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回1分、2倍ずつ増加、最大1時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ApplyStop はソースのフェッチを停止する。
func ApplyStop(t *Target, reason string) {
	t.Stopped = true
	t.ErrorMessage = reason
}

// ApplyBackoff は連続エラー回数をインクリメントし、指数バックオフで次回フェッチ時刻を設定する。
func ApplyBackoff(t *Target, reason string, now time.Time) {
	t.ConsecutiveErrors++
	t.ErrorMessage = reason
	t.NextFetchAt = now.Add(CalculateBackoff(t.ConsecutiveErrors - 1))
}

// ApplySuccess はフェッチ成功時に状態をリセットし、interval後を次回フェッチ時刻にする。
func ApplySuccess(t *Target, interval time.Duration, now time.Time) {
	t.ConsecutiveErrors = 0
	t.ErrorMessage = ""
	t.NextFetchAt = now.Add(interval)
}

// ApplyParseFailure はパース失敗時に連続エラー回数をインクリメントする。
// 閾値に達した場合はフェッチを停止する。次回フェッチは通常間隔で行う。
func ApplyParseFailure(t *Target, reason string, interval time.Duration, now time.Time) {
	t.ConsecutiveErrors++
	t.ErrorMessage = fmt.Sprintf("parse failed (%d consecutive): %s", t.ConsecutiveErrors, reason)
	t.NextFetchAt = now.Add(interval)

	if t.ConsecutiveErrors >= parseFailureThreshold {
		t.Stopped = true
		t.ErrorMessage = fmt.Sprintf("stopped after %d consecutive parse failures: %s", t.ConsecutiveErrors, reason)
	}
}
