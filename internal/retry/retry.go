// Package retry はストア障害などの一時的なエラーに対する再試行とバックオフを提供する。
package retry

import (
	"context"
	"time"
)

// Backoff は指数バックオフの設定。
type Backoff struct {
	// Initial は初回の待機時間。
	Initial time.Duration
	// Max は待機時間の上限。
	Max time.Duration
}

// DefaultBackoff はストア呼び出しの再試行に使用するデフォルト設定（初回100ms、最大2秒）。
var DefaultBackoff = Backoff{Initial: 100 * time.Millisecond, Max: 2 * time.Second}

// Delay は連続失敗回数に基づく待機時間を返す。初回はInitial、以降2倍ずつ増加し、Maxで頭打ちになる。
func (b Backoff) Delay(consecutiveErrors int) time.Duration {
	delay := b.Initial
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > b.Max {
			return b.Max
		}
	}
	return delay
}

// Do はfnを最大attempts回実行する。fnがnilを返すか、retryableがfalseを返すエラーで終了する。
// 待機中にctxが終了した場合は最後のエラーを返す。
func Do(ctx context.Context, attempts int, b Backoff, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(b.Delay(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
