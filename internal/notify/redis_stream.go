package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/pricetrak/internal/model"
)

// StreamAdder はRedis StreamへのXADDを抽象化するインターフェース。
// *redis.Client がそのまま満たす。
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamNotifier は通知指示をRedis Streamへ追加する。
// 配信サービスはコンシューマーグループでストリームを購読する。
type RedisStreamNotifier struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisStreamNotifier はRedisStreamNotifierを生成する。
// maxLenが0より大きい場合、ストリームをおおよそその長さに保つ。
func NewRedisStreamNotifier(client StreamAdder, stream string, maxLen int64) *RedisStreamNotifier {
	return &RedisStreamNotifier{client: client, stream: stream, maxLen: maxLen}
}

// Notify は通知指示をJSONペイロードとしてストリームに追加する。
func (n *RedisStreamNotifier) Notify(ctx context.Context, intent model.NotificationIntent) error {
	payload, err := json.Marshal(NewMessage(intent))
	if err != nil {
		return fmt.Errorf("通知メッセージのエンコードに失敗: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]any{
			"id":         intent.ID,
			"user_id":    intent.UserID,
			"product_id": intent.ProductID,
			"payload":    string(payload),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}

	if err := n.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("通知ストリームへの追加に失敗 (stream=%s): %w", n.stream, err)
	}
	return nil
}
