package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrQueueEmpty はタイムアウトまでにメッセージが届かなかったことを表す。
var ErrQueueEmpty = errors.New("queue empty")

// Queue は観測値メッセージのキュー。
type Queue interface {
	// Pop はメッセージを1件取り出す。タイムアウトした場合はErrQueueEmptyを返す。
	Pop(ctx context.Context) (string, error)
	// Push はメッセージを末尾に再投入する。
	Push(ctx context.Context, raw string) error
	// DeadLetter は処理できないメッセージを退避する。
	DeadLetter(ctx context.Context, raw string) error
}

// listClient はRedisQueueが使用するRedisコマンドの部分集合。
type listClient interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisQueue はRedisのリストを使ったキュー。スクレイパーがRPUSHしたメッセージをBLPOPで取り出す。
// 退避先は "<key>:dead" のリスト。
type RedisQueue struct {
	client     listClient
	key        string
	deadKey    string
	popTimeout time.Duration
}

// NewRedisQueue はRedisQueueを生成する。
func NewRedisQueue(client listClient, key string, popTimeout time.Duration) *RedisQueue {
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	return &RedisQueue{
		client:     client,
		key:        key,
		deadKey:    key + ":dead",
		popTimeout: popTimeout,
	}
}

// Pop はBLPOPでメッセージを1件取り出す。
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	res, err := q.client.BLPop(ctx, q.popTimeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrQueueEmpty
	}
	if err != nil {
		return "", fmt.Errorf("キューからの取り出しに失敗: %w", err)
	}
	// BLPOPは [key, value] を返す
	if len(res) != 2 {
		return "", fmt.Errorf("BLPOPの応答が不正です: %v", res)
	}
	return res[1], nil
}

// Push はRPUSHでメッセージを再投入する。
func (q *RedisQueue) Push(ctx context.Context, raw string) error {
	if err := q.client.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("キューへの再投入に失敗: %w", err)
	}
	return nil
}

// DeadLetter はメッセージを退避用リストへ移す。
func (q *RedisQueue) DeadLetter(ctx context.Context, raw string) error {
	if err := q.client.RPush(ctx, q.deadKey, raw).Err(); err != nil {
		return fmt.Errorf("退避キューへの投入に失敗: %w", err)
	}
	return nil
}
