package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/pricetrak/internal/model"
)

// ScrapeRequest は外部スクレイパーへの再取得要求。
type ScrapeRequest struct {
	ProductID   string    `json:"product_id"`
	Platform    string    `json:"platform"`
	SourceKey   string    `json:"source_key"`
	URL         string    `json:"url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewScrapeRequest は商品から再取得要求を生成する。
func NewScrapeRequest(p *model.Product, at time.Time) ScrapeRequest {
	return ScrapeRequest{
		ProductID:   p.ID,
		Platform:    p.Platform,
		SourceKey:   p.SourceKey,
		URL:         p.URL,
		RequestedAt: at.UTC(),
	}
}

type listPusher interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisPublisher はRedisリストへスクレイプ要求を投入する。
// 商品ごとの重複排除キーをTTL付きで保持し、スクレイパーが遅れている間に同じ要求を積み増さない。
type RedisPublisher struct {
	client listPusher
	key    string
	ttl    time.Duration
}

// NewRedisPublisher はRedisPublisherを生成する。ttlは重複排除キーの有効期間。
func NewRedisPublisher(client listPusher, key string, ttl time.Duration) *RedisPublisher {
	return &RedisPublisher{client: client, key: key, ttl: ttl}
}

// Publish はスクレイプ要求を投入する。重複排除キーが残っている場合は投入せずfalseを返す。
func (p *RedisPublisher) Publish(ctx context.Context, req ScrapeRequest) (bool, error) {
	dedupeKey := p.key + ":pending:" + req.ProductID
	ok, err := p.client.SetNX(ctx, dedupeKey, req.RequestedAt.Unix(), p.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("重複排除キーの設定に失敗: %w", err)
	}
	if !ok {
		return false, nil
	}

	raw, err := json.Marshal(req)
	if err != nil {
		p.client.Del(ctx, dedupeKey)
		return false, err
	}
	if err := p.client.RPush(ctx, p.key, raw).Err(); err != nil {
		p.client.Del(context.WithoutCancel(ctx), dedupeKey)
		return false, fmt.Errorf("スクレイプ要求の投入に失敗: %w", err)
	}
	return true, nil
}
