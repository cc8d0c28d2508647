// Package consumer はRedisキューに投入された観測値を取り込むワーカーを提供する。
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/pricetrak/internal/ingest"
	"github.com/hitoshi/pricetrak/internal/model"
	"github.com/hitoshi/pricetrak/internal/retry"
)

// Processor は観測値を処理する取り込みパイプラインのインターフェース。
type Processor interface {
	Process(ctx context.Context, r model.Reading) (*ingest.Outcome, error)
}

// Message はキュー上の観測値メッセージ。Attemptsは再送のたびに加算される。
type Message struct {
	ingest.Payload
	Attempts int `json:"attempts,omitempty"`
}

// Consumer はキューから観測値を取り出してパイプラインへ渡すワーカー。
// semaphoreパターンで最大並列数を制御する。同一商品の直列化はパイプライン側で行う。
type Consumer struct {
	queue          Queue
	pipeline       Processor
	logger         *slog.Logger
	maxConcurrency int
	maxAttempts    int
	backoff        retry.Backoff
}

// NewConsumer はConsumerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合は10、maxAttemptsが0以下の場合は5を使用する。
func NewConsumer(queue Queue, pipeline Processor, logger *slog.Logger, maxConcurrency, maxAttempts int) *Consumer {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Consumer{
		queue:          queue,
		pipeline:       pipeline,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		maxAttempts:    maxAttempts,
		backoff:        retry.Backoff{Initial: time.Second, Max: time.Minute},
	}
}

// WithBackoff は再送までの待機時間の設定を差し替える。
func (c *Consumer) WithBackoff(b retry.Backoff) *Consumer {
	c.backoff = b
	return c
}

// Run はコンテキストがキャンセルされるまでキューを消費する。
// 停止時は処理中のメッセージの完了を待つ。
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("観測値キューの消費を開始しました",
		slog.Int("max_concurrency", c.maxConcurrency),
		slog.Int("max_attempts", c.maxAttempts),
	)

	sem := make(chan struct{}, c.maxConcurrency)
	var wg sync.WaitGroup
	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			c.logger.Info("観測値キューの消費を停止しました")
			return
		case sem <- struct{}{}:
		}

		raw, err := c.queue.Pop(ctx)
		if err != nil {
			<-sem
			if errors.Is(err, ErrQueueEmpty) || ctx.Err() != nil {
				continue
			}
			c.logger.Error("キューからの取り出しに失敗しました", slog.String("error", err.Error()))
			sleep(ctx, c.backoff.Delay(consecutiveErrors))
			consecutiveErrors++
			continue
		}
		consecutiveErrors = 0

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.Handle(ctx, raw)
		}()
	}
}

// Handle はメッセージ1件を処理する。
// 一時的な失敗は待機後に再投入し、不正なメッセージと再送上限に達したメッセージは退避する。
func (c *Consumer) Handle(ctx context.Context, raw string) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		c.deadLetter(ctx, raw, "JSONの解析に失敗", err)
		return
	}

	reading, err := msg.Reading()
	if err != nil {
		c.deadLetter(ctx, raw, "不正な観測値", err)
		return
	}

	out, err := c.pipeline.Process(ctx, reading)
	switch {
	case err == nil:
		return
	case ingest.IsRetryable(err):
		c.requeue(ctx, msg, err)
	case out != nil && out.State == ingest.StateRejected:
		c.deadLetter(ctx, raw, "不正な観測値", err)
	case out != nil && out.State != ingest.StateReceived:
		// 保存済みのため再送しない。未配信の通知はリレーが再送する
		c.logger.Warn("観測値は保存済みですが後続処理が完了していません",
			slog.String("product_id", reading.ProductID),
			slog.String("state", string(out.State)),
			slog.String("error", err.Error()),
		)
	default:
		c.deadLetter(ctx, raw, "観測値の処理に失敗", err)
	}
}

// requeue は待機後にメッセージを再投入する。停止中でも取りこぼさないよう再投入は必ず行う。
func (c *Consumer) requeue(ctx context.Context, msg Message, cause error) {
	msg.Attempts++
	if msg.Attempts >= c.maxAttempts {
		raw, _ := json.Marshal(msg)
		c.deadLetter(ctx, string(raw), "再送上限に達しました", cause)
		return
	}

	sleep(ctx, c.backoff.Delay(msg.Attempts-1))

	raw, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("メッセージのエンコードに失敗しました", slog.String("error", err.Error()))
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.queue.Push(pctx, string(raw)); err != nil {
		c.logger.Error("観測値の再投入に失敗しました",
			slog.String("product_id", msg.ProductID),
			slog.String("error", err.Error()),
		)
		return
	}
	c.logger.Warn("観測値を再投入しました",
		slog.String("product_id", msg.ProductID),
		slog.Int("attempts", msg.Attempts),
		slog.String("error", cause.Error()),
	)
}

func (c *Consumer) deadLetter(ctx context.Context, raw, reason string, cause error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.queue.DeadLetter(dctx, raw); err != nil {
		c.logger.Error("メッセージの退避に失敗しました", slog.String("error", err.Error()))
	}
	c.logger.Warn("メッセージを退避しました",
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
}

// sleep はdだけ待機する。ctxが終了した場合は即座に戻る。
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
