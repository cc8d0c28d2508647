// Package refresh は観測値が古くなった商品の再取得要求を発行するスケジューラを提供する。
// 要求は外部スクレイパーが消費するRedisリストへ投入される。
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/pricetrak/internal/metrics"
	"github.com/hitoshi/pricetrak/internal/model"
)

// DueLister は再取得対象の商品を列挙するインターフェース。
type DueLister interface {
	ListDueForRefresh(ctx context.Context, staleBefore time.Time, limit int) ([]*model.Product, error)
}

// Publisher はスクレイプ要求の発行インターフェース。
// 同一商品の要求が未処理のまま残っている場合はfalseを返す。
type Publisher interface {
	Publish(ctx context.Context, req ScrapeRequest) (bool, error)
}

// Scheduler は再取得要求の発行と並列制御を行う。
type Scheduler struct {
	products       DueLister
	publisher      Publisher
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	staleAfter     time.Duration
	batchSize      int
	maxConcurrency int
	now            func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// staleAfterは最新観測がこれより古い商品を対象とする閾値（0以下の場合は180分）。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewScheduler(
	products DueLister,
	publisher Publisher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	staleAfter time.Duration,
	maxConcurrency int,
) *Scheduler {
	if staleAfter <= 0 {
		staleAfter = 180 * time.Minute
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Scheduler{
		products:       products,
		publisher:      publisher,
		metrics:        collector,
		logger:         logger,
		staleAfter:     staleAfter,
		batchSize:      500,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("再取得スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("stale_after", s.staleAfter),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("再取得スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("再取得サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は再取得対象の商品を1回取得し、並列でスクレイプ要求を発行する。
// 発行した要求数を返す。未処理の要求が残っている商品はスキップする。
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	start := s.now()

	products, err := s.products.ListDueForRefresh(ctx, start.Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return 0, err
	}

	if len(products) == 0 {
		s.logger.Info("再取得対象の商品はありません")
		return 0, nil
	}

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var published atomic.Int64

	for _, p := range products {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(p *model.Product) {
			defer wg.Done()
			defer func() { <-sem }()

			ok, err := s.publisher.Publish(ctx, NewScrapeRequest(p, start))
			if err != nil {
				s.logger.Error("スクレイプ要求の発行に失敗しました",
					slog.String("product_id", p.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			if ok {
				published.Add(1)
			}
		}(p)
	}

	wg.Wait()

	count := int(published.Load())
	s.metrics.RecordScrapeRequests(count)
	s.logger.Info("再取得サイクルが完了しました",
		slog.Int("due_count", len(products)),
		slog.Int("published_count", count),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return count, nil
}
