// Package relay は配信に失敗した通知指示をアウトボックスから再配信するワーカーを提供する。
package relay

import (
	"cmp"
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/pricetrak/internal/metrics"
	"github.com/hitoshi/pricetrak/internal/model"
	"github.com/hitoshi/pricetrak/internal/notify"
	"github.com/hitoshi/pricetrak/internal/repository"
)

// Config はリレーの動作設定。
type Config struct {
	// BatchSize は1回の実行で確保する最大件数。
	BatchSize int
	// MinAge は再配信対象とする通知指示の作成からの最小経過時間。
	// パイプラインの後続処理タイムアウトより長くすること。
	MinAge time.Duration
	// Lease は確保した通知指示を他のリレーに渡さない期間。
	Lease time.Duration
	// MaxAttempts は再配信を打ち切る試行回数。
	MaxAttempts int
}

// DefaultConfig はデフォルトのリレー設定を返す。
func DefaultConfig() Config {
	return Config{
		BatchSize:   100,
		MinAge:      2 * time.Minute,
		Lease:       5 * time.Minute,
		MaxAttempts: 10,
	}
}

// Relay は未配信の通知指示を定期的に再配信する。
// 配信は少なくとも1回（at-least-once）で、受信側は通知指示IDで重複を排除する。
type Relay struct {
	outbox   repository.OutboxRepository
	notifier notify.Notifier
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewRelay はRelayの新しいインスタンスを生成する。cfgのゼロ値の項目はデフォルト値を使用する。
func NewRelay(outbox repository.OutboxRepository, notifier notify.Notifier, collector metrics.MetricsCollector, logger *slog.Logger, cfg Config) *Relay {
	if collector == nil {
		collector = metrics.Nop{}
	}
	def := DefaultConfig()
	cfg.BatchSize = cmp.Or(max(cfg.BatchSize, 0), def.BatchSize)
	cfg.MinAge = cmp.Or(max(cfg.MinAge, 0), def.MinAge)
	cfg.Lease = cmp.Or(max(cfg.Lease, 0), def.Lease)
	cfg.MaxAttempts = cmp.Or(max(cfg.MaxAttempts, 0), def.MaxAttempts)

	return &Relay{
		outbox:   outbox,
		notifier: notifier,
		metrics:  collector,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start は指定間隔で再配信を実行する。コンテキストがキャンセルされるまで継続する。
func (r *Relay) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("通知リレーを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("min_age", r.cfg.MinAge),
		slog.Int("max_attempts", r.cfg.MaxAttempts),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("通知リレーを停止しました")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("通知の再配信に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce は再配信対象を1バッチ分確保して配信し、配信できた件数を返す。
// 作成からMinAge未満の通知指示はパイプラインが配信中でありうるため確保しない。
// 個別の配信失敗は試行回数を加算し、MaxAttemptsに達したものは打ち切る。
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	records, err := r.outbox.ClaimPending(ctx, repository.ClaimRequest{
		Limit:  r.cfg.BatchSize,
		Now:    r.now(),
		MinAge: r.cfg.MinAge,
		Lease:  r.cfg.Lease,
	})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	delivered := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		intent := rec.Intent
		if err := r.notifier.Notify(ctx, intent); err != nil {
			r.metrics.RecordDelivery(false)
			r.recordFailure(ctx, rec, err)
			continue
		}

		r.metrics.RecordDelivery(true)
		if err := r.outbox.MarkDelivered(ctx, intent.ID, r.now()); err != nil {
			// 確保期限が切れると再送されるが受信側で重複排除される
			r.logger.Error("配信済みの記録に失敗しました",
				slog.String("intent_id", intent.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered++
	}

	r.logger.Info("通知の再配信が完了しました",
		slog.Int("claimed_count", len(records)),
		slog.Int("delivered_count", delivered),
	)
	return delivered, nil
}

func (r *Relay) recordFailure(ctx context.Context, rec model.OutboxRecord, cause error) {
	intent := rec.Intent
	status, err := r.outbox.MarkFailed(ctx, intent.ID, r.cfg.MaxAttempts)
	if err != nil {
		r.logger.Error("配信失敗の記録に失敗しました",
			slog.String("intent_id", intent.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if status == model.OutboxFailed {
		r.metrics.RecordOutboxAbandoned()
		r.logger.Error("試行回数の上限に達したため再配信を打ち切りました",
			slog.String("intent_id", intent.ID),
			slog.String("user_id", intent.UserID),
			slog.Int("attempts", rec.Attempts+1),
			slog.String("error", cause.Error()),
		)
		return
	}
	r.logger.Warn("通知の再配信に失敗しました",
		slog.String("intent_id", intent.ID),
		slog.String("user_id", intent.UserID),
		slog.Int("attempts", rec.Attempts+1),
		slog.String("error", cause.Error()),
	)
}
