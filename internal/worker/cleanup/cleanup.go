// Package cleanup は配信済み通知指示の自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過した配信済みのアウトボックスレコードを
// 日次バッチで削除する。価格履歴は監査証跡のため削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/pricetrak/internal/metrics"
)

// OutboxCleaner は配信済み通知指示の削除インターフェース。
type OutboxCleaner interface {
	DeleteDeliveredBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した配信済み通知指示の自動削除ジョブ。
// 削除対象がない場合もエラーにならない冪等な処理。
type CleanupJob struct {
	outbox        OutboxCleaner
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	RetentionDays int // 配信済み通知の保持日数（デフォルト: 30）
	now           func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は30日。
func NewCleanupJob(outbox OutboxCleaner, collector metrics.MetricsCollector, logger *slog.Logger) *CleanupJob {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &CleanupJob{
		outbox:        outbox,
		metrics:       collector,
		logger:        logger,
		RetentionDays: 30,
		now:           time.Now,
	}
}

// Run は保持期間を超過した配信済み通知指示を削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	before := start.AddDate(0, 0, -j.RetentionDays)

	deleted, err := j.outbox.DeleteDeliveredBefore(ctx, before)
	if err != nil {
		j.logger.Error("通知クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("通知クリーンアップの実行に失敗: %w", err)
	}

	j.metrics.RecordOutboxCleaned(deleted)
	j.logger.Info("通知クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は指定間隔でジョブを実行する。起動直後に1回実行し、コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
