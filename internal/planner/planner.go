// Package planner は変化判定の結果とウォッチャーの通知設定から通知指示を作成する。
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/pricetrak/internal/evaluator"
	"github.com/hitoshi/pricetrak/internal/metrics"
	"github.com/hitoshi/pricetrak/internal/model"
	"github.com/hitoshi/pricetrak/internal/repository"
)

// Warning は通知判定が確定できなかったウォッチャーの警告。観測値の処理自体は継続する。
type Warning struct {
	UserID    string
	ProductID string
	Err       error
}

// Result は1件の観測値に対する通知計画の結果。
type Result struct {
	// Intents は記録済みの通知指示。(user, product) ごとに最大1件。
	Intents []model.NotificationIntent
	// Suppressed は通知済み価格以上のため抑制された値下がりの件数。
	Suppressed int
	Warnings   []Warning
	// Failed はストア障害で記録できなかったウォッチャー。呼び出し側で再計画できる。
	Failed []model.WatchlistEntry
}

// Planner は通知プランナー。
type Planner struct {
	watchlist    repository.WatchlistRepository
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	storeTimeout time.Duration
	newID        func() string
	now          func() time.Time
}

// NewPlanner はPlannerの新しいインスタンスを生成する。
func NewPlanner(
	watchlist repository.WatchlistRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Planner {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Planner{
		watchlist: watchlist,
		metrics:   collector,
		logger:    logger,
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// WithStoreTimeout はストア呼び出し1回あたりのタイムアウトを設定する。0以下は無制限。
func (p *Planner) WithStoreTimeout(d time.Duration) *Planner {
	p.storeTimeout = d
	return p
}

func (p *Planner) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.storeTimeout)
}

func (p *Planner) record(ctx context.Context, intent *model.NotificationIntent, version int64) error {
	sctx, cancel := p.storeContext(ctx)
	defer cancel()
	return p.watchlist.RecordNotification(sctx, intent, version)
}

func (p *Planner) find(ctx context.Context, userID, productID string) (*model.WatchlistEntry, error) {
	sctx, cancel := p.storeContext(ctx)
	defer cancel()
	return p.watchlist.Find(sctx, userID, productID)
}

// Decide はウォッチャー1件に対する通知理由を判定する。
// 値下がりはlast_notified_priceを厳密に下回る場合のみ通知対象とし、
// 抑制した場合はsuppressed=trueを返す。
func Decide(ev evaluator.Evaluation, entry model.WatchlistEntry) (reasons model.TagSet, suppressed bool) {
	if ev.Tags.Has(model.TagPriceDrop) && entry.NotifyOnPriceDrop {
		if entry.LastNotifiedPrice.Valid && !ev.NewPrice.LessThan(entry.LastNotifiedPrice.Decimal) {
			suppressed = true
		} else {
			reasons = reasons.Add(model.TagPriceDrop)
		}
	}
	if ev.Tags.Has(model.TagRestock) && entry.NotifyOnRestock {
		reasons = reasons.Add(model.TagRestock)
	}
	return reasons, suppressed
}

// Plan はウォッチャーごとに通知要否を判定し、通知する場合はlast_notified_priceの更新と
// アウトボックスへの登録を1トランザクションで記録する。
// ストア障害で記録できなかったウォッチャーはResult.Failedに含め、エラーを返す。
func (p *Planner) Plan(
	ctx context.Context,
	product *model.Product,
	ev evaluator.Evaluation,
	watchers []model.WatchlistEntry,
) (*Result, error) {
	res := &Result{}
	if !ev.HasChange() {
		return res, nil
	}

	seen := make(map[string]bool, len(watchers))
	var errs []error

	for _, w := range watchers {
		if seen[w.UserID] {
			continue
		}
		seen[w.UserID] = true

		intent, err := p.planWatcher(ctx, product, ev, w, res)
		switch {
		case err == nil:
			if intent != nil {
				res.Intents = append(res.Intents, *intent)
				p.metrics.RecordIntentPlanned(intent.Reasons.Strings())
			}
		case errors.Is(err, model.ErrPlanningInconsistent):
			res.Warnings = append(res.Warnings, Warning{UserID: w.UserID, ProductID: w.ProductID, Err: err})
			p.metrics.RecordPlanningInconsistent()
			p.logger.Warn("通知判定が確定できませんでした",
				slog.String("user_id", w.UserID),
				slog.String("product_id", w.ProductID),
				slog.String("error", err.Error()),
			)
		default:
			res.Failed = append(res.Failed, w)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return res, fmt.Errorf("通知の記録に失敗 (%d件): %w", len(errs), errors.Join(errs...))
	}
	return res, nil
}

// planWatcher はウォッチャー1件の通知を判定・記録する。
// 通知設定の並行更新で競合した場合は最新のエントリを再読込して1回だけやり直す。
func (p *Planner) planWatcher(
	ctx context.Context,
	product *model.Product,
	ev evaluator.Evaluation,
	entry model.WatchlistEntry,
	res *Result,
) (*model.NotificationIntent, error) {
	reasons, suppressed := Decide(ev, entry)
	if suppressed {
		res.Suppressed++
		p.metrics.RecordSuppressed()
	}
	if len(reasons) == 0 {
		return nil, nil
	}

	intent := p.newIntent(product, ev, entry, reasons)
	err := p.record(ctx, intent, entry.Version)
	if err == nil {
		return intent, nil
	}
	if !errors.Is(err, model.ErrPreferenceConflict) {
		return nil, err
	}

	p.logger.Info("通知設定の並行更新を検出したため再判定します",
		slog.String("user_id", entry.UserID),
		slog.String("product_id", entry.ProductID),
		slog.Int64("version", entry.Version),
	)

	latest, err := p.find(ctx, entry.UserID, entry.ProductID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		// 削除済みのウォッチには通知しない
		return nil, nil
	}

	reasons, _ = Decide(ev, *latest)
	if len(reasons) == 0 {
		return nil, nil
	}

	intent = p.newIntent(product, ev, *latest, reasons)
	err = p.record(ctx, intent, latest.Version)
	switch {
	case err == nil:
		return intent, nil
	case errors.Is(err, model.ErrPreferenceConflict):
		return nil, fmt.Errorf("再試行後も通知設定の競合が解消しません: %w: %w", model.ErrPlanningInconsistent, err)
	default:
		return nil, err
	}
}

func (p *Planner) newIntent(
	product *model.Product,
	ev evaluator.Evaluation,
	entry model.WatchlistEntry,
	reasons model.TagSet,
) *model.NotificationIntent {
	return &model.NotificationIntent{
		ID:          p.newID(),
		UserID:      entry.UserID,
		ProductID:   entry.ProductID,
		Reasons:     reasons,
		OldPrice:    ev.OldPrice(),
		NewPrice:    ev.NewPrice,
		OldStock:    ev.OldStock(),
		NewStock:    ev.NewStock,
		ObservedAt:  ev.ObservedAt,
		ProductName: product.Name,
		ProductURL:  product.URL,
		CreatedAt:   p.now(),
	}
}
