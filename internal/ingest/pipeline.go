// Package ingest は観測値の取り込みパイプラインを提供する。
// 観測値を価格履歴に保存し、変化判定と通知計画を行い、通知指示を配信側へ引き渡す。
package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/pricetrak/internal/evaluator"
	"github.com/hitoshi/pricetrak/internal/metrics"
	"github.com/hitoshi/pricetrak/internal/model"
	"github.com/hitoshi/pricetrak/internal/notify"
	"github.com/hitoshi/pricetrak/internal/planner"
	"github.com/hitoshi/pricetrak/internal/repository"
	"github.com/hitoshi/pricetrak/internal/retry"
	"github.com/hitoshi/pricetrak/internal/security"
)

// State は観測値の処理状態。
type State string

const (
	StateReceived   State = "received"
	StateArchived   State = "archived"
	StateEvaluated  State = "evaluated"
	StatePlanned    State = "planned"
	StateDispatched State = "dispatched"
	StateRejected   State = "rejected"
)

// Outcome は観測値1件の処理結果。
type Outcome struct {
	State     State
	ProductID string
	// Registered は未登録の商品を自動登録した場合にtrue。
	Registered bool
	// Appended は価格履歴に新規追記した場合にtrue。同一observed_atの再送ではfalse。
	Appended       bool
	Classification evaluator.Classification
	Tags           model.TagSet
	Intents        []model.NotificationIntent
	Delivered      int
	Warnings       []planner.Warning
}

// RetryableError は呼び出し側で同じ観測値を再送すべき失敗。
// 価格履歴への保存前に中断しているため、再送しても副作用は重複しない。
type RetryableError struct {
	Reading model.Reading
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable ingestion failure (product_id=%s): %v", e.Reading.ProductID, e.Err)
}

// Unwrap は原因のエラーを返す。
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable はエラーがRetryableErrorかを返す。
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Config はパイプラインの動作設定。
type Config struct {
	// StoreTimeout はストア呼び出し1回あたりのタイムアウト。
	StoreTimeout time.Duration
	// StepTimeout は価格履歴への保存後、配信までの後続処理全体のタイムアウト。
	StepTimeout time.Duration
	// StoreAttempts は保存後のストア障害に対する最大試行回数。
	StoreAttempts int
	Backoff       retry.Backoff
}

// DefaultConfig はデフォルトのパイプライン設定を返す。
func DefaultConfig() Config {
	return Config{
		StoreTimeout:  5 * time.Second,
		StepTimeout:   30 * time.Second,
		StoreAttempts: 3,
		Backoff:       retry.DefaultBackoff,
	}
}

// Deps はパイプラインの依存関係。
type Deps struct {
	Products  repository.ProductRepository
	History   repository.HistoryStore
	Watchlist repository.WatchlistRepository
	Outbox    repository.OutboxRepository
	Notifier  notify.Notifier
	Sanitizer security.TextSanitizer
	Metrics   metrics.MetricsCollector
	Logger    *slog.Logger
}

// Pipeline は観測値の取り込みパイプライン。
// 異なる商品の観測値は並行に処理できるが、同一商品の観測値は商品ごとのロックで直列化する。
type Pipeline struct {
	products  repository.ProductRepository
	history   repository.HistoryStore
	outbox    repository.OutboxRepository
	planner   *planner.Planner
	watchlist repository.WatchlistRepository
	notifier  notify.Notifier
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config
	locks     *keyedLock
	now       func() time.Time
}

// NewPipeline はPipelineの新しいインスタンスを生成する。
func NewPipeline(deps Deps, cfg Config) *Pipeline {
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	def := DefaultConfig()
	cfg.StoreTimeout = cmp.Or(cfg.StoreTimeout, def.StoreTimeout)
	cfg.StepTimeout = cmp.Or(cfg.StepTimeout, def.StepTimeout)
	cfg.StoreAttempts = cmp.Or(cfg.StoreAttempts, def.StoreAttempts)
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = def.Backoff
	}

	return &Pipeline{
		products:  deps.Products,
		history:   deps.History,
		outbox:    deps.Outbox,
		planner:   planner.NewPlanner(deps.Watchlist, collector, deps.Logger).WithStoreTimeout(cfg.StoreTimeout),
		watchlist: deps.Watchlist,
		notifier:  deps.Notifier,
		sanitizer: deps.Sanitizer,
		metrics:   collector,
		logger:    deps.Logger,
		cfg:       cfg,
		locks:     newKeyedLock(),
		now:       time.Now,
	}
}

// Process は観測値1件を処理する。
//
// 検証に失敗した観測値は*model.MalformedReadingErrorを返し、何も保存しない。
// 価格履歴への保存前にストア障害や中断が発生した場合は*RetryableErrorを返す。
// 保存後の処理は呼び出し元のキャンセルに関わらずStepTimeoutの範囲で最後まで実行する。
func (p *Pipeline) Process(ctx context.Context, r model.Reading) (*Outcome, error) {
	start := p.now()
	out := &Outcome{State: StateReceived, ProductID: r.ProductID}
	if r.IngestedAt.IsZero() {
		r.IngestedAt = start
	}
	r.TruncateTimestamps()

	if err := r.Validate(); err != nil {
		out.State = StateRejected
		p.metrics.RecordReading(metrics.OutcomeRejected)
		p.logger.Warn("不正な観測値を拒否しました",
			slog.String("product_id", r.ProductID),
			slog.String("error", err.Error()),
		)
		return out, err
	}

	if err := p.locks.Lock(ctx, r.ProductID); err != nil {
		return out, p.abort(r, fmt.Errorf("商品ロックの取得が中断されました: %w", err))
	}
	defer p.locks.Unlock(r.ProductID)

	prior, appended, err := p.archive(ctx, r)
	if err != nil {
		if isTransient(err) {
			return out, p.abort(r, err)
		}
		return out, err
	}
	out.State = StateArchived
	out.Appended = appended

	// 保存後は呼び出し元のキャンセルから切り離す
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StepTimeout)
	defer cancel()

	err = p.complete(dctx, r, prior, out)
	p.metrics.RecordPipelineLatency(p.now().Sub(start))
	if err != nil {
		p.metrics.RecordReading(metrics.OutcomeIncomplete)
		p.logger.Error("観測値は保存済みですが後続処理を完了できませんでした",
			slog.String("product_id", r.ProductID),
			slog.String("state", string(out.State)),
			slog.String("error", err.Error()),
		)
		return out, fmt.Errorf("後続処理を完了できませんでした (state=%s): %w", out.State, err)
	}

	p.metrics.RecordReading(metrics.OutcomeDispatched)
	p.logger.Info("観測値を処理しました",
		slog.String("product_id", r.ProductID),
		slog.String("classification", string(out.Classification)),
		slog.Any("tags", out.Tags.Strings()),
		slog.Bool("appended", out.Appended),
		slog.Int("intents", len(out.Intents)),
		slog.Int("delivered", out.Delivered),
	)
	return out, nil
}

func (p *Pipeline) abort(r model.Reading, err error) error {
	p.metrics.RecordReading(metrics.OutcomeRetryable)
	p.logger.Warn("観測値の処理を中断しました（再送対象）",
		slog.String("product_id", r.ProductID),
		slog.String("error", err.Error()),
	)
	return &RetryableError{Reading: r, Err: err}
}

// isTransient は再送で回復しうる失敗かを返す。
func isTransient(err error) bool {
	return repository.IsUnavailable(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// archive は直前の履歴を取得したうえで観測値を価格履歴に追記する。
func (p *Pipeline) archive(ctx context.Context, r model.Reading) (*model.PriceHistoryEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()

	prior, err := p.history.Latest(sctx, r.ProductID)
	if err != nil {
		return nil, false, fmt.Errorf("直前の価格履歴の取得に失敗: %w", err)
	}
	appended, err := p.history.Append(sctx, r.HistoryEntry())
	if err != nil {
		return nil, false, fmt.Errorf("価格履歴の保存に失敗: %w", err)
	}
	return prior, appended, nil
}

// complete は保存後の評価・計画・配信を行う。
func (p *Pipeline) complete(ctx context.Context, r model.Reading, prior *model.PriceHistoryEntry, out *Outcome) error {
	ev := evaluator.Evaluate(r, prior)

	// 到着順が逆転した観測値の商品名・販売者名で新しい情報を上書きしない
	product, err := p.ensureProduct(ctx, r, ev.Classification != evaluator.Stale, out)
	if err != nil {
		return err
	}

	out.State = StateEvaluated
	out.Classification = ev.Classification
	out.Tags = ev.Tags
	p.metrics.RecordClassification(string(ev.Classification))

	if ev.HasChange() {
		var watchers []model.WatchlistEntry
		err := p.withStore(ctx, func(sctx context.Context) error {
			var err error
			watchers, err = p.watchlist.WatchersOf(sctx, r.ProductID)
			return err
		})
		if err != nil {
			return fmt.Errorf("ウォッチャーの取得に失敗: %w", err)
		}
		if err := p.plan(ctx, product, ev, watchers, out); err != nil {
			return err
		}
	}
	out.State = StatePlanned

	p.dispatch(ctx, out)
	out.State = StateDispatched
	return nil
}

// plan は通知計画を行う。ストア障害で記録できなかったウォッチャーのみを再計画する。
func (p *Pipeline) plan(ctx context.Context, product *model.Product, ev evaluator.Evaluation, watchers []model.WatchlistEntry, out *Outcome) error {
	pending := watchers
	err := retry.Do(ctx, p.cfg.StoreAttempts, p.cfg.Backoff, repository.IsUnavailable, func(ctx context.Context) error {
		res, err := p.planner.Plan(ctx, product, ev, pending)
		out.Intents = append(out.Intents, res.Intents...)
		out.Warnings = append(out.Warnings, res.Warnings...)
		pending = res.Failed
		return err
	})
	if err != nil {
		return fmt.Errorf("通知計画に失敗 (未記録 %d件): %w", len(pending), err)
	}
	return nil
}

// dispatch は通知指示を配信側へ引き渡し、成功したものを配信済みにする。
// 失敗した通知指示はアウトボックスに未配信のまま残り、リレーワーカーが再送する。
func (p *Pipeline) dispatch(ctx context.Context, out *Outcome) {
	for _, intent := range out.Intents {
		if err := p.notifier.Notify(ctx, intent); err != nil {
			p.metrics.RecordDelivery(false)
			p.logger.Warn("通知の配信に失敗しました。リレーで再送します",
				slog.String("notification_id", intent.ID),
				slog.String("user_id", intent.UserID),
				slog.String("error", err.Error()),
			)
			p.markFailed(ctx, intent.ID)
			continue
		}
		p.metrics.RecordDelivery(true)

		err := p.withStore(ctx, func(sctx context.Context) error {
			return p.outbox.MarkDelivered(sctx, intent.ID, p.now())
		})
		if err != nil {
			// 配信済みの記録に失敗した通知はリレーで再送されうる
			p.logger.Warn("配信済みの記録に失敗しました",
				slog.String("notification_id", intent.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out.Delivered++
	}
}

func (p *Pipeline) markFailed(ctx context.Context, id string) {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	// 試行回数の上限はリレー側で判定する
	if _, err := p.outbox.MarkFailed(sctx, id, 0); err != nil {
		p.logger.Warn("配信失敗の記録に失敗しました",
			slog.String("notification_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// ensureProduct は商品を取得し、未登録の場合は観測値の補助情報から自動登録する。
// refreshDetailsがtrueで既存商品の商品名・販売者名が変わっていれば更新する。
func (p *Pipeline) ensureProduct(ctx context.Context, r model.Reading, refreshDetails bool, out *Outcome) (*model.Product, error) {
	name := p.sanitizer.Normalize(r.Name)
	seller := p.sanitizer.Normalize(r.Seller)

	var product *model.Product
	err := p.withStore(ctx, func(sctx context.Context) error {
		var err error
		product, err = p.products.FindByID(sctx, r.ProductID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("商品の取得に失敗: %w", err)
	}

	if product != nil {
		if refreshDetails && ((name != "" && name != product.Name) || (seller != "" && seller != product.Seller)) {
			err := p.withStore(ctx, func(sctx context.Context) error {
				return p.products.UpdateDetails(sctx, product.ID, name, seller)
			})
			if err != nil {
				return nil, fmt.Errorf("商品情報の更新に失敗: %w", err)
			}
			product.Name = cmp.Or(name, product.Name)
			product.Seller = cmp.Or(seller, product.Seller)
		}
		return product, nil
	}

	candidate := &model.Product{
		ID:        r.ProductID,
		Platform:  cmp.Or(r.Platform, model.IdentifyPlatform(r.URL)),
		SourceKey: cmp.Or(r.SourceKey, r.ProductID),
		URL:       r.URL,
		Name:      cmp.Or(name, r.SourceKey, r.ProductID),
		Seller:    seller,
		Currency:  r.Currency,
		CreatedAt: p.now(),
	}

	var registered bool
	err = p.withStore(ctx, func(sctx context.Context) error {
		var err error
		registered, err = p.products.EnsureRegistered(sctx, candidate)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("商品の自動登録に失敗: %w", err)
	}

	if registered {
		out.Registered = true
		p.logger.Info("未登録の商品を自動登録しました",
			slog.String("product_id", candidate.ID),
			slog.String("platform", candidate.Platform),
			slog.String("source_key", candidate.SourceKey),
		)
		return candidate, nil
	}

	// 並行して登録されたか、同じplatform+source_keyが別IDで登録済み
	err = p.withStore(ctx, func(sctx context.Context) error {
		var err error
		product, err = p.products.FindByID(sctx, r.ProductID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("商品の再取得に失敗: %w", err)
	}
	if product == nil {
		p.logger.Warn("同じplatform・source_keyの商品が別IDで登録済みです",
			slog.String("product_id", candidate.ID),
			slog.String("platform", candidate.Platform),
			slog.String("source_key", candidate.SourceKey),
		)
		return candidate, nil
	}
	return product, nil
}

// withStore はストア呼び出しをStoreTimeout付きで実行し、到達不能の場合はバックオフして再試行する。
func (p *Pipeline) withStore(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, p.cfg.StoreAttempts, p.cfg.Backoff, repository.IsUnavailable, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
		defer cancel()
		return fn(sctx)
	})
}
