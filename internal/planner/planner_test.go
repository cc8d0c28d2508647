package planner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricetrak/internal/evaluator"
	"github.com/hitoshi/pricetrak/internal/model"
	"github.com/hitoshi/pricetrak/internal/repository"
)

// --- テスト用モック ---

// hookedStore はRecordNotificationの前に任意の処理を差し込めるMemoryStore。
// 通知設定の並行更新やストア障害の再現に使用する。
type hookedStore struct {
	*repository.MemoryStore
	beforeRecord func(call int) error
	recordCalls  int
}

func (s *hookedStore) RecordNotification(ctx context.Context, intent *model.NotificationIntent, expectedVersion int64) error {
	s.recordCalls++
	if s.beforeRecord != nil {
		if err := s.beforeRecord(s.recordCalls); err != nil {
			return err
		}
	}
	return s.MemoryStore.RecordNotification(ctx, intent, expectedVersion)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func newStore(t *testing.T) *repository.MemoryStore {
	t.Helper()
	s := repository.NewMemoryStore()
	_, err := s.EnsureRegistered(context.Background(), &model.Product{
		ID: "p1", Platform: model.PlatformAmazon, SourceKey: "B000", Name: "Desk Lamp", URL: "https://amazon.example/B000",
	})
	if err != nil {
		t.Fatalf("EnsureRegistered() がエラーを返した: %v", err)
	}
	return s
}

func mustReading(price string, stock model.StockState, minutes int) model.Reading {
	return model.Reading{
		ProductID:     "p1",
		ObservedPrice: decimal.RequireFromString(price),
		ObservedStock: stock,
		ObservedAt:    t0.Add(time.Duration(minutes) * time.Minute),
		IngestedAt:    t0.Add(time.Duration(minutes) * time.Minute),
	}
}

// ingest は評価・追記・計画を順に行うテスト用の簡易パイプライン。
func ingest(t *testing.T, p *Planner, store repository.WatchlistRepository, hist *repository.MemoryStore, r model.Reading) *Result {
	t.Helper()
	ctx := context.Background()

	prior, err := hist.Latest(ctx, r.ProductID)
	if err != nil {
		t.Fatalf("Latest() がエラーを返した: %v", err)
	}
	if _, err := hist.Append(ctx, r.HistoryEntry()); err != nil {
		t.Fatalf("Append() がエラーを返した: %v", err)
	}
	product, _ := hist.FindByID(ctx, r.ProductID)
	watchers, err := store.WatchersOf(ctx, r.ProductID)
	if err != nil {
		t.Fatalf("WatchersOf() がエラーを返した: %v", err)
	}

	res, err := p.Plan(ctx, product, evaluator.Evaluate(r, prior), watchers)
	if err != nil {
		t.Fatalf("Plan() がエラーを返した: %v", err)
	}
	return res
}

func TestDecide(t *testing.T) {
	drop := evaluator.Evaluation{
		Classification: evaluator.Changed,
		Tags:           model.TagSet{model.TagPriceDrop},
		NewPrice:       decimal.NewFromInt(80),
	}
	both := evaluator.Evaluation{
		Classification: evaluator.Changed,
		Tags:           model.TagSet{model.TagPriceDrop, model.TagRestock},
		NewPrice:       decimal.NewFromInt(80),
	}

	tests := []struct {
		name           string
		ev             evaluator.Evaluation
		entry          model.WatchlistEntry
		wantReasons    model.TagSet
		wantSuppressed bool
	}{
		{
			name:        "値下がり通知を希望",
			ev:          drop,
			entry:       model.WatchlistEntry{NotifyOnPriceDrop: true},
			wantReasons: model.TagSet{model.TagPriceDrop},
		},
		{
			name:  "値下がり通知を希望しない",
			ev:    drop,
			entry: model.WatchlistEntry{NotifyOnPriceDrop: false, NotifyOnRestock: true},
		},
		{
			name:           "通知済み価格と同額は抑制",
			ev:             drop,
			entry:          model.WatchlistEntry{NotifyOnPriceDrop: true, LastNotifiedPrice: decimal.NewNullDecimal(decimal.NewFromInt(80))},
			wantSuppressed: true,
		},
		{
			name:        "通知済み価格を下回る",
			ev:          drop,
			entry:       model.WatchlistEntry{NotifyOnPriceDrop: true, LastNotifiedPrice: decimal.NewNullDecimal(decimal.NewFromInt(90))},
			wantReasons: model.TagSet{model.TagPriceDrop},
		},
		{
			name:        "値下がりと再入荷を1件に統合",
			ev:          both,
			entry:       model.WatchlistEntry{NotifyOnPriceDrop: true, NotifyOnRestock: true},
			wantReasons: model.TagSet{model.TagPriceDrop, model.TagRestock},
		},
		{
			name:           "値下がりは抑制しても再入荷は通知",
			ev:             both,
			entry:          model.WatchlistEntry{NotifyOnPriceDrop: true, NotifyOnRestock: true, LastNotifiedPrice: decimal.NewNullDecimal(decimal.NewFromInt(70))},
			wantReasons:    model.TagSet{model.TagRestock},
			wantSuppressed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reasons, suppressed := Decide(tt.ev, tt.entry)
			if suppressed != tt.wantSuppressed {
				t.Errorf("suppressed = %v, want %v", suppressed, tt.wantSuppressed)
			}
			if len(reasons) != len(tt.wantReasons) {
				t.Fatalf("reasons = %v, want %v", reasons, tt.wantReasons)
			}
			for _, r := range tt.wantReasons {
				if !reasons.Has(r) {
					t.Errorf("reasons = %v, %q が含まれていない", reasons, r)
				}
			}
		})
	}
}

func TestPlan_SuppressionSequence(t *testing.T) {
	// 100 → 80 で1回通知、85 → 80 では通知せず、70 で1回だけ再通知する
	var buf bytes.Buffer
	store := newStore(t)
	p := NewPlanner(store, nil, newTestLogger(&buf))
	store.Add(context.Background(), "u1", "p1", model.DefaultPreferences(), decimal.NullDecimal{})

	prices := []string{"100", "80", "85", "80", "70"}
	want := []int{0, 1, 0, 0, 1}

	for i, price := range prices {
		res := ingest(t, p, store, store, mustReading(price, model.StockInStock, i+1))
		if len(res.Intents) != want[i] {
			t.Errorf("価格%s の通知数 = %d, want %d", price, len(res.Intents), want[i])
		}
	}

	if got := len(store.Outbox()); got != 2 {
		t.Errorf("アウトボックス件数 = %d, want 2", got)
	}
	entry, _ := store.Find(context.Background(), "u1", "p1")
	if !entry.LastNotifiedPrice.Decimal.Equal(decimal.NewFromInt(70)) {
		t.Errorf("LastNotifiedPrice = %v, want 70", entry.LastNotifiedPrice)
	}
}

func TestPlan_PriceDropDisabledNeverNotifies(t *testing.T) {
	var buf bytes.Buffer
	store := newStore(t)
	p := NewPlanner(store, nil, newTestLogger(&buf))
	store.Add(context.Background(), "u1", "p1", model.Preferences{NotifyOnPriceDrop: false, NotifyOnRestock: true}, decimal.NullDecimal{})

	for i, price := range []string{"100", "90", "50", "10", "1"} {
		res := ingest(t, p, store, store, mustReading(price, model.StockInStock, i+1))
		for _, intent := range res.Intents {
			if intent.Reasons.Has(model.TagPriceDrop) {
				t.Fatalf("値下がり通知を希望しないユーザーに通知された: %+v", intent)
			}
		}
	}
}

func TestPlan_ConcreteScenario(t *testing.T) {
	var buf bytes.Buffer
	store := newStore(t)
	p := NewPlanner(store, nil, newTestLogger(&buf))
	store.Add(context.Background(), "u1", "p1", model.DefaultPreferences(), decimal.NullDecimal{})

	first := ingest(t, p, store, store, mustReading("50", model.StockInStock, 1))
	if len(first.Intents) != 0 {
		t.Fatalf("初回観測の通知数 = %d, want 0", len(first.Intents))
	}

	second := ingest(t, p, store, store, mustReading("40", model.StockInStock, 2))
	if len(second.Intents) != 1 {
		t.Fatalf("値下がり時の通知数 = %d, want 1", len(second.Intents))
	}
	intent := second.Intents[0]
	if !intent.OldPrice.Valid || !intent.OldPrice.Decimal.Equal(decimal.NewFromInt(50)) {
		t.Errorf("OldPrice = %v, want 50", intent.OldPrice)
	}
	if !intent.NewPrice.Equal(decimal.NewFromInt(40)) {
		t.Errorf("NewPrice = %s, want 40", intent.NewPrice)
	}
	if !intent.Reasons.Has(model.TagPriceDrop) || intent.Reasons.Has(model.TagRestock) {
		t.Errorf("Reasons = %v, want [price_drop]", intent.Reasons)
	}
	if intent.ProductName != "Desk Lamp" || intent.ProductURL == "" {
		t.Errorf("通知指示に商品情報が含まれていない: %+v", intent)
	}
	if intent.ID == "" {
		t.Error("通知指示のIDが空")
	}
}

func TestPlan_StaleAndInitialProduceNothing(t *testing.T) {
	var buf bytes.Buffer
	store := newStore(t)
	p := NewPlanner(store, nil, newTestLogger(&buf))
	store.Add(context.Background(), "u1", "p1", model.DefaultPreferences(), decimal.NullDecimal{})
	watchers, _ := store.WatchersOf(context.Background(), "p1")

	for _, ev := range []evaluator.Evaluation{
		{Classification: evaluator.Initial, NewPrice: decimal.NewFromInt(1)},
		{Classification: evaluator.Stale, NewPrice: decimal.NewFromInt(1)},
	} {
		res, err := p.Plan(context.Background(), &model.Product{ID: "p1"}, ev, watchers)
		if err != nil {
			t.Fatalf("Plan() がエラーを返した: %v", err)
		}
		if len(res.Intents) != 0 {
			t.Errorf("%s の通知数 = %d, want 0", ev.Classification, len(res.Intents))
		}
	}
}

func TestPlan_ConflictRetriesOnceWithFreshPreferences(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	mem := newStore(t)
	mem.Add(ctx, "u1", "p1", model.DefaultPreferences(), decimal.NullDecimal{})

	store := &hookedStore{MemoryStore: mem}
	store.beforeRecord = func(call int) error {
		if call == 1 {
			// 計画中にユーザーが通知設定を更新する
			mem.Add(ctx, "u1", "p1", model.Preferences{NotifyOnPriceDrop: true, NotifyOnRestock: false}, decimal.NullDecimal{})
		}
		return nil
	}
	p := NewPlanner(store, nil, newTestLogger(&buf))

	ingest(t, p, store, mem, mustReading("50", model.StockOutOfStock, 1))
	res := ingest(t, p, store, mem, mustReading("40", model.StockInStock, 2))

	if len(res.Intents) != 1 {
		t.Fatalf("通知数 = %d, want 1", len(res.Intents))
	}
	// 再判定は最新の設定（再入荷通知なし）で行われる
	if res.Intents[0].Reasons.Has(model.TagRestock) {
		t.Errorf("Reasons = %v, 更新後の設定が反映されていない", res.Intents[0].Reasons)
	}
	if store.recordCalls != 2 {
		t.Errorf("RecordNotification 呼び出し回数 = %d, want 2", store.recordCalls)
	}
	if len(mem.Outbox()) != 1 {
		t.Errorf("アウトボックス件数 = %d, want 1", len(mem.Outbox()))
	}
}

func TestPlan_SecondConflictIsWarning(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	mem := newStore(t)
	mem.Add(ctx, "u1", "p1", model.DefaultPreferences(), decimal.NullDecimal{})

	store := &hookedStore{MemoryStore: mem}
	store.beforeRecord = func(call int) error {
		mem.Add(ctx, "u1", "p1", model.DefaultPreferences(), decimal.NullDecimal{})
		return nil
	}
	p := NewPlanner(store, nil, newTestLogger(&buf))

	ingest(t, p, store, mem, mustReading("50", model.StockInStock, 1))
	res := ingest(t, p, store, mem, mustReading("40", model.StockInStock, 2))

	if len(res.Intents) != 0 {
		t.Errorf("通知数 = %d, want 0", len(res.Intents))
	}
	if len(res.Warnings) != 1 || !errors.Is(res.Warnings[0].Err, model.ErrPlanningInconsistent) {
		t.Fatalf("Warnings = %+v, want PlanningInconsistent 1件", res.Warnings)
	}
	if store.recordCalls != 2 {
		t.Errorf("RecordNotification 呼び出し回数 = %d, want 2（再試行は1回のみ）", store.recordCalls)
	}
	if len(mem.Outbox()) != 0 {
		t.Error("競合が解消しない場合はアウトボックスに登録されてはならない")
	}
}

func TestPlan_RemovedDuringPlanningYieldsNoIntent(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	mem := newStore(t)
	mem.Add(ctx, "u1", "p1", model.DefaultPreferences(), decimal.NullDecimal{})

	store := &hookedStore{MemoryStore: mem}
	store.beforeRecord = func(call int) error {
		mem.Remove(ctx, "u1", "p1")
		return nil
	}
	p := NewPlanner(store, nil, newTestLogger(&buf))

	ingest(t, p, store, mem, mustReading("50", model.StockInStock, 1))
	res := ingest(t, p, store, mem, mustReading("40", model.StockInStock, 2))

	if len(res.Intents) != 0 || len(res.Warnings) != 0 {
		t.Errorf("削除済みウォッチへの結果 = %+v, want 通知・警告なし", res)
	}
	if len(mem.Outbox()) != 0 {
		t.Error("削除済みウォッチの通知がアウトボックスに登録された")
	}
}

func TestPlan_StoreFailureReportsFailedWatchers(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	mem := newStore(t)
	mem.Add(ctx, "u1", "p1", model.DefaultPreferences(), decimal.NullDecimal{})
	mem.Add(ctx, "u2", "p1", model.DefaultPreferences(), decimal.NullDecimal{})

	store := &hookedStore{MemoryStore: mem}
	p := NewPlanner(store, nil, newTestLogger(&buf))
	ingest(t, p, store, mem, mustReading("50", model.StockInStock, 1))

	store.beforeRecord = func(call int) error {
		if call == 1 {
			return model.ErrStoreUnavailable
		}
		return nil
	}
	store.recordCalls = 0

	r := mustReading("40", model.StockInStock, 2)
	prior, _ := mem.Latest(ctx, "p1")
	mem.Append(ctx, r.HistoryEntry())
	product, _ := mem.FindByID(ctx, "p1")
	watchers, _ := mem.WatchersOf(ctx, "p1")

	res, err := p.Plan(ctx, product, evaluator.Evaluate(r, prior), watchers)
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("Plan() error = %v, want ErrStoreUnavailable", err)
	}
	if len(res.Failed) != 1 || res.Failed[0].UserID != "u1" {
		t.Errorf("Failed = %+v, want u1 のみ", res.Failed)
	}
	if len(res.Intents) != 1 || res.Intents[0].UserID != "u2" {
		t.Errorf("Intents = %+v, want u2 のみ", res.Intents)
	}

	// 失敗したウォッチャーだけを再計画すると二重通知にならない
	retry, err := p.Plan(ctx, product, evaluator.Evaluate(r, prior), res.Failed)
	if err != nil {
		t.Fatalf("再計画がエラーを返した: %v", err)
	}
	if len(retry.Intents) != 1 || retry.Intents[0].UserID != "u1" {
		t.Errorf("再計画の Intents = %+v, want u1 のみ", retry.Intents)
	}
	if len(mem.Outbox()) != 2 {
		t.Errorf("アウトボックス件数 = %d, want 2", len(mem.Outbox()))
	}
}

func TestPlan_DeduplicatesWatchers(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	store := newStore(t)
	store.Add(ctx, "u1", "p1", model.DefaultPreferences(), decimal.NullDecimal{})
	p := NewPlanner(store, nil, newTestLogger(&buf))
	ingest(t, p, store, store, mustReading("50", model.StockOutOfStock, 1))

	r := mustReading("40", model.StockInStock, 2)
	prior, _ := store.Latest(ctx, "p1")
	store.Append(ctx, r.HistoryEntry())
	watchers, _ := store.WatchersOf(ctx, "p1")
	watchers = append(watchers, watchers[0])

	res, err := p.Plan(ctx, &model.Product{ID: "p1"}, evaluator.Evaluate(r, prior), watchers)
	if err != nil {
		t.Fatalf("Plan() がエラーを返した: %v", err)
	}
	if len(res.Intents) != 1 {
		t.Fatalf("通知数 = %d, want 1", len(res.Intents))
	}
	if len(res.Intents[0].Reasons) != 2 {
		t.Errorf("Reasons = %v, want 値下がりと再入荷の統合", res.Intents[0].Reasons)
	}
}
