package repository

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricetrak/internal/model"
)

// watchKey はウォッチリストエントリの一意キー。
type watchKey struct {
	userID    string
	productID string
}

// MemoryStore はプロセス内メモリを使用したストア。
// ProductRepository、HistoryStore、WatchlistRepository、UserRepository、
// OutboxRepositoryのすべてを実装し、STORAGE_DRIVER=memory とテストで使用する。
// 外部キーのCASCADE削除はPostgreSQLのスキーマと同じ挙動を再現する。
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]model.Product
	history  map[string][]model.PriceHistoryEntry
	watch    map[watchKey]model.WatchlistEntry
	users    map[string]model.User
	outbox   []model.OutboxRecord

	unavailable atomic.Bool
	now         func() time.Time
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]model.Product),
		history:  make(map[string][]model.PriceHistoryEntry),
		watch:    make(map[watchKey]model.WatchlistEntry),
		users:    make(map[string]model.User),
		now:      time.Now,
	}
}

// SetUnavailable はストアの到達不能状態を切り替える。
// trueの間はすべての操作がmodel.ErrStoreUnavailableを返す。
func (s *MemoryStore) SetUnavailable(v bool) {
	s.unavailable.Store(v)
}

func (s *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wrapStoreError("メモリストアの操作が中断されました", err)
	}
	if s.unavailable.Load() {
		return fmt.Errorf("メモリストアに到達できません: %w", model.ErrStoreUnavailable)
	}
	return nil
}

// --- ProductRepository ---

// FindByID は指定IDの商品を最新の価格・在庫付きで取得する。
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*model.Product, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	p.ApplyLatest(s.latestLocked(id))
	return &p, nil
}

// EnsureRegistered は商品が未登録であれば登録する。
func (s *MemoryStore) EnsureRegistered(ctx context.Context, product *model.Product) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[product.ID]; ok {
		return false, nil
	}
	for _, existing := range s.products {
		if existing.Platform == product.Platform && existing.SourceKey == product.SourceKey {
			return false, nil
		}
	}
	p := *product
	p.ApplyLatest(nil)
	s.products[p.ID] = p
	return true, nil
}

// UpdateDetails は商品名と販売者名を更新する。空文字列の項目は変更しない。
func (s *MemoryStore) UpdateDetails(ctx context.Context, id, name, seller string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil
	}
	if name != "" {
		p.Name = name
	}
	if seller != "" {
		p.Seller = seller
	}
	s.products[id] = p
	return nil
}

// DeleteByID は商品と関連するウォッチリストエントリを削除する。価格履歴は保持する。
func (s *MemoryStore) DeleteByID(ctx context.Context, id string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return fmt.Errorf("商品が見つかりません: %s: %w", id, model.ErrNotFound)
	}
	delete(s.products, id)
	for k := range s.watch {
		if k.productID == id {
			delete(s.watch, k)
		}
	}
	return nil
}

// ListDueForRefresh はウォッチされている商品のうち、最新観測がstaleBeforeより古い商品を返す。
func (s *MemoryStore) ListDueForRefresh(ctx context.Context, staleBefore time.Time, limit int) ([]*model.Product, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	watched := make(map[string]bool)
	for k := range s.watch {
		watched[k.productID] = true
	}

	var due []*model.Product
	for id := range watched {
		p, ok := s.products[id]
		if !ok {
			continue
		}
		p.ApplyLatest(s.latestLocked(id))
		if p.LastCheckedAt != nil && !p.LastCheckedAt.Before(staleBefore) {
			continue
		}
		due = append(due, &p)
	}

	slices.SortFunc(due, func(a, b *model.Product) int {
		switch {
		case a.LastCheckedAt == nil && b.LastCheckedAt == nil:
			return strings.Compare(a.ID, b.ID)
		case a.LastCheckedAt == nil:
			return -1
		case b.LastCheckedAt == nil:
			return 1
		}
		if c := a.LastCheckedAt.Compare(*b.LastCheckedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// --- HistoryStore ---

// Append は価格履歴エントリを追記する。(product_id, observed_at) が重複する場合はfalseを返す。
func (s *MemoryStore) Append(ctx context.Context, entry model.PriceHistoryEntry) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.history[entry.ProductID]
	for _, e := range entries {
		if e.ObservedAt.Equal(entry.ObservedAt) {
			return false, nil
		}
	}
	i, _ := slices.BinarySearchFunc(entries, entry, compareHistory)
	s.history[entry.ProductID] = slices.Insert(entries, i, entry)
	return true, nil
}

// Latest は商品の最新の価格履歴エントリを返す。
func (s *MemoryStore) Latest(ctx context.Context, productID string) (*model.PriceHistoryEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestLocked(productID), nil
}

func (s *MemoryStore) latestLocked(productID string) *model.PriceHistoryEntry {
	entries := s.history[productID]
	if len(entries) == 0 {
		return nil
	}
	latest := entries[len(entries)-1]
	return &latest
}

// History は指定範囲の価格履歴をobserved_at昇順で返す。
// 走査開始時点のスナップショットを返すため、走査中の追記の影響を受けない。
func (s *MemoryStore) History(ctx context.Context, productID string, r model.TimeRange) iter.Seq2[model.PriceHistoryEntry, error] {
	return func(yield func(model.PriceHistoryEntry, error) bool) {
		if err := s.check(ctx); err != nil {
			yield(model.PriceHistoryEntry{}, err)
			return
		}
		s.mu.RLock()
		snapshot := slices.Clone(s.history[productID])
		s.mu.RUnlock()

		for _, e := range snapshot {
			if !r.Contains(e.ObservedAt) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func compareHistory(a, b model.PriceHistoryEntry) int {
	if c := a.ObservedAt.Compare(b.ObservedAt); c != 0 {
		return c
	}
	return a.IngestedAt.Compare(b.IngestedAt)
}

// --- WatchlistRepository ---

// WatchersOf は商品をウォッチしている全エントリをuser_id昇順で返す。
func (s *MemoryStore) WatchersOf(ctx context.Context, productID string) ([]model.WatchlistEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.WatchlistEntry
	for k, e := range s.watch {
		if k.productID == productID {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b model.WatchlistEntry) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return entries, nil
}

// Find は (userID, productID) のエントリを返す。
func (s *MemoryStore) Find(ctx context.Context, userID, productID string) (*model.WatchlistEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.watch[watchKey{userID, productID}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Add はエントリを作成、または既存エントリの通知設定を更新する。
func (s *MemoryStore) Add(ctx context.Context, userID, productID string, prefs model.Preferences, seed decimal.NullDecimal) (*model.WatchlistEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := watchKey{userID, productID}
	e, ok := s.watch[key]
	if ok {
		e.NotifyOnPriceDrop = prefs.NotifyOnPriceDrop
		e.NotifyOnRestock = prefs.NotifyOnRestock
		e.Version++
		e.UpdatedAt = now
	} else {
		if _, exists := s.products[productID]; !exists {
			return nil, fmt.Errorf("商品が見つかりません: %s: %w", productID, model.ErrNotFound)
		}
		e = model.WatchlistEntry{
			UserID:            userID,
			ProductID:         productID,
			NotifyOnPriceDrop: prefs.NotifyOnPriceDrop,
			NotifyOnRestock:   prefs.NotifyOnRestock,
			LastNotifiedPrice: seed,
			Version:           1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	}
	s.watch[key] = e
	return &e, nil
}

// Remove はエントリを削除する。
func (s *MemoryStore) Remove(ctx context.Context, userID, productID string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := watchKey{userID, productID}
	if _, ok := s.watch[key]; !ok {
		return false, nil
	}
	delete(s.watch, key)
	return true, nil
}

// UpsertLastNotified はlast_notified_priceを更新する。
func (s *MemoryStore) UpsertLastNotified(ctx context.Context, userID, productID string, price decimal.Decimal) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := watchKey{userID, productID}
	e, ok := s.watch[key]
	if !ok {
		return fmt.Errorf("ウォッチリストエントリが見つかりません: %s/%s: %w", userID, productID, model.ErrNotFound)
	}
	e.LastNotifiedPrice = decimal.NewNullDecimal(price)
	e.Version++
	e.UpdatedAt = s.now()
	s.watch[key] = e
	return nil
}

// RecordNotification はversionを照合したうえでlast_notified_priceを更新し、アウトボックスに登録する。
// 両方の更新は同一のロック区間で行われる。
func (s *MemoryStore) RecordNotification(ctx context.Context, intent *model.NotificationIntent, expectedVersion int64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := watchKey{intent.UserID, intent.ProductID}
	e, ok := s.watch[key]
	if !ok || e.Version != expectedVersion {
		return fmt.Errorf("ウォッチリストエントリが並行して変更されました: %s/%s: %w",
			intent.UserID, intent.ProductID, model.ErrPreferenceConflict)
	}
	e.LastNotifiedPrice = decimal.NewNullDecimal(intent.NewPrice)
	e.Version++
	e.UpdatedAt = s.now()
	s.watch[key] = e

	s.outbox = append(s.outbox, model.OutboxRecord{
		Intent: *intent,
		Status: model.OutboxPending,
	})
	return nil
}

// ListByUser はユーザーのウォッチリストを商品名昇順で返す。
func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]model.WatchedProduct, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []model.WatchedProduct
	for k, e := range s.watch {
		if k.userID != userID {
			continue
		}
		p, ok := s.products[k.productID]
		if !ok {
			continue
		}
		p.ApplyLatest(s.latestLocked(k.productID))
		results = append(results, model.WatchedProduct{Product: p, Entry: e})
	}
	slices.SortFunc(results, func(a, b model.WatchedProduct) int {
		return cmp.Or(
			strings.Compare(strings.ToLower(a.Product.Name), strings.ToLower(b.Product.Name)),
			strings.Compare(a.Product.ID, b.Product.ID),
		)
	})
	return results, nil
}

// --- UserRepository ---

// Users はMemoryStoreをUserRepositoryとして扱うためのアダプタを返す。
// FindByID、DeleteByIDはProductRepositoryのメソッドと名前が重なるため別型で実装する。
func (s *MemoryStore) Users() UserRepository {
	return memoryUsers{s}
}

type memoryUsers struct{ s *MemoryStore }

func (u memoryUsers) FindByID(ctx context.Context, id string) (*model.User, error) {
	if err := u.s.check(ctx); err != nil {
		return nil, err
	}
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	user, ok := u.s.users[id]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

func (u memoryUsers) Create(ctx context.Context, user *model.User) error {
	if err := u.s.check(ctx); err != nil {
		return err
	}
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	if _, ok := u.s.users[user.ID]; !ok {
		u.s.users[user.ID] = *user
	}
	return nil
}

func (u memoryUsers) DeleteByID(ctx context.Context, id string) error {
	if err := u.s.check(ctx); err != nil {
		return err
	}
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	if _, ok := u.s.users[id]; !ok {
		return fmt.Errorf("ユーザーが見つかりません: %s: %w", id, model.ErrNotFound)
	}
	delete(u.s.users, id)
	for k := range u.s.watch {
		if k.userID == id {
			delete(u.s.watch, k)
		}
	}
	return nil
}

// --- OutboxRepository ---

// ClaimPending は未配信の通知指示を確保して返す。
func (s *MemoryStore) ClaimPending(ctx context.Context, req ClaimRequest) ([]model.OutboxRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	createdBefore := req.Now.Add(-req.MinAge)
	var idx []int
	for i, rec := range s.outbox {
		if rec.Status != model.OutboxPending || rec.Intent.CreatedAt.After(createdBefore) {
			continue
		}
		if rec.ClaimedUntil != nil && rec.ClaimedUntil.After(req.Now) {
			continue
		}
		idx = append(idx, i)
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Or(
			cmp.Compare(s.outbox[a].Attempts, s.outbox[b].Attempts),
			s.outbox[a].Intent.CreatedAt.Compare(s.outbox[b].Intent.CreatedAt),
		)
	})
	if req.Limit > 0 && len(idx) > req.Limit {
		idx = idx[:req.Limit]
	}

	until := req.Now.Add(req.Lease)
	records := make([]model.OutboxRecord, 0, len(idx))
	for _, i := range idx {
		t := until
		s.outbox[i].ClaimedUntil = &t
		records = append(records, s.outbox[i])
	}
	return records, nil
}

// MarkDelivered は通知指示を配信済みにする。
func (s *MemoryStore) MarkDelivered(ctx context.Context, id string, deliveredAt time.Time) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].Intent.ID == id && s.outbox[i].Status == model.OutboxPending {
			t := deliveredAt
			s.outbox[i].Status = model.OutboxDelivered
			s.outbox[i].DeliveredAt = &t
			s.outbox[i].Attempts++
		}
	}
	return nil
}

// MarkFailed は配信失敗として試行回数をインクリメントする。
func (s *MemoryStore) MarkFailed(ctx context.Context, id string, maxAttempts int) (model.OutboxStatus, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		rec := &s.outbox[i]
		if rec.Intent.ID != id || rec.Status != model.OutboxPending {
			continue
		}
		rec.Attempts++
		if maxAttempts > 0 && rec.Attempts >= maxAttempts {
			rec.Status = model.OutboxFailed
		}
		return rec.Status, nil
	}
	return "", fmt.Errorf("未配信の通知が見つかりません: %s: %w", id, model.ErrNotFound)
}

// DeleteDeliveredBefore はbeforeより前に配信済みとなった通知指示を削除する。
func (s *MemoryStore) DeleteDeliveredBefore(ctx context.Context, before time.Time) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	kept := s.outbox[:0]
	for _, rec := range s.outbox {
		if rec.Status == model.OutboxDelivered && rec.DeliveredAt != nil && rec.DeliveredAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	s.outbox = kept
	return deleted, nil
}

// Outbox はアウトボックスの全レコードのコピーを返す。
func (s *MemoryStore) Outbox() []model.OutboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.outbox)
}

// compile-time interface check
var (
	_ ProductRepository   = (*MemoryStore)(nil)
	_ HistoryStore        = (*MemoryStore)(nil)
	_ WatchlistRepository = (*MemoryStore)(nil)
	_ OutboxRepository    = (*MemoryStore)(nil)
	_ UserRepository      = memoryUsers{}
)
