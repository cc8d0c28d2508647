// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricetrak/internal/model"
)

// ProductRepository は商品データの永続化インターフェース。
// 返却されるProductの現在値（価格・在庫・最終確認日時）は価格履歴の最新エントリから導出する。
type ProductRepository interface {
	// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Product, error)
	// EnsureRegistered は商品が未登録であれば登録する。新規登録した場合はtrueを返す。
	// 既に登録済みの場合は何も変更しない。
	EnsureRegistered(ctx context.Context, product *model.Product) (bool, error)
	// UpdateDetails は商品名と販売者名を更新する。空文字列の項目は変更しない。
	UpdateDetails(ctx context.Context, id, name, seller string) error
	// DeleteByID は指定IDの商品を削除する。
	// 関連するwatchlist_entriesはCASCADE削除される。価格履歴は監査証跡として保持する。
	DeleteByID(ctx context.Context, id string) error
	// ListDueForRefresh はウォッチされている商品のうち、最新観測がstaleBeforeより古い
	// （または観測が1件もない）商品を古い順に最大limit件返す。
	ListDueForRefresh(ctx context.Context, staleBefore time.Time, limit int) ([]*model.Product, error)
}

// HistoryStore は価格履歴の追記専用ストア。
type HistoryStore interface {
	// Append は価格履歴エントリを追記する。
	// (product_id, observed_at) が既に記録済みの場合は何もせずfalseを返す（エラーではない）。
	Append(ctx context.Context, entry model.PriceHistoryEntry) (bool, error)
	// Latest は商品の最新の価格履歴エントリを返す。履歴がない場合はnilを返す。
	Latest(ctx context.Context, productID string) (*model.PriceHistoryEntry, error)
	// History は指定範囲の価格履歴をobserved_at昇順で返す遅延シーケンスを返す。
	// シーケンスは有限で、走査するたびに先頭から取得し直す。
	History(ctx context.Context, productID string, r model.TimeRange) iter.Seq2[model.PriceHistoryEntry, error]
}

// WatchlistRepository はウォッチリストの永続化インターフェース。
type WatchlistRepository interface {
	// WatchersOf は商品をウォッチしている全エントリを通知設定に関わらず返す。
	// 1回の呼び出しは呼び出し時点の一貫したスナップショットを返す。
	WatchersOf(ctx context.Context, productID string) ([]model.WatchlistEntry, error)
	// Find は (userID, productID) のエントリを返す。見つからない場合はnilを返す。
	Find(ctx context.Context, userID, productID string) (*model.WatchlistEntry, error)
	// Add はエントリを作成する。既に存在する場合は通知設定のみ更新する（UPSERT）。
	// seedは新規作成時のみlast_notified_priceの初期値として使用する。
	Add(ctx context.Context, userID, productID string, prefs model.Preferences, seed decimal.NullDecimal) (*model.WatchlistEntry, error)
	// Remove はエントリを削除する。削除した場合はtrueを返す。
	Remove(ctx context.Context, userID, productID string) (bool, error)
	// UpsertLastNotified はlast_notified_priceを更新する。
	UpsertLastNotified(ctx context.Context, userID, productID string, price decimal.Decimal) error
	// RecordNotification はlast_notified_priceの更新と通知指示のアウトボックス登録を
	// 同一トランザクションで行う。エントリのVersionがexpectedVersionと一致しない場合
	// （並行して設定変更・削除された場合）はmodel.ErrPreferenceConflictを返す。
	RecordNotification(ctx context.Context, intent *model.NotificationIntent, expectedVersion int64) error
	// ListByUser はユーザーのウォッチリストを商品情報付きで商品名昇順に返す。
	ListByUser(ctx context.Context, userID string) ([]model.WatchedProduct, error)
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
	// Create はユーザーを作成する。既に存在する場合は何もしない。
	Create(ctx context.Context, user *model.User) error
	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するwatchlist_entriesはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// ClaimRequest は再配信対象の確保条件。
type ClaimRequest struct {
	Limit int
	Now   time.Time
	// MinAge は確保対象とする通知指示の作成からの最小経過時間。
	// パイプラインによる初回配信はこの時間内に終わっている必要がある。
	MinAge time.Duration
	// Lease は確保の有効期間。期限切れの確保は再び対象になる。
	Lease time.Duration
}

// OutboxRepository は通知アウトボックスの永続化インターフェース。
type OutboxRepository interface {
	// ClaimPending は未配信かつ未確保（または確保期限切れ）でMinAge以上経過した通知指示を
	// 最大Limit件確保して返す。確保した行のClaimedUntilはNow+Leaseになる。
	// 試行回数の少ない順、同数なら作成日時の古い順に並べる。
	ClaimPending(ctx context.Context, req ClaimRequest) ([]model.OutboxRecord, error)
	// MarkDelivered は通知指示を配信済みにする。
	MarkDelivered(ctx context.Context, id string, deliveredAt time.Time) error
	// MarkFailed は配信失敗として試行回数をインクリメントし、更新後の状態を返す。
	// maxAttemptsが正で試行回数がそれに達した場合はmodel.OutboxFailedにする。
	MarkFailed(ctx context.Context, id string, maxAttempts int) (model.OutboxStatus, error)
	// DeleteDeliveredBefore はbeforeより前に配信済みとなった通知指示を削除し、削除件数を返す。
	DeleteDeliveredBefore(ctx context.Context, before time.Time) (int64, error)
}
