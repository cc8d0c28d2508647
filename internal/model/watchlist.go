package model

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Preferences はウォッチリストエントリの通知設定。
type Preferences struct {
	NotifyOnPriceDrop bool
	NotifyOnRestock   bool
}

// DefaultPreferences は新規ウォッチ時のデフォルト通知設定を返す。
func DefaultPreferences() Preferences {
	return Preferences{NotifyOnPriceDrop: true, NotifyOnRestock: true}
}

// WatchlistEntry はユーザーと商品のウォッチ関係を表す。
// (UserID, ProductID) で一意。Versionは書き込みごとにインクリメントされ、
// 通知記録時の楽観的排他制御に使用する。
type WatchlistEntry struct {
	UserID            string
	ProductID         string
	NotifyOnPriceDrop bool
	NotifyOnRestock   bool
	LastNotifiedPrice decimal.NullDecimal
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Preferences はエントリの通知設定を返す。
func (e *WatchlistEntry) Preferences() Preferences {
	return Preferences{
		NotifyOnPriceDrop: e.NotifyOnPriceDrop,
		NotifyOnRestock:   e.NotifyOnRestock,
	}
}

// WatchedProduct はUI向けの読み取り専用プロジェクション（商品とウォッチリストエントリの組）。
type WatchedProduct struct {
	Product Product
	Entry   WatchlistEntry
}

// ChangeTag は価格・在庫変化の種類を表すタグ。
// 1つの観測値に複数のタグが同時に付与されうる。
type ChangeTag string

const (
	// TagPriceDrop は値下がりを表す。
	TagPriceDrop ChangeTag = "price_drop"
	// TagRestock は在庫切れからの再入荷を表す。
	TagRestock ChangeTag = "restock"
)

// TagSet は変化タグの集合。
type TagSet []ChangeTag

// Has はタグが含まれているかを返す。
func (s TagSet) Has(tag ChangeTag) bool {
	return slices.Contains(s, tag)
}

// Add は重複しないようにタグを追加した集合を返す。
func (s TagSet) Add(tag ChangeTag) TagSet {
	if s.Has(tag) {
		return s
	}
	return append(s, tag)
}

// Strings はタグを文字列スライスとして返す。
func (s TagSet) Strings() []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = string(t)
	}
	return out
}

// NotificationIntent は配信前の通知指示。
// 配信側が状態を再参照せずにメッセージを組み立てられる情報を含む。
type NotificationIntent struct {
	ID          string
	UserID      string
	ProductID   string
	Reasons     TagSet
	OldPrice    decimal.NullDecimal
	NewPrice    decimal.Decimal
	OldStock    StockState
	NewStock    StockState
	ObservedAt  time.Time
	ProductName string
	ProductURL  string
	CreatedAt   time.Time
}

// OutboxStatus は通知アウトボックスの配信状態。
type OutboxStatus string

const (
	// OutboxPending は未配信。
	OutboxPending OutboxStatus = "pending"
	// OutboxDelivered は配信済み。
	OutboxDelivered OutboxStatus = "delivered"
	// OutboxFailed は試行回数の上限に達し、再配信を打ち切った状態。
	OutboxFailed OutboxStatus = "failed"
)

// OutboxRecord はアウトボックスに記録された通知指示。
// ClaimedUntilはリレーが再配信のために確保している期限。期限内は他のリレーに渡さない。
type OutboxRecord struct {
	Intent       NotificationIntent
	Status       OutboxStatus
	Attempts     int
	ClaimedUntil *time.Time
	DeliveredAt  *time.Time
}
