// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StockState は商品の在庫状態を表す。
type StockState string

const (
	// StockInStock は在庫ありの状態。
	StockInStock StockState = "in_stock"
	// StockOutOfStock は在庫切れの状態。
	StockOutOfStock StockState = "out_of_stock"
	// StockUnknown は在庫状態が取得できなかった状態。
	StockUnknown StockState = "unknown"
)

// Valid は定義済みの在庫状態かどうかを返す。
func (s StockState) Valid() bool {
	switch s {
	case StockInStock, StockOutOfStock, StockUnknown:
		return true
	default:
		return false
	}
}

// 対応プラットフォーム
const (
	PlatformAmazon  = "amazon"
	PlatformLazada  = "lazada"
	PlatformUnknown = "unknown"
)

// IdentifyPlatform は商品URLから販売プラットフォームを判定する。
// 判定できない場合はPlatformUnknownを返す。
func IdentifyPlatform(rawURL string) string {
	u := strings.ToLower(rawURL)
	switch {
	case strings.Contains(u, "amazon"):
		return PlatformAmazon
	case strings.Contains(u, "lazada"):
		return PlatformLazada
	default:
		return PlatformUnknown
	}
}

// Product は追跡対象の商品を表す。
// CurrentPrice、CurrentStock、LastCheckedAtは価格履歴の最新エントリから導出される値であり、
// productsテーブルには保存しない。
type Product struct {
	ID        string
	Platform  string
	SourceKey string
	URL       string
	Name      string
	Seller    string
	Currency  string
	CreatedAt time.Time

	// 価格履歴の最新エントリから導出される値
	CurrentPrice  decimal.NullDecimal
	CurrentStock  StockState
	LastCheckedAt *time.Time
}

// ApplyLatest は最新の価格履歴エントリを商品の現在値として反映する。
// entryがnilの場合は現在値を未確定状態にする。
func (p *Product) ApplyLatest(entry *PriceHistoryEntry) {
	if entry == nil {
		p.CurrentPrice = decimal.NullDecimal{}
		p.CurrentStock = StockUnknown
		p.LastCheckedAt = nil
		return
	}
	p.CurrentPrice = decimal.NewNullDecimal(entry.Price)
	p.CurrentStock = entry.Stock
	t := entry.ObservedAt
	p.LastCheckedAt = &t
}

// PriceHistoryEntry は受理された観測値から1対1で生成される追記専用の価格履歴レコード。
// (ProductID, ObservedAt) で一意。更新・削除は行わない。
type PriceHistoryEntry struct {
	ProductID  string
	Price      decimal.Decimal
	Stock      StockState
	ObservedAt time.Time
	IngestedAt time.Time
}

// Before は履歴の並び順（observed_at、同値の場合はingested_at）でeがotherより前かを返す。
func (e PriceHistoryEntry) Before(other PriceHistoryEntry) bool {
	if !e.ObservedAt.Equal(other.ObservedAt) {
		return e.ObservedAt.Before(other.ObservedAt)
	}
	return e.IngestedAt.Before(other.IngestedAt)
}

// TimeRange は価格履歴の取得範囲を表す。
// From、Toがゼロ値の場合はその方向に制限なしとして扱う。Toは排他的。
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains はtが範囲内かどうかを返す。
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}
