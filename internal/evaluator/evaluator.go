// Package evaluator は観測値と直前の価格履歴を比較し、価格・在庫の変化を分類する。
package evaluator

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricetrak/internal/model"
)

// Classification は観測値の分類。
type Classification string

const (
	// Stale は直前の履歴以前に観測された観測値。履歴には保存するが変化としては扱わない。
	Stale Classification = "stale"
	// Initial はその商品の最初の観測値。比較対象がないため通知しない。
	Initial Classification = "initial"
	// Changed は直前の履歴と比較可能な観測値。変化がない場合もTagsが空のChangedになる。
	Changed Classification = "changed"
)

// Evaluation は変化判定の結果。
type Evaluation struct {
	Classification Classification
	Tags           model.TagSet

	// 比較に使用した値。PriorはInitialの場合nil。
	Prior      *model.PriceHistoryEntry
	NewPrice   decimal.Decimal
	NewStock   model.StockState
	ObservedAt time.Time

	// PriceDeltaは新価格 - 直前価格。Stale、Initialでは0。
	PriceDelta decimal.Decimal
	// DropMagnitudeは値下がり幅の絶対値。値下がりでなければ0。
	DropMagnitude decimal.Decimal
	// DropPercentは直前価格に対する値下がり率（0.2 = 20%）。直前価格が0の場合は0。
	DropPercent decimal.Decimal
}

// HasChange は通知対象となりうるタグが1つ以上あるかを返す。
func (e Evaluation) HasChange() bool {
	return len(e.Tags) > 0
}

// OldPrice は直前の価格を返す。直前の履歴がなければ無効値。
func (e Evaluation) OldPrice() decimal.NullDecimal {
	if e.Prior == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(e.Prior.Price)
}

// OldStock は直前の在庫状態を返す。直前の履歴がなければunknown。
func (e Evaluation) OldStock() model.StockState {
	if e.Prior == nil {
		return model.StockUnknown
	}
	return e.Prior.Stock
}

// Evaluate は観測値を直前の価格履歴エントリと比較して分類する。
// priorがnilの場合は初回観測として扱う。副作用を持たない。
func Evaluate(reading model.Reading, prior *model.PriceHistoryEntry) Evaluation {
	ev := Evaluation{
		Prior:         prior,
		NewPrice:      reading.ObservedPrice,
		NewStock:      reading.ObservedStock,
		ObservedAt:    reading.ObservedAt,
		PriceDelta:    decimal.Zero,
		DropMagnitude: decimal.Zero,
		DropPercent:   decimal.Zero,
	}

	if prior == nil {
		ev.Classification = Initial
		return ev
	}

	// 到着順の逆転・同一時刻の再送
	if !reading.ObservedAt.After(prior.ObservedAt) {
		ev.Classification = Stale
		return ev
	}

	ev.Classification = Changed
	ev.PriceDelta = reading.ObservedPrice.Sub(prior.Price)

	if ev.PriceDelta.IsNegative() {
		ev.Tags = ev.Tags.Add(model.TagPriceDrop)
		ev.DropMagnitude = ev.PriceDelta.Abs()
		if prior.Price.IsPositive() {
			ev.DropPercent = ev.DropMagnitude.Div(prior.Price)
		}
	}

	if isRestock(prior.Stock, reading.ObservedStock) {
		ev.Tags = ev.Tags.Add(model.TagRestock)
	}

	return ev
}

// isRestock は在庫切れから在庫ありへの遷移のみを再入荷とみなす。
// unknownを経由した遷移は再入荷として扱わない。
func isRestock(from, to model.StockState) bool {
	return from == model.StockOutOfStock && to == model.StockInStock
}
