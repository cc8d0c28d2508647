package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// 保存精度。PostgreSQLのTIMESTAMPTZとNUMERIC(18, 4)に合わせる。
const (
	TimestampPrecision = time.Microsecond
	PriceScale         = 4
)

// maxPrice はNUMERIC(18, 4)に収まらない最小の価格。
var maxPrice = decimal.New(1, 18-PriceScale)

// Reading は外部スクレイパーが観測した商品の価格・在庫のスナップショット。
// イミュータブルとして扱い、取り込みパイプラインで1回だけ消費される。
type Reading struct {
	ProductID     string
	ObservedPrice decimal.Decimal
	ObservedStock StockState
	ObservedAt    time.Time
	IngestedAt    time.Time

	// 未登録商品の自動登録時にのみ使用する補助情報
	Platform  string
	SourceKey string
	URL       string
	Name      string
	Seller    string
	Currency  string
}

// Validate は観測値の妥当性を検証する。
// 不正な場合は*MalformedReadingErrorを返す。
func (r *Reading) Validate() error {
	if strings.TrimSpace(r.ProductID) == "" {
		return &MalformedReadingError{Field: "product_id", Reason: "必須項目です"}
	}
	if r.ObservedPrice.IsNegative() {
		return &MalformedReadingError{Field: "observed_price", Reason: "負の価格は受け付けられません"}
	}
	if !r.ObservedPrice.Equal(r.ObservedPrice.Truncate(PriceScale)) {
		return &MalformedReadingError{Field: "observed_price", Reason: "小数点以下は4桁までです"}
	}
	if r.ObservedPrice.GreaterThanOrEqual(maxPrice) {
		return &MalformedReadingError{Field: "observed_price", Reason: "価格が大きすぎます"}
	}
	if !r.ObservedStock.Valid() {
		return &MalformedReadingError{Field: "observed_stock", Reason: "未知の在庫状態です: " + string(r.ObservedStock)}
	}
	if r.ObservedAt.IsZero() {
		return &MalformedReadingError{Field: "observed_at", Reason: "必須項目です"}
	}
	return nil
}

// TruncateTimestamps は観測日時・取り込み日時を保存精度に切り捨てる。
// 保存先によって同一observed_atの判定が変わらないよう、検証前に適用する。
func (r *Reading) TruncateTimestamps() {
	r.ObservedAt = r.ObservedAt.Truncate(TimestampPrecision)
	r.IngestedAt = r.IngestedAt.Truncate(TimestampPrecision)
}

// HistoryEntry は観測値から価格履歴エントリを生成する。
func (r *Reading) HistoryEntry() PriceHistoryEntry {
	return PriceHistoryEntry{
		ProductID:  r.ProductID,
		Price:      r.ObservedPrice,
		Stock:      r.ObservedStock,
		ObservedAt: r.ObservedAt,
		IngestedAt: r.IngestedAt,
	}
}
