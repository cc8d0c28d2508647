package ingest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricetrak/internal/model"
)

// Payload はスクレイパーが送信する観測値のJSON表現。HTTP投入とキュー投入で共通。
// 価格・観測日時の欠落と0値を区別するためポインタで受ける。
type Payload struct {
	ProductID     string           `json:"product_id"`
	ObservedPrice *decimal.Decimal `json:"observed_price"`
	ObservedStock string           `json:"observed_stock"`
	ObservedAt    *time.Time       `json:"observed_at"`
	Platform      string           `json:"platform,omitempty"`
	SourceKey     string           `json:"source_key,omitempty"`
	URL           string           `json:"url,omitempty"`
	Name          string           `json:"name,omitempty"`
	Seller        string           `json:"seller,omitempty"`
	Currency      string           `json:"currency,omitempty"`
}

// Reading はペイロードを観測値に変換する。価格・観測日時の欠落は*model.MalformedReadingErrorとする。
func (p Payload) Reading() (model.Reading, error) {
	if p.ObservedPrice == nil {
		return model.Reading{}, &model.MalformedReadingError{Field: "observed_price", Reason: "必須項目です"}
	}
	if p.ObservedAt == nil {
		return model.Reading{}, &model.MalformedReadingError{Field: "observed_at", Reason: "必須項目です"}
	}
	return model.Reading{
		ProductID:     p.ProductID,
		ObservedPrice: *p.ObservedPrice,
		ObservedStock: model.StockState(p.ObservedStock),
		ObservedAt:    p.ObservedAt.UTC().Truncate(model.TimestampPrecision),
		Platform:      p.Platform,
		SourceKey:     p.SourceKey,
		URL:           p.URL,
		Name:          p.Name,
		Seller:        p.Seller,
		Currency:      p.Currency,
	}, nil
}

// NewPayload は観測値からペイロードを生成する。再送キューへの再投入に使用する。
func NewPayload(r model.Reading) Payload {
	price := r.ObservedPrice
	at := r.ObservedAt
	return Payload{
		ProductID:     r.ProductID,
		ObservedPrice: &price,
		ObservedStock: string(r.ObservedStock),
		ObservedAt:    &at,
		Platform:      r.Platform,
		SourceKey:     r.SourceKey,
		URL:           r.URL,
		Name:          r.Name,
		Seller:        r.Seller,
		Currency:      r.Currency,
	}
}
