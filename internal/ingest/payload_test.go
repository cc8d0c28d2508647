package ingest

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricetrak/internal/model"
)

func TestPayload_Reading(t *testing.T) {
	tests := []struct {
		name      string
		json      string
		wantField string
		wantPrice string
	}{
		{"文字列の価格", `{"product_id":"p1","observed_price":"19.99","observed_stock":"in_stock","observed_at":"2026-04-01T10:00:00+09:00"}`, "", "19.99"},
		{"数値の価格", `{"product_id":"p1","observed_price":0,"observed_stock":"out_of_stock","observed_at":"2026-04-01T10:00:00Z"}`, "", "0"},
		{"価格欠落", `{"product_id":"p1","observed_stock":"in_stock","observed_at":"2026-04-01T10:00:00Z"}`, "observed_price", ""},
		{"観測日時欠落", `{"product_id":"p1","observed_price":"1","observed_stock":"in_stock"}`, "observed_at", ""},
		{"ナノ秒の観測日時", `{"product_id":"p1","observed_price":"1","observed_stock":"in_stock","observed_at":"2026-04-01T10:00:00.123456789Z"}`, "", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Payload
			if err := json.Unmarshal([]byte(tt.json), &p); err != nil {
				t.Fatalf("Unmarshal() がエラーを返した: %v", err)
			}
			r, err := p.Reading()
			if tt.wantField != "" {
				var me *model.MalformedReadingError
				if !errors.As(err, &me) || me.Field != tt.wantField {
					t.Fatalf("error = %v, want MalformedReadingError(%s)", err, tt.wantField)
				}
				return
			}
			if err != nil {
				t.Fatalf("Reading() がエラーを返した: %v", err)
			}
			if !r.ObservedPrice.Equal(decimal.RequireFromString(tt.wantPrice)) {
				t.Errorf("ObservedPrice = %s, want %s", r.ObservedPrice, tt.wantPrice)
			}
			if r.ObservedAt.Location().String() != "UTC" {
				t.Errorf("ObservedAt はUTCに正規化されるべき: %v", r.ObservedAt)
			}
			if r.ObservedAt.Nanosecond()%1000 != 0 {
				t.Errorf("ObservedAt はマイクロ秒に切り捨てられるべき: %v", r.ObservedAt)
			}
		})
	}
}

func TestNewPayload_PreservesReading(t *testing.T) {
	r := reading("p1", "12.50", model.StockInStock, 3)
	r.URL = "https://www.lazada.sg/x"

	got, err := NewPayload(r).Reading()
	if err != nil {
		t.Fatalf("Reading() がエラーを返した: %v", err)
	}
	if got.ProductID != r.ProductID || !got.ObservedPrice.Equal(r.ObservedPrice) || !got.ObservedAt.Equal(r.ObservedAt) || got.URL != r.URL {
		t.Errorf("got %+v, want %+v", got, r)
	}
}
