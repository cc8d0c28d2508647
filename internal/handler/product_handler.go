package handler

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricetrak/internal/model"
)

const (
	defaultHistoryLimit = 1000
	maxHistoryLimit     = 10000
)

// ProductReader は商品ハンドラーが必要とする読み取りインターフェース。
type ProductReader interface {
	FindByID(ctx context.Context, id string) (*model.Product, error)
	History(ctx context.Context, productID string, r model.TimeRange) iter.Seq2[model.PriceHistoryEntry, error]
}

// ProductDeleter は商品の削除インターフェース。
type ProductDeleter interface {
	DeleteProduct(ctx context.Context, productID string) error
}

// ProductHandler は商品情報と価格履歴のHTTPハンドラー。
type ProductHandler struct {
	products ProductReader
	deleter  ProductDeleter
	logger   *slog.Logger
}

// NewProductHandler はProductHandlerを生成する。
func NewProductHandler(products ProductReader, deleter ProductDeleter, logger *slog.Logger) *ProductHandler {
	return &ProductHandler{products: products, deleter: deleter, logger: logger}
}

// productResponse は商品情報のAPIレスポンス。現在値は価格履歴の最新エントリから導出される。
type productResponse struct {
	ID            string              `json:"id"`
	Platform      string              `json:"platform"`
	SourceKey     string              `json:"source_key"`
	URL           string              `json:"url"`
	Name          string              `json:"name"`
	Seller        string              `json:"seller,omitempty"`
	Currency      string              `json:"currency,omitempty"`
	CurrentPrice  decimal.NullDecimal `json:"current_price"`
	CurrentStock  string              `json:"current_stock"`
	LastCheckedAt *time.Time          `json:"last_checked_at"`
	CreatedAt     time.Time           `json:"created_at"`
}

// historyPointResponse は価格履歴1件のAPIレスポンス。
type historyPointResponse struct {
	Price      decimal.Decimal `json:"price"`
	Stock      string          `json:"stock"`
	ObservedAt time.Time       `json:"observed_at"`
}

// historyResponse は価格履歴のAPIレスポンス。
type historyResponse struct {
	ProductID string                 `json:"product_id"`
	Points    []historyPointResponse `json:"points"`
	// Truncated はlimitに達して打ち切った場合にtrue。続きは最後のobserved_at以降をfromに指定して取得する。
	Truncated bool `json:"truncated"`
}

func toProductResponse(p *model.Product) productResponse {
	return productResponse{
		ID:            p.ID,
		Platform:      p.Platform,
		SourceKey:     p.SourceKey,
		URL:           p.URL,
		Name:          p.Name,
		Seller:        p.Seller,
		Currency:      p.Currency,
		CurrentPrice:  p.CurrentPrice,
		CurrentStock:  string(p.CurrentStock),
		LastCheckedAt: p.LastCheckedAt,
		CreatedAt:     p.CreatedAt,
	}
}

// GetProduct は商品情報を現在の価格・在庫付きで返す。
// GET /api/products/{id}
func (h *ProductHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")

	product, err := h.products.FindByID(r.Context(), productID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if product == nil {
		handleServiceError(w, h.logger, model.NewProductNotFoundError(productID))
		return
	}

	writeJSON(w, http.StatusOK, toProductResponse(product))
}

// GetHistory は商品の価格履歴をobserved_at昇順で返す。
// GET /api/products/{id}/history?from=&to=&limit=
func (h *ProductHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")

	tr, limit, apiErr := parseHistoryQuery(r)
	if apiErr != nil {
		handleServiceError(w, h.logger, apiErr)
		return
	}

	product, err := h.products.FindByID(r.Context(), productID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if product == nil {
		handleServiceError(w, h.logger, model.NewProductNotFoundError(productID))
		return
	}

	resp := historyResponse{ProductID: productID, Points: []historyPointResponse{}}
	for entry, err := range h.products.History(r.Context(), productID, tr) {
		if err != nil {
			handleServiceError(w, h.logger, err)
			return
		}
		if len(resp.Points) == limit {
			resp.Truncated = true
			break
		}
		resp.Points = append(resp.Points, historyPointResponse{
			Price:      entry.Price,
			Stock:      string(entry.Stock),
			ObservedAt: entry.ObservedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// DeleteProduct は商品の追跡を終了する。ウォッチリストのエントリも削除され、価格履歴は残る。
// DELETE /api/products/{id}
func (h *ProductHandler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.deleter.DeleteProduct(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseHistoryQuery はfrom、to（RFC3339）とlimitを解析する。
func parseHistoryQuery(r *http.Request) (model.TimeRange, int, *model.APIError) {
	var tr model.TimeRange
	q := r.URL.Query()

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return tr, 0, model.NewInvalidTimeRangeError("fromの形式が不正です")
		}
		tr.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return tr, 0, model.NewInvalidTimeRangeError("toの形式が不正です")
		}
		tr.To = t
	}
	if !tr.From.IsZero() && !tr.To.IsZero() && !tr.From.Before(tr.To) {
		return tr, 0, model.NewInvalidTimeRangeError("fromはtoより前である必要があります")
	}

	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			return tr, 0, model.NewInvalidRequestError("limitは1以上10000以下で指定してください")
		}
		limit = n
	}
	return tr, limit, nil
}
