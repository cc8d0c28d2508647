package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricetrak/internal/middleware"
	"github.com/hitoshi/pricetrak/internal/model"
)

// WatchlistServiceInterface はウォッチリストハンドラーが必要とするサービスインターフェース。
type WatchlistServiceInterface interface {
	// List はユーザーのウォッチリストを返す。
	List(ctx context.Context, userID string) ([]model.WatchedProduct, error)
	// Watch は商品をウォッチリストに追加、または通知設定を更新する。
	Watch(ctx context.Context, userID, productID string, prefs model.Preferences) (*model.WatchlistEntry, error)
	// Unwatch は商品をウォッチリストから外す。
	Unwatch(ctx context.Context, userID, productID string) error
	// Withdraw はユーザーとそのウォッチリストを削除する。
	Withdraw(ctx context.Context, userID string) error
}

// WatchlistHandler はウォッチリスト管理のHTTPハンドラー。
type WatchlistHandler struct {
	service WatchlistServiceInterface
	logger  *slog.Logger
}

// NewWatchlistHandler はWatchlistHandlerを生成する。
func NewWatchlistHandler(service WatchlistServiceInterface, logger *slog.Logger) *WatchlistHandler {
	return &WatchlistHandler{service: service, logger: logger}
}

// watchRequest は通知設定のリクエストボディ。省略した項目はtrueとして扱う。
type watchRequest struct {
	NotifyOnPriceDrop *bool `json:"notify_on_price_drop"`
	NotifyOnRestock   *bool `json:"notify_on_restock"`
}

// watchlistEntryResponse はウォッチリストエントリのAPIレスポンス。
type watchlistEntryResponse struct {
	ProductID         string              `json:"product_id"`
	NotifyOnPriceDrop bool                `json:"notify_on_price_drop"`
	NotifyOnRestock   bool                `json:"notify_on_restock"`
	LastNotifiedPrice decimal.NullDecimal `json:"last_notified_price"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// watchedProductResponse はウォッチ中の商品のAPIレスポンス。
type watchedProductResponse struct {
	Product productResponse        `json:"product"`
	Watch   watchlistEntryResponse `json:"watch"`
}

func toWatchlistEntryResponse(e *model.WatchlistEntry) watchlistEntryResponse {
	return watchlistEntryResponse{
		ProductID:         e.ProductID,
		NotifyOnPriceDrop: e.NotifyOnPriceDrop,
		NotifyOnRestock:   e.NotifyOnRestock,
		LastNotifiedPrice: e.LastNotifiedPrice,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

// ListWatchlist はユーザーのウォッチリストを商品の現在値付きで返す。
// GET /api/watchlist
func (h *WatchlistHandler) ListWatchlist(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	items, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := make([]watchedProductResponse, len(items))
	for i, item := range items {
		resp[i] = watchedProductResponse{
			Product: toProductResponse(&item.Product),
			Watch:   toWatchlistEntryResponse(&item.Entry),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Watch は商品をウォッチリストに追加し、通知設定を保存する。
// PUT /api/watchlist/{productID}
func (h *WatchlistHandler) Watch(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req watchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
			return
		}
	}

	prefs := model.DefaultPreferences()
	if req.NotifyOnPriceDrop != nil {
		prefs.NotifyOnPriceDrop = *req.NotifyOnPriceDrop
	}
	if req.NotifyOnRestock != nil {
		prefs.NotifyOnRestock = *req.NotifyOnRestock
	}

	entry, err := h.service.Watch(r.Context(), userID, chi.URLParam(r, "productID"), prefs)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toWatchlistEntryResponse(entry))
}

// Unwatch は商品をウォッチリストから外す。
// DELETE /api/watchlist/{productID}
func (h *WatchlistHandler) Unwatch(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.service.Unwatch(r.Context(), userID, chi.URLParam(r, "productID")); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Withdraw はユーザーを削除する。
// DELETE /api/users/me
func (h *WatchlistHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
