// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/pricetrak/internal/middleware"
)

// HealthChecker は依存先（データストア等）の疎通確認を行う関数。
type HealthChecker func(ctx context.Context) error

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	IngestToken       string
	RateLimiter       *middleware.RateLimiter

	// 観測値の取り込み
	Pipeline ReadingProcessor

	// 商品・ウォッチリスト
	Products  ProductReader
	Watchlist interface {
		WatchlistServiceInterface
		ProductDeleter
	}

	// 運用
	Metrics http.Handler
	Health  HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → CORS → SecurityHeaders
//
// 観測値投入と商品削除はスクレイパー・運用向けのため、IngestToken → RateLimit を通す。
// ウォッチリストは上流の認証基盤が付与するX-User-IDで識別する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	readingHandler := NewReadingHandler(deps.Pipeline, deps.Logger)
	productHandler := NewProductHandler(deps.Products, deps.Watchlist, deps.Logger)
	watchlistHandler := NewWatchlistHandler(deps.Watchlist, deps.Logger)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.Health))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	// --- スクレイパー・運用向け ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIngestTokenMiddleware(deps.IngestToken))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Post("/api/readings", readingHandler.Submit)
		r.Delete("/api/products/{id}", productHandler.DeleteProduct)
	})

	// --- UI向けの参照 ---
	r.Get("/api/products/{id}", productHandler.GetProduct)
	r.Get("/api/products/{id}/history", productHandler.GetHistory)

	// --- ユーザー単位の操作 ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware())

		r.Route("/api/watchlist", func(r chi.Router) {
			r.Get("/", watchlistHandler.ListWatchlist)
			r.Put("/{productID}", watchlistHandler.Watch)
			r.Delete("/{productID}", watchlistHandler.Unwatch)
		})
		r.Delete("/api/users/me", watchlistHandler.Withdraw)
	})

	return r
}

// NewOpsRouter はワーカープロセス向けに/healthと/metricsのみを公開するルーターを返す。
func NewOpsRouter(logger *slog.Logger, metrics http.Handler, health HealthChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Get("/health", healthHandler(health))
	r.Handle("/metrics", metrics)
	return r
}

// healthHandler はデータストアの疎通を確認し、200または503を返す。
func healthHandler(check HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
