// Package watchlist はウォッチリスト管理のドメインロジックを提供する。
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricetrak/internal/model"
	"github.com/hitoshi/pricetrak/internal/repository"
)

// Service はウォッチリスト管理のサービス層。
// ウォッチの追加・設定変更・解除と、商品・ユーザーの削除を提供する。
type Service struct {
	watchRepo   repository.WatchlistRepository
	productRepo repository.ProductRepository
	userRepo    repository.UserRepository
	logger      *slog.Logger
	now         func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	watchRepo repository.WatchlistRepository,
	productRepo repository.ProductRepository,
	userRepo repository.UserRepository,
	logger *slog.Logger,
) *Service {
	return &Service{
		watchRepo:   watchRepo,
		productRepo: productRepo,
		userRepo:    userRepo,
		logger:      logger,
		now:         time.Now,
	}
}

// List はユーザーのウォッチリストを商品の現在値付きで返す。
func (s *Service) List(ctx context.Context, userID string) ([]model.WatchedProduct, error) {
	items, err := s.watchRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ウォッチリストの取得に失敗しました: %w", err)
	}
	return items, nil
}

// Watch は商品をウォッチリストに追加する。既にウォッチ中の場合は通知設定のみ更新する。
//
// 新規追加時はlast_notified_priceに商品の現在価格を設定する。
// 登録時点より高い価格への「値下がり」は通知されない。
func (s *Service) Watch(ctx context.Context, userID, productID string, prefs model.Preferences) (*model.WatchlistEntry, error) {
	product, err := s.productRepo.FindByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("商品の取得に失敗しました: %w", err)
	}
	if product == nil {
		return nil, model.NewProductNotFoundError(productID)
	}

	// ユーザーは外部の認証基盤で管理されるため、初回操作時に作成する
	if err := s.userRepo.Create(ctx, &model.User{ID: userID, CreatedAt: s.now()}); err != nil {
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	existing, err := s.watchRepo.Find(ctx, userID, productID)
	if err != nil {
		return nil, fmt.Errorf("ウォッチリストの取得に失敗しました: %w", err)
	}

	var seed decimal.NullDecimal
	if existing == nil {
		seed = product.CurrentPrice
	}

	entry, err := s.watchRepo.Add(ctx, userID, productID, prefs, seed)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.NewProductNotFoundError(productID)
		}
		return nil, fmt.Errorf("ウォッチリストへの追加に失敗しました: %w", err)
	}

	if existing == nil {
		s.logger.Info("ウォッチリストに追加しました",
			slog.String("user_id", userID),
			slog.String("product_id", productID),
		)
	}
	return entry, nil
}

// Unwatch は商品をウォッチリストから外す。
func (s *Service) Unwatch(ctx context.Context, userID, productID string) error {
	removed, err := s.watchRepo.Remove(ctx, userID, productID)
	if err != nil {
		return fmt.Errorf("ウォッチリストからの削除に失敗しました: %w", err)
	}
	if !removed {
		return model.NewWatchlistNotFoundError(productID)
	}
	return nil
}

// DeleteProduct は商品を削除する。ウォッチリストのエントリはCASCADE削除され、価格履歴は残す。
func (s *Service) DeleteProduct(ctx context.Context, productID string) error {
	product, err := s.productRepo.FindByID(ctx, productID)
	if err != nil {
		return fmt.Errorf("商品の取得に失敗しました: %w", err)
	}
	if product == nil {
		return model.NewProductNotFoundError(productID)
	}

	if err := s.productRepo.DeleteByID(ctx, productID); err != nil {
		return fmt.Errorf("商品の削除に失敗しました: %w", err)
	}

	s.logger.Info("商品を削除しました", slog.String("product_id", productID))
	return nil
}

// Withdraw はユーザーを削除する。ウォッチリストのエントリはCASCADE削除される。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	s.logger.Info("ユーザーを削除しました", slog.String("user_id", userID))
	return nil
}
