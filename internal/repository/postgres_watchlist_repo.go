package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricetrak/internal/model"
)

// watchlistColumns はwatchlist_entriesのSELECT列。
const watchlistColumns = `w.user_id, w.product_id, w.notify_on_price_drop, w.notify_on_restock,
	w.last_notified_price, w.version, w.created_at, w.updated_at`

// watchlistEntryDest はwatchlistColumnsの並びでScanする宛先を返す。
func watchlistEntryDest(e *model.WatchlistEntry) []any {
	return []any{
		&e.UserID, &e.ProductID, &e.NotifyOnPriceDrop, &e.NotifyOnRestock,
		&e.LastNotifiedPrice, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	}
}

// PostgresWatchlistRepo はPostgreSQLを使用したウォッチリストリポジトリ。
type PostgresWatchlistRepo struct {
	db *sql.DB
}

// NewPostgresWatchlistRepo はPostgresWatchlistRepoを生成する。
func NewPostgresWatchlistRepo(db *sql.DB) *PostgresWatchlistRepo {
	return &PostgresWatchlistRepo{db: db}
}

// WatchersOf は商品をウォッチしている全エントリを返す。
// 単一のSELECT文で読み取るため、呼び出し時点のスナップショットとなる。
func (r *PostgresWatchlistRepo) WatchersOf(ctx context.Context, productID string) ([]model.WatchlistEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+watchlistColumns+`
		 FROM watchlist_entries w
		 WHERE w.product_id = $1
		 ORDER BY w.user_id ASC`,
		productID,
	)
	if err != nil {
		return nil, wrapStoreError("ウォッチャー一覧の取得に失敗しました", err)
	}
	defer rows.Close()

	var entries []model.WatchlistEntry
	for rows.Next() {
		var e model.WatchlistEntry
		if err := rows.Scan(watchlistEntryDest(&e)...); err != nil {
			return nil, wrapStoreError("ウォッチリスト行の読み取りに失敗しました", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError("ウォッチャー一覧の走査に失敗しました", err)
	}
	return entries, nil
}

// Find は (userID, productID) のエントリを返す。見つからない場合はnilを返す。
func (r *PostgresWatchlistRepo) Find(ctx context.Context, userID, productID string) (*model.WatchlistEntry, error) {
	e := &model.WatchlistEntry{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+watchlistColumns+`
		 FROM watchlist_entries w
		 WHERE w.user_id = $1 AND w.product_id = $2`,
		userID, productID,
	).Scan(watchlistEntryDest(e)...)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError("ウォッチリストエントリの取得に失敗しました", err)
	}
	return e, nil
}

// Add はエントリを作成する。既存の場合は通知設定を更新してversionをインクリメントする。
// last_notified_priceは新規作成時のみseedで初期化し、既存エントリでは変更しない。
func (r *PostgresWatchlistRepo) Add(ctx context.Context, userID, productID string, prefs model.Preferences, seed decimal.NullDecimal) (*model.WatchlistEntry, error) {
	e := &model.WatchlistEntry{}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO watchlist_entries AS w
		     (user_id, product_id, notify_on_price_drop, notify_on_restock, last_notified_price, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 1, NOW(), NOW())
		 ON CONFLICT (user_id, product_id) DO UPDATE SET
		     notify_on_price_drop = EXCLUDED.notify_on_price_drop,
		     notify_on_restock = EXCLUDED.notify_on_restock,
		     version = w.version + 1,
		     updated_at = NOW()
		 RETURNING `+watchlistColumns,
		userID, productID, prefs.NotifyOnPriceDrop, prefs.NotifyOnRestock, seed,
	).Scan(watchlistEntryDest(e)...)
	if err != nil {
		return nil, wrapStoreError("ウォッチリストへの追加に失敗しました", err)
	}
	return e, nil
}

// Remove はエントリを削除する。削除した場合はtrueを返す。
func (r *PostgresWatchlistRepo) Remove(ctx context.Context, userID, productID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM watchlist_entries WHERE user_id = $1 AND product_id = $2`,
		userID, productID,
	)
	if err != nil {
		return false, wrapStoreError("ウォッチリストからの削除に失敗しました", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, wrapStoreError("削除結果の取得に失敗しました", err)
	}
	return rowsAffected > 0, nil
}

// UpsertLastNotified はlast_notified_priceを更新する。
func (r *PostgresWatchlistRepo) UpsertLastNotified(ctx context.Context, userID, productID string, price decimal.Decimal) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE watchlist_entries
		 SET last_notified_price = $3, version = version + 1, updated_at = NOW()
		 WHERE user_id = $1 AND product_id = $2`,
		userID, productID, price,
	)
	if err != nil {
		return wrapStoreError("最終通知価格の更新に失敗しました", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return wrapStoreError("更新結果の取得に失敗しました", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("ウォッチリストエントリが見つかりません: %s/%s: %w", userID, productID, model.ErrNotFound)
	}
	return nil
}

// RecordNotification はlast_notified_priceの更新とアウトボックスへの登録を同一トランザクションで行う。
// UPDATEのWHERE句でversionを照合するため、並行した設定変更・削除があった場合は
// 行が更新されずmodel.ErrPreferenceConflictを返す。
func (r *PostgresWatchlistRepo) RecordNotification(ctx context.Context, intent *model.NotificationIntent, expectedVersion int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStoreError("トランザクションの開始に失敗しました", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE watchlist_entries
		 SET last_notified_price = $3, version = version + 1, updated_at = NOW()
		 WHERE user_id = $1 AND product_id = $2 AND version = $4`,
		intent.UserID, intent.ProductID, intent.NewPrice, expectedVersion,
	)
	if err != nil {
		return wrapStoreError("最終通知価格の更新に失敗しました", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return wrapStoreError("更新結果の取得に失敗しました", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("ウォッチリストエントリが並行して変更されました: %s/%s: %w",
			intent.UserID, intent.ProductID, model.ErrPreferenceConflict)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO notification_outbox
		     (id, user_id, product_id, reasons, old_price, new_price, old_stock, new_stock,
		      observed_at, product_name, product_url, status, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', 0, $12)`,
		intent.ID, intent.UserID, intent.ProductID, pq.Array(intent.Reasons.Strings()),
		intent.OldPrice, intent.NewPrice, string(intent.OldStock), string(intent.NewStock),
		intent.ObservedAt, intent.ProductName, intent.ProductURL, intent.CreatedAt,
	)
	if err != nil {
		return wrapStoreError("通知アウトボックスへの登録に失敗しました", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapStoreError("トランザクションのコミットに失敗しました", err)
	}
	return nil
}

// ListByUser はユーザーのウォッチリストを商品情報と最新価格付きで商品名昇順に返す。
func (r *PostgresWatchlistRepo) ListByUser(ctx context.Context, userID string) ([]model.WatchedProduct, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+productColumns+`, `+watchlistColumns+`
		 FROM watchlist_entries w
		 JOIN products p ON p.id = w.product_id
		 `+latestHistoryJoin+`
		 WHERE w.user_id = $1
		 ORDER BY lower(p.name) ASC, p.id ASC`,
		userID,
	)
	if err != nil {
		return nil, wrapStoreError("ウォッチリストの取得に失敗しました", err)
	}
	defer rows.Close()

	var results []model.WatchedProduct
	for rows.Next() {
		var e model.WatchlistEntry
		p, err := scanProduct(rows, watchlistEntryDest(&e)...)
		if err != nil {
			return nil, wrapStoreError("ウォッチリスト行の読み取りに失敗しました", err)
		}
		results = append(results, model.WatchedProduct{Product: *p, Entry: e})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError("ウォッチリストの走査に失敗しました", err)
	}
	return results, nil
}

// compile-time interface check
var _ WatchlistRepository = (*PostgresWatchlistRepo)(nil)
