package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricetrak/internal/model"
)

// latestHistoryJoin は商品ごとの最新価格履歴を結合するLATERAL句。
const latestHistoryJoin = `LEFT JOIN LATERAL (
	SELECT price, stock, observed_at
	FROM price_history
	WHERE product_id = p.id
	ORDER BY observed_at DESC, ingested_at DESC
	LIMIT 1
) h ON true`

// productColumns はProductと最新履歴を読み取るためのSELECT列。
const productColumns = `p.id, p.platform, p.source_key, p.url, p.name, COALESCE(p.seller, ''), COALESCE(p.currency, ''), p.created_at,
	h.price, h.stock, h.observed_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanProduct はproductColumnsの並びで商品を読み取る。
func scanProduct(row rowScanner, extra ...any) (*model.Product, error) {
	p := &model.Product{}
	var price decimal.NullDecimal
	var stock sql.NullString
	var observedAt sql.NullTime

	dest := []any{
		&p.ID, &p.Platform, &p.SourceKey, &p.URL, &p.Name, &p.Seller, &p.Currency, &p.CreatedAt,
		&price, &stock, &observedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	p.CurrentPrice = price
	p.CurrentStock = model.StockUnknown
	if stock.Valid {
		p.CurrentStock = model.StockState(stock.String)
	}
	if observedAt.Valid {
		t := observedAt.Time
		p.LastCheckedAt = &t
	}
	return p, nil
}

// PostgresProductRepo はPostgreSQLを使用した商品リポジトリ。
type PostgresProductRepo struct {
	db *sql.DB
}

// NewPostgresProductRepo はPostgresProductRepoを生成する。
func NewPostgresProductRepo(db *sql.DB) *PostgresProductRepo {
	return &PostgresProductRepo{db: db}
}

// FindByID は指定IDの商品を最新の価格・在庫付きで取得する。見つからない場合はnilを返す。
func (r *PostgresProductRepo) FindByID(ctx context.Context, id string) (*model.Product, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+productColumns+`
		 FROM products p `+latestHistoryJoin+`
		 WHERE p.id = $1`,
		id,
	)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError("商品の取得に失敗しました", err)
	}
	return p, nil
}

// EnsureRegistered は商品が未登録であれば登録する。
// 一意制約（id、platform+source_key）に該当する既存行がある場合は何もしない。
func (r *PostgresProductRepo) EnsureRegistered(ctx context.Context, product *model.Product) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO products (id, platform, source_key, url, name, seller, currency, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
		 ON CONFLICT DO NOTHING`,
		product.ID, product.Platform, product.SourceKey, product.URL, product.Name,
		product.Seller, product.Currency, product.CreatedAt,
	)
	if err != nil {
		return false, wrapStoreError("商品の登録に失敗しました", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, wrapStoreError("登録結果の取得に失敗しました", err)
	}
	return rowsAffected > 0, nil
}

// UpdateDetails は商品名と販売者名を更新する。空文字列の項目は既存値を維持する。
func (r *PostgresProductRepo) UpdateDetails(ctx context.Context, id, name, seller string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE products
		 SET name = COALESCE(NULLIF($2, ''), name),
		     seller = COALESCE(NULLIF($3, ''), seller)
		 WHERE id = $1`,
		id, name, seller,
	)
	if err != nil {
		return wrapStoreError("商品情報の更新に失敗しました", err)
	}
	return nil
}

// DeleteByID は指定IDの商品を削除する。
// watchlist_entriesはCASCADE削除される。price_historyは外部キーを持たないため保持される。
func (r *PostgresProductRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return wrapStoreError("商品の削除に失敗しました", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return wrapStoreError("削除結果の取得に失敗しました", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("商品が見つかりません: %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// ListDueForRefresh はウォッチされている商品のうち、最新観測がstaleBeforeより古い商品を返す。
// 観測が1件もない商品を最優先し、次に最新観測が古い順に並べる。
func (r *PostgresProductRepo) ListDueForRefresh(ctx context.Context, staleBefore time.Time, limit int) ([]*model.Product, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+productColumns+`
		 FROM products p `+latestHistoryJoin+`
		 WHERE EXISTS (SELECT 1 FROM watchlist_entries w WHERE w.product_id = p.id)
		   AND (h.observed_at IS NULL OR h.observed_at < $1)
		 ORDER BY h.observed_at ASC NULLS FIRST, p.id ASC
		 LIMIT $2`,
		staleBefore, limit,
	)
	if err != nil {
		return nil, wrapStoreError("更新対象商品の取得に失敗しました", err)
	}
	defer rows.Close()

	var products []*model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, wrapStoreError("商品行の読み取りに失敗しました", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError("更新対象商品の走査に失敗しました", err)
	}
	return products, nil
}

// compile-time interface check
var _ ProductRepository = (*PostgresProductRepo)(nil)
