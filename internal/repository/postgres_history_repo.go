package repository

import (
	"context"
	"database/sql"
	"iter"
	"time"

	"github.com/hitoshi/pricetrak/internal/model"
)

// historyPageSize はHistoryの遅延読み込みで1回に取得する件数。
const historyPageSize = 500

// PostgresHistoryRepo はPostgreSQLを使用した価格履歴ストア。
// price_historyは追記専用で、UPDATE/DELETEは発行しない。
type PostgresHistoryRepo struct {
	db       *sql.DB
	pageSize int
}

// NewPostgresHistoryRepo はPostgresHistoryRepoを生成する。
func NewPostgresHistoryRepo(db *sql.DB) *PostgresHistoryRepo {
	return &PostgresHistoryRepo{db: db, pageSize: historyPageSize}
}

// Append は価格履歴エントリを追記する。
// (product_id, observed_at) の一意制約に該当する場合はON CONFLICT DO NOTHINGで無視し、falseを返す。
func (r *PostgresHistoryRepo) Append(ctx context.Context, entry model.PriceHistoryEntry) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO price_history (product_id, price, stock, observed_at, ingested_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (product_id, observed_at) DO NOTHING`,
		entry.ProductID, entry.Price, string(entry.Stock), entry.ObservedAt, entry.IngestedAt,
	)
	if err != nil {
		return false, wrapStoreError("価格履歴の追記に失敗しました", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, wrapStoreError("追記結果の取得に失敗しました", err)
	}
	return rowsAffected > 0, nil
}

// Latest は商品の最新の価格履歴エントリを返す。履歴がない場合はnilを返す。
func (r *PostgresHistoryRepo) Latest(ctx context.Context, productID string) (*model.PriceHistoryEntry, error) {
	entry := &model.PriceHistoryEntry{}
	var stock string
	err := r.db.QueryRowContext(ctx,
		`SELECT product_id, price, stock, observed_at, ingested_at
		 FROM price_history
		 WHERE product_id = $1
		 ORDER BY observed_at DESC, ingested_at DESC
		 LIMIT 1`,
		productID,
	).Scan(&entry.ProductID, &entry.Price, &stock, &entry.ObservedAt, &entry.IngestedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError("最新の価格履歴の取得に失敗しました", err)
	}
	entry.Stock = model.StockState(stock)
	return entry, nil
}

// History は指定範囲の価格履歴をobserved_at昇順で返す。
// (observed_at, ingested_at) をカーソルとしたキーセットページネーションで
// pageSize件ずつ遅延取得する。シーケンスを走査するたびに先頭から問い合わせ直す。
func (r *PostgresHistoryRepo) History(ctx context.Context, productID string, tr model.TimeRange) iter.Seq2[model.PriceHistoryEntry, error] {
	return func(yield func(model.PriceHistoryEntry, error) bool) {
		from := nullTime(tr.From)
		to := nullTime(tr.To)
		var cursor *model.PriceHistoryEntry

		for {
			page, err := r.fetchPage(ctx, productID, from, to, cursor)
			if err != nil {
				yield(model.PriceHistoryEntry{}, err)
				return
			}
			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
			}
			if len(page) < r.pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &last
		}
	}
}

// fetchPage はカーソル以降の価格履歴を1ページ分取得する。
func (r *PostgresHistoryRepo) fetchPage(
	ctx context.Context,
	productID string,
	from, to sql.NullTime,
	cursor *model.PriceHistoryEntry,
) ([]model.PriceHistoryEntry, error) {
	var cursorObserved, cursorIngested sql.NullTime
	if cursor != nil {
		cursorObserved = sql.NullTime{Time: cursor.ObservedAt, Valid: true}
		cursorIngested = sql.NullTime{Time: cursor.IngestedAt, Valid: true}
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT product_id, price, stock, observed_at, ingested_at
		 FROM price_history
		 WHERE product_id = $1
		   AND ($2::timestamptz IS NULL OR observed_at >= $2)
		   AND ($3::timestamptz IS NULL OR observed_at < $3)
		   AND ($4::timestamptz IS NULL OR (observed_at, ingested_at) > ($4, $5))
		 ORDER BY observed_at ASC, ingested_at ASC
		 LIMIT $6`,
		productID, from, to, cursorObserved, cursorIngested, r.pageSize,
	)
	if err != nil {
		return nil, wrapStoreError("価格履歴の取得に失敗しました", err)
	}
	defer rows.Close()

	page := make([]model.PriceHistoryEntry, 0, r.pageSize)
	for rows.Next() {
		var entry model.PriceHistoryEntry
		var stock string
		if err := rows.Scan(&entry.ProductID, &entry.Price, &stock, &entry.ObservedAt, &entry.IngestedAt); err != nil {
			return nil, wrapStoreError("価格履歴行の読み取りに失敗しました", err)
		}
		entry.Stock = model.StockState(stock)
		page = append(page, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError("価格履歴の走査に失敗しました", err)
	}
	return page, nil
}

// nullTime はゼロ値をNULLとして扱うsql.NullTimeに変換する。
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// compile-time interface check
var _ HistoryStore = (*PostgresHistoryRepo)(nil)
