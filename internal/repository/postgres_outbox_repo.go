package repository

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/pricetrak/internal/model"
)

// PostgresOutboxRepo はPostgreSQLを使用した通知アウトボックスリポジトリ。
// 登録はPostgresWatchlistRepo.RecordNotificationのトランザクション内で行われる。
type PostgresOutboxRepo struct {
	db *sql.DB
}

// NewPostgresOutboxRepo はPostgresOutboxRepoを生成する。
func NewPostgresOutboxRepo(db *sql.DB) *PostgresOutboxRepo {
	return &PostgresOutboxRepo{db: db}
}

// ClaimPending は未配信の通知指示をFOR UPDATE SKIP LOCKEDで確保し、claimed_untilを設定して返す。
// 複数のリレーが同時に実行されても同じ行を確保することはない。
func (r *PostgresOutboxRepo) ClaimPending(ctx context.Context, req ClaimRequest) ([]model.OutboxRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`WITH claimable AS (
		     SELECT id FROM notification_outbox
		     WHERE status = 'pending'
		       AND created_at <= $1
		       AND (claimed_until IS NULL OR claimed_until <= $2)
		     ORDER BY attempts ASC, created_at ASC
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE notification_outbox o
		 SET claimed_until = $4
		 FROM claimable c
		 WHERE o.id = c.id
		 RETURNING o.id, o.user_id, o.product_id, o.reasons, o.old_price, o.new_price, o.old_stock, o.new_stock,
		           o.observed_at, o.product_name, o.product_url, o.created_at, o.status, o.attempts,
		           o.claimed_until, o.delivered_at`,
		req.Now.Add(-req.MinAge), req.Now, req.Limit, req.Now.Add(req.Lease),
	)
	if err != nil {
		return nil, wrapStoreError("未配信通知の確保に失敗しました", err)
	}
	defer rows.Close()

	var records []model.OutboxRecord
	for rows.Next() {
		var rec model.OutboxRecord
		var reasons []string
		var oldStock, newStock, status string
		var claimedUntil, deliveredAt sql.NullTime
		in := &rec.Intent
		if err := rows.Scan(
			&in.ID, &in.UserID, &in.ProductID, pq.Array(&reasons), &in.OldPrice, &in.NewPrice,
			&oldStock, &newStock, &in.ObservedAt, &in.ProductName, &in.ProductURL, &in.CreatedAt,
			&status, &rec.Attempts, &claimedUntil, &deliveredAt,
		); err != nil {
			return nil, wrapStoreError("未配信通知行の読み取りに失敗しました", err)
		}
		for _, reason := range reasons {
			in.Reasons = in.Reasons.Add(model.ChangeTag(reason))
		}
		in.OldStock = model.StockState(oldStock)
		in.NewStock = model.StockState(newStock)
		rec.Status = model.OutboxStatus(status)
		rec.ClaimedUntil = timePtr(claimedUntil)
		rec.DeliveredAt = timePtr(deliveredAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError("未配信通知の走査に失敗しました", err)
	}

	// RETURNINGは順序を保証しない
	slices.SortFunc(records, func(a, b model.OutboxRecord) int {
		return cmp.Or(
			cmp.Compare(a.Attempts, b.Attempts),
			a.Intent.CreatedAt.Compare(b.Intent.CreatedAt),
		)
	})
	return records, nil
}

// MarkDelivered は通知指示を配信済みにする。既に配信済みの場合は何もしない。
func (r *PostgresOutboxRepo) MarkDelivered(ctx context.Context, id string, deliveredAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notification_outbox
		 SET status = 'delivered', delivered_at = $2, attempts = attempts + 1
		 WHERE id = $1 AND status = 'pending'`,
		id, deliveredAt,
	)
	if err != nil {
		return wrapStoreError("配信済みへの更新に失敗しました", err)
	}
	if _, err := result.RowsAffected(); err != nil {
		return wrapStoreError("更新結果の取得に失敗しました", err)
	}
	return nil
}

// MarkFailed は配信失敗として試行回数をインクリメントする。
// maxAttemptsに達した場合は同じUPDATEでstatusをfailedにする。
func (r *PostgresOutboxRepo) MarkFailed(ctx context.Context, id string, maxAttempts int) (model.OutboxStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx,
		`UPDATE notification_outbox
		 SET attempts = attempts + 1,
		     status = CASE WHEN $2::int > 0 AND attempts + 1 >= $2::int THEN 'failed' ELSE status END
		 WHERE id = $1 AND status = 'pending'
		 RETURNING status`,
		id, maxAttempts,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("未配信の通知が見つかりません: %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return "", wrapStoreError("配信失敗の記録に失敗しました", err)
	}
	return model.OutboxStatus(status), nil
}

// DeleteDeliveredBefore はbeforeより前に配信済みとなった通知指示を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (r *PostgresOutboxRepo) DeleteDeliveredBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM notification_outbox WHERE status = 'delivered' AND delivered_at < $1`,
		before,
	)
	if err != nil {
		return 0, wrapStoreError("配信済み通知の削除に失敗しました", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, wrapStoreError("削除件数の取得に失敗しました", err)
	}
	return deleted, nil
}

// timePtr はNULLをnilとして*time.Timeに変換する。
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// compile-time interface check
var _ OutboxRepository = (*PostgresOutboxRepo)(nil)
