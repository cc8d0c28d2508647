package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/pricetrak/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, username, created_at FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Email, &user.Username, &user.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError("ユーザーの取得に失敗しました", err)
	}

	return user, nil
}

// Create はユーザーを作成する。既に存在する場合は何もしない。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, username, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		user.ID, user.Email, user.Username, user.CreatedAt,
	)
	if err != nil {
		return wrapStoreError("ユーザーの作成に失敗しました", err)
	}
	return nil
}

// DeleteByID は指定IDのユーザーを削除する。
// 関連するwatchlist_entriesはCASCADE削除される。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		return wrapStoreError("ユーザーの削除に失敗しました", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return wrapStoreError("削除結果の取得に失敗しました", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("ユーザーが見つかりません: %s: %w", id, model.ErrNotFound)
	}

	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
