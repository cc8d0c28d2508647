// Package notify は通知指示を外部の配信サービスへ引き渡す。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricetrak/internal/model"
)

// Notifier は通知指示を配信側へ引き渡すインターフェース。
// 配信は少なくとも1回（at-least-once）であり、受け手はMessage.IDで重複を判別する。
type Notifier interface {
	Notify(ctx context.Context, intent model.NotificationIntent) error
}

// Message は配信側が状態を再参照せずに通知文面を組み立てられるペイロード。
type Message struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	ProductID   string              `json:"product_id"`
	Reasons     []string            `json:"reasons"`
	OldPrice    decimal.NullDecimal `json:"old_price"`
	NewPrice    decimal.Decimal     `json:"new_price"`
	OldStock    string              `json:"old_stock"`
	NewStock    string              `json:"new_stock"`
	ObservedAt  time.Time           `json:"observed_at"`
	ProductName string              `json:"product_name"`
	ProductURL  string              `json:"product_url"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
}

// NewMessage は通知指示からメッセージを組み立てる。
func NewMessage(intent model.NotificationIntent) Message {
	return Message{
		ID:          intent.ID,
		UserID:      intent.UserID,
		ProductID:   intent.ProductID,
		Reasons:     intent.Reasons.Strings(),
		OldPrice:    intent.OldPrice,
		NewPrice:    intent.NewPrice,
		OldStock:    string(intent.OldStock),
		NewStock:    string(intent.NewStock),
		ObservedAt:  intent.ObservedAt,
		ProductName: intent.ProductName,
		ProductURL:  intent.ProductURL,
		Subject:     subject(intent),
		Body:        body(intent),
	}
}

func subject(intent model.NotificationIntent) string {
	var labels []string
	if intent.Reasons.Has(model.TagPriceDrop) {
		labels = append(labels, "値下がり")
	}
	if intent.Reasons.Has(model.TagRestock) {
		labels = append(labels, "再入荷")
	}
	return fmt.Sprintf("%s: %s", strings.Join(labels, "・"), intent.ProductName)
}

func body(intent model.NotificationIntent) string {
	var b strings.Builder
	if intent.Reasons.Has(model.TagPriceDrop) {
		if intent.OldPrice.Valid {
			fmt.Fprintf(&b, "「%s」の価格が %s から %s に下がりました。\n",
				intent.ProductName, intent.OldPrice.Decimal.StringFixed(2), intent.NewPrice.StringFixed(2))
		} else {
			fmt.Fprintf(&b, "「%s」の価格が %s に下がりました。\n", intent.ProductName, intent.NewPrice.StringFixed(2))
		}
	}
	if intent.Reasons.Has(model.TagRestock) {
		fmt.Fprintf(&b, "「%s」が再入荷しました（%s）。\n", intent.ProductName, intent.NewPrice.StringFixed(2))
	}
	if intent.ProductURL != "" {
		fmt.Fprintf(&b, "リンク: %s\n", intent.ProductURL)
	}
	return b.String()
}

// LogNotifier は通知指示を構造化ログに出力する。配信先が未設定の環境で使用する。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify は通知指示をINFOレベルで記録する。
func (n *LogNotifier) Notify(_ context.Context, intent model.NotificationIntent) error {
	n.logger.Info("通知指示",
		slog.String("notification_id", intent.ID),
		slog.String("user_id", intent.UserID),
		slog.String("product_id", intent.ProductID),
		slog.Any("reasons", intent.Reasons.Strings()),
		slog.String("new_price", intent.NewPrice.String()),
		slog.String("subject", subject(intent)),
	)
	return nil
}

// MultiNotifier は複数の配信先へ順に引き渡す。
// いずれかが失敗した場合は全配信先を試行したうえでエラーを返す。
type MultiNotifier []Notifier

// Notify はすべての配信先へ通知指示を引き渡す。
func (m MultiNotifier) Notify(ctx context.Context, intent model.NotificationIntent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, intent); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
