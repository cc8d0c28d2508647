package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hitoshi/pricetrak/internal/model"
)

// maxErrorBodySize はエラー応答の本文をログに含める最大バイト数。
const maxErrorBodySize = 1024

// WebhookNotifier は通知指示をHTTP POSTで外部の配信サービスへ送信する。
// clientにはsecurity.SSRFGuardServiceが生成したクライアントを渡す。
type WebhookNotifier struct {
	endpoint string
	client   *http.Client
}

// NewWebhookNotifier はWebhookNotifierを生成する。
func NewWebhookNotifier(endpoint string, client *http.Client) *WebhookNotifier {
	return &WebhookNotifier{endpoint: endpoint, client: client}
}

// Notify はメッセージをJSONで送信する。2xx以外の応答はエラーとする。
// Idempotency-Keyヘッダーに通知IDを設定し、再送時の重複排除を受け手に委ねる。
func (n *WebhookNotifier) Notify(ctx context.Context, intent model.NotificationIntent) error {
	payload, err := json.Marshal(NewMessage(intent))
	if err != nil {
		return fmt.Errorf("通知メッセージのエンコードに失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("Webhookリクエストの生成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", intent.ID)
	req.Header.Set("User-Agent", "PriceTrak/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("Webhookの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("Webhookがエラーを返しました (status=%d): %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
