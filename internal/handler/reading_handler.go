package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/pricetrak/internal/ingest"
	"github.com/hitoshi/pricetrak/internal/middleware"
	"github.com/hitoshi/pricetrak/internal/model"
)

const (
	maxReadingBodyBytes = 1 << 20
	maxBatchSize        = 500
	batchConcurrency    = 8
)

// ReadingProcessor は観測値ハンドラーが必要とする取り込みパイプラインのインターフェース。
type ReadingProcessor interface {
	Process(ctx context.Context, r model.Reading) (*ingest.Outcome, error)
}

// ReadingHandler はスクレイパーからの観測値投入を受け付けるHTTPハンドラー。
type ReadingHandler struct {
	pipeline ReadingProcessor
	logger   *slog.Logger
}

// NewReadingHandler はReadingHandlerを生成する。
func NewReadingHandler(pipeline ReadingProcessor, logger *slog.Logger) *ReadingHandler {
	return &ReadingHandler{pipeline: pipeline, logger: logger}
}

// outcomeResponse は観測値1件の処理結果のレスポンス。
type outcomeResponse struct {
	ProductID      string   `json:"product_id"`
	State          string   `json:"state"`
	Classification string   `json:"classification,omitempty"`
	Tags           []string `json:"tags"`
	Registered     bool     `json:"registered"`
	Appended       bool     `json:"appended"`
	Notifications  int      `json:"notifications"`
	Delivered      int      `json:"delivered"`
	Warnings       int      `json:"warnings"`
	// Incomplete は保存済みだが後続処理を完了できなかった場合にtrue。再送は不要。
	Incomplete bool `json:"incomplete,omitempty"`
}

// batchItemResponse はバッチ投入の1件ごとの結果。
type batchItemResponse struct {
	Index  int                           `json:"index"`
	Result *outcomeResponse              `json:"result,omitempty"`
	Error  *middleware.ErrorResponseBody `json:"error,omitempty"`
	// Retryable はクライアントが同じ観測値を再送すべき場合にtrue。
	Retryable bool `json:"retryable,omitempty"`
}

func toOutcomeResponse(out *ingest.Outcome) *outcomeResponse {
	resp := &outcomeResponse{
		ProductID:     out.ProductID,
		State:         string(out.State),
		Tags:          out.Tags.Strings(),
		Registered:    out.Registered,
		Appended:      out.Appended,
		Notifications: len(out.Intents),
		Delivered:     out.Delivered,
		Warnings:      len(out.Warnings),
	}
	if out.Classification != "" {
		resp.Classification = string(out.Classification)
	}
	return resp
}

// archived は観測値が価格履歴に保存済みかを返す。
func archived(out *ingest.Outcome) bool {
	return out != nil && out.State != ingest.StateReceived && out.State != ingest.StateRejected
}

// Submit は観測値を1件、またはJSON配列で複数件受け付ける。
// POST /api/readings
func (h *ReadingHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReadingBodyBytes))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewInvalidRequestError("リクエストボディが大きすぎます"))
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		h.submitBatch(w, r, trimmed)
		return
	}

	var req ingest.Payload
	if err := json.Unmarshal(trimmed, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
		return
	}
	reading, err := req.Reading()
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	out, err := h.pipeline.Process(r.Context(), reading)
	if err != nil && !archived(out) {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := toOutcomeResponse(out)
	resp.Incomplete = err != nil
	writeJSON(w, http.StatusAccepted, resp)
}

// submitBatch はバッチ投入を処理する。商品ごとに投入順で直列に、異なる商品は並行に処理する。
func (h *ReadingHandler) submitBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var reqs []ingest.Payload
	if err := json.Unmarshal(body, &reqs); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
		return
	}
	if len(reqs) == 0 || len(reqs) > maxBatchSize {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("バッチは1件以上500件以下で指定してください"))
		return
	}

	results := make([]batchItemResponse, len(reqs))
	byProduct := make(map[string][]int)
	var order []string
	for i, req := range reqs {
		results[i].Index = i
		if _, ok := byProduct[req.ProductID]; !ok {
			order = append(order, req.ProductID)
		}
		byProduct[req.ProductID] = append(byProduct[req.ProductID], i)
	}

	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for _, productID := range order {
		indexes := byProduct[productID]
		g.Go(func() error {
			for _, i := range indexes {
				results[i] = h.processOne(r.Context(), i, reqs[i])
			}
			return nil
		})
	}
	g.Wait()

	writeJSON(w, http.StatusMultiStatus, results)
}

func (h *ReadingHandler) processOne(ctx context.Context, index int, req ingest.Payload) batchItemResponse {
	item := batchItemResponse{Index: index}

	reading, err := req.Reading()
	var out *ingest.Outcome
	if err == nil {
		out, err = h.pipeline.Process(ctx, reading)
	}
	if err == nil || archived(out) {
		item.Result = toOutcomeResponse(out)
		item.Result.Incomplete = err != nil
		return item
	}

	var malformed *model.MalformedReadingError
	switch {
	case errors.As(err, &malformed):
		item.Error = errorBody(model.NewMalformedReadingError(malformed))
	case ingest.IsRetryable(err):
		item.Error = errorBody(model.NewStoreUnavailableError())
		item.Retryable = true
	default:
		h.logger.Error("観測値の処理に失敗しました",
			slog.Int("index", index),
			slog.String("product_id", req.ProductID),
			slog.String("error", err.Error()),
		)
		item.Error = &middleware.ErrorResponseBody{Code: "INTERNAL_ERROR", Message: "内部エラーが発生しました。", Category: "system"}
	}
	return item
}

func errorBody(apiErr *model.APIError) *middleware.ErrorResponseBody {
	return &middleware.ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}
