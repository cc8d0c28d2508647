package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/pricetrak/internal/ingest"
	"github.com/hitoshi/pricetrak/internal/model"
	"github.com/hitoshi/pricetrak/internal/retry"
)

// --- モック定義 ---

// memQueue はQueueのテスト用モック。
type memQueue struct {
	mu      sync.Mutex
	items   []string
	pushed  []string
	dead    []string
	pushErr error
}

func (q *memQueue) Pop(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Millisecond):
		}
		return "", ErrQueueEmpty
	}
	raw := q.items[0]
	q.items = q.items[1:]
	return raw, nil
}

func (q *memQueue) Push(ctx context.Context, raw string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushErr != nil {
		return q.pushErr
	}
	q.pushed = append(q.pushed, raw)
	return nil
}

func (q *memQueue) DeadLetter(ctx context.Context, raw string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, raw)
	return nil
}

// mockProcessor はProcessorのテスト用モック。
type mockProcessor struct {
	mu        sync.Mutex
	processFn func(r model.Reading) (*ingest.Outcome, error)
	processed []model.Reading
}

func (m *mockProcessor) Process(ctx context.Context, r model.Reading) (*ingest.Outcome, error) {
	m.mu.Lock()
	m.processed = append(m.processed, r)
	m.mu.Unlock()
	if m.processFn != nil {
		return m.processFn(r)
	}
	return &ingest.Outcome{State: ingest.StateDispatched, ProductID: r.ProductID}, nil
}

func (m *mockProcessor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processed)
}

func newTestConsumer(q Queue, p Processor, logs *bytes.Buffer) *Consumer {
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return NewConsumer(q, p, logger, 2, 3).WithBackoff(retry.Backoff{Initial: time.Millisecond, Max: time.Millisecond})
}

const validMessage = `{"product_id":"p1","observed_price":"10","observed_stock":"in_stock","observed_at":"2026-04-01T10:00:00Z"}`

// --- テスト ---

func TestHandle_ProcessesValidMessage(t *testing.T) {
	q := &memQueue{}
	p := &mockProcessor{}
	var logs bytes.Buffer
	c := newTestConsumer(q, p, &logs)

	c.Handle(context.Background(), validMessage)

	if p.count() != 1 {
		t.Fatalf("Process 呼び出し回数 = %d, want 1", p.count())
	}
	if got := p.processed[0]; got.ProductID != "p1" || got.ObservedStock != model.StockInStock {
		t.Errorf("reading = %+v", got)
	}
	if len(q.pushed) != 0 || len(q.dead) != 0 {
		t.Errorf("pushed = %v, dead = %v, want なし", q.pushed, q.dead)
	}
}

func TestHandle_DeadLettersInvalidMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"JSON不正", `{"product_id":`},
		{"価格欠落", `{"product_id":"p1","observed_stock":"in_stock","observed_at":"2026-04-01T10:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &memQueue{}
			p := &mockProcessor{}
			var logs bytes.Buffer
			newTestConsumer(q, p, &logs).Handle(context.Background(), tt.raw)

			if p.count() != 0 {
				t.Error("不正なメッセージがパイプラインに渡された")
			}
			if len(q.dead) != 1 || q.dead[0] != tt.raw {
				t.Errorf("dead = %v, want [%s]", q.dead, tt.raw)
			}
		})
	}
}

func TestHandle_RejectedReadingIsDeadLettered(t *testing.T) {
	q := &memQueue{}
	p := &mockProcessor{processFn: func(r model.Reading) (*ingest.Outcome, error) {
		return &ingest.Outcome{State: ingest.StateRejected}, &model.MalformedReadingError{Field: "observed_stock", Reason: "x"}
	}}
	var logs bytes.Buffer
	newTestConsumer(q, p, &logs).Handle(context.Background(), validMessage)

	if len(q.dead) != 1 || len(q.pushed) != 0 {
		t.Errorf("dead = %d, pushed = %d, want 1, 0", len(q.dead), len(q.pushed))
	}
}

func TestHandle_RetryableIsRequeuedWithAttempts(t *testing.T) {
	q := &memQueue{}
	p := &mockProcessor{processFn: func(r model.Reading) (*ingest.Outcome, error) {
		return &ingest.Outcome{State: ingest.StateReceived}, &ingest.RetryableError{Reading: r, Err: model.ErrStoreUnavailable}
	}}
	var logs bytes.Buffer
	c := newTestConsumer(q, p, &logs)

	c.Handle(context.Background(), validMessage)
	if len(q.pushed) != 1 {
		t.Fatalf("pushed = %d, want 1", len(q.pushed))
	}
	var msg Message
	if err := json.Unmarshal([]byte(q.pushed[0]), &msg); err != nil {
		t.Fatalf("再投入メッセージの解析に失敗: %v", err)
	}
	if msg.Attempts != 1 || msg.ProductID != "p1" || msg.ObservedPrice == nil {
		t.Errorf("再投入メッセージ = %+v", msg)
	}

	// 上限(3回)に達すると退避する
	c.Handle(context.Background(), q.pushed[0])
	c.Handle(context.Background(), q.pushed[1])
	if len(q.pushed) != 2 || len(q.dead) != 1 {
		t.Fatalf("pushed = %d, dead = %d, want 2, 1", len(q.pushed), len(q.dead))
	}
	if !strings.Contains(q.dead[0], `"attempts":3`) {
		t.Errorf("dead = %s, want attempts=3", q.dead[0])
	}
}

func TestHandle_ArchivedButIncompleteIsNotRequeued(t *testing.T) {
	q := &memQueue{}
	p := &mockProcessor{processFn: func(r model.Reading) (*ingest.Outcome, error) {
		return &ingest.Outcome{State: ingest.StateEvaluated}, errors.New("planning failed")
	}}
	var logs bytes.Buffer
	newTestConsumer(q, p, &logs).Handle(context.Background(), validMessage)

	if len(q.pushed) != 0 || len(q.dead) != 0 {
		t.Errorf("pushed = %v, dead = %v, want なし", q.pushed, q.dead)
	}
	if !strings.Contains(logs.String(), "後続処理が完了していません") {
		t.Errorf("警告ログが出力されていない: %s", logs.String())
	}
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	q := &memQueue{items: []string{validMessage, validMessage, validMessage}}
	p := &mockProcessor{}
	var logs bytes.Buffer
	c := newTestConsumer(q, p, &logs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for p.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("処理件数 = %d, want 3", p.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() がキャンセル後に終了しない")
	}
}

// --- RedisQueue ---

// fakeListClient はlistClientのテスト用モック。
type fakeListClient struct {
	blpop  *redis.StringSliceCmd
	pushed map[string][]interface{}
}

func (f *fakeListClient) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	return f.blpop
}

func (f *fakeListClient) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	if f.pushed == nil {
		f.pushed = make(map[string][]interface{})
	}
	f.pushed[key] = append(f.pushed[key], values...)
	return redis.NewIntResult(int64(len(f.pushed[key])), nil)
}

func TestRedisQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("取り出し", func(t *testing.T) {
		q := NewRedisQueue(&fakeListClient{blpop: redis.NewStringSliceResult([]string{"readings", validMessage}, nil)}, "readings", time.Second)
		raw, err := q.Pop(ctx)
		if err != nil || raw != validMessage {
			t.Errorf("Pop() = (%q, %v)", raw, err)
		}
	})

	t.Run("タイムアウト", func(t *testing.T) {
		q := NewRedisQueue(&fakeListClient{blpop: redis.NewStringSliceResult(nil, redis.Nil)}, "readings", time.Second)
		if _, err := q.Pop(ctx); !errors.Is(err, ErrQueueEmpty) {
			t.Errorf("Pop() error = %v, want ErrQueueEmpty", err)
		}
	})

	t.Run("再投入と退避", func(t *testing.T) {
		client := &fakeListClient{}
		q := NewRedisQueue(client, "readings", 0)
		if err := q.Push(ctx, "a"); err != nil {
			t.Fatalf("Push() がエラーを返した: %v", err)
		}
		if err := q.DeadLetter(ctx, "b"); err != nil {
			t.Fatalf("DeadLetter() がエラーを返した: %v", err)
		}
		if len(client.pushed["readings"]) != 1 || len(client.pushed["readings:dead"]) != 1 {
			t.Errorf("pushed = %v", client.pushed)
		}
	})
}
