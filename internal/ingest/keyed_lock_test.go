package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedLock_SerializesSameKey(t *testing.T) {
	l := newKeyedLock()
	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Lock(context.Background(), "p1"); err != nil {
				t.Errorf("Lock() がエラーを返した: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			l.Unlock("p1")
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("同一キーの同時実行数 = %d, want 1", maxActive)
	}
	if l.size() != 0 {
		t.Errorf("解放後に残ったキー数 = %d, want 0", l.size())
	}
}

func TestKeyedLock_DifferentKeysDoNotBlock(t *testing.T) {
	l := newKeyedLock()
	if err := l.Lock(context.Background(), "p1"); err != nil {
		t.Fatalf("Lock(p1) がエラーを返した: %v", err)
	}
	defer l.Unlock("p1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Lock(ctx, "p2"); err != nil {
		t.Fatalf("別キーのLock() がブロックされた: %v", err)
	}
	l.Unlock("p2")
}

func TestKeyedLock_ContextCancelWhileWaiting(t *testing.T) {
	l := newKeyedLock()
	if err := l.Lock(context.Background(), "p1"); err != nil {
		t.Fatalf("Lock() がエラーを返した: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Lock(ctx, "p1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}

	l.Unlock("p1")
	if l.size() != 0 {
		t.Errorf("解放後に残ったキー数 = %d, want 0", l.size())
	}
}
