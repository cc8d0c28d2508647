package ingest

import (
	"context"
	"sync"
)

// keyedLock はキーごとの排他ロック。同一商品の観測値を1件ずつ処理するために使用する。
// 使用中のキーのみを保持し、解放されたキーは削除する。
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	sem  chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[string]*lockSlot)}
}

// Lock はキーのロックを取得する。取得前にctxが終了した場合はctx.Err()を返す。
func (l *keyedLock) Lock(ctx context.Context, key string) error {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{sem: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(key, slot)
		return ctx.Err()
	}
}

// Unlock はキーのロックを解放する。
func (l *keyedLock) Unlock(key string) {
	l.mu.Lock()
	slot := l.slots[key]
	l.mu.Unlock()

	<-slot.sem
	l.release(key, slot)
}

func (l *keyedLock) release(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

// size は保持しているキー数を返す。
func (l *keyedLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
