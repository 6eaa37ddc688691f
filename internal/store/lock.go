package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// keyedLock 以鍵為範圍的互斥鎖，支援逾時
//
// 每個鍵一個容量為 1 的 channel：送入成功即持有鎖。
// refs 計算持有者與等待者，歸零時移除項目，避免 map 無限成長。
type keyedLock struct {
	mu    sync.Mutex
	locks map[Key]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[Key]*lockEntry)}
}

// acquire 取得 key 的鎖。逾時回傳 ErrBusy，ctx 取消回傳 ctx.Err()。
func (l *keyedLock) acquire(ctx context.Context, key Key, timeout time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.drop(key, e)
			})
		}, nil
	case <-lockCtx.Done():
		l.drop(key, e)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrBusy
	}
}

func (l *keyedLock) drop(key Key, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// size 目前追蹤中的鍵數（測試用）
func (l *keyedLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// busyOr 將逾時相關錯誤統一轉為 ErrBusy
func busyOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrBusy
	}
	return err
}
