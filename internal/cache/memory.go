package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process store with expiring items
type Memory struct {
	mu    sync.Mutex
	items map[string]*memoryItem
	locks map[string]*keyLock
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

type memoryItem struct {
	count      int64
	expiration time.Time
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewMemory creates an in-memory store and starts its cleanup loop
func NewMemory() *Memory {
	m := NewMemoryWithClock(time.Now)
	go m.cleanupExpired(time.Minute)
	return m
}

// NewMemoryWithClock creates a store reading time from now; no cleanup loop is started
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		items: make(map[string]*memoryItem),
		locks: make(map[string]*keyLock),
		now:   now,
		stop:  make(chan struct{}),
	}
}

// Close stops the cleanup loop
func (m *Memory) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Memory) live(key string) *memoryItem {
	item, ok := m.items[key]
	if !ok {
		return nil
	}
	if !m.now().Before(item.expiration) {
		delete(m.items, key)
		return nil
	}
	return item
}

// Incr implements CounterStore
func (m *Memory) Incr(ctx context.Context, key string, expireAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.live(key)
	if item == nil {
		item = &memoryItem{expiration: expireAt}
		m.items[key] = item
	}
	item.count++
	return item.count, nil
}

// Claim implements NonceStore
func (m *Memory) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live(key) != nil {
		return false, nil
	}
	m.items[key] = &memoryItem{count: 1, expiration: m.now().Add(ttl)}
	return true, nil
}

// Lock implements Locker; ttl bounds the wait only, a held lock never expires in process
func (m *Memory) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ttl)
		defer cancel()
	}

	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.release(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, l)
		return nil, ErrLockTimeout
	}
}

func (m *Memory) release(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// cleanupExpired periodically removes expired items
func (m *Memory) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			for key, item := range m.items {
				if !now.Before(item.expiration) {
					delete(m.items, key)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}
