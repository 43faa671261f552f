package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value      []byte
	absoluteAt time.Time
	slidingAt  time.Time
	sliding    time.Duration
}

func (e memoryEntry) expired(now time.Time) bool {
	return !now.Before(e.absoluteAt) || !now.Before(e.slidingAt)
}

// Memory: in-process backend, безопасный для конкурентного использования.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

// NewMemory создаёт пустой in-process backend.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}

	now := m.now()
	if entry.expired(now) {
		delete(m.items, key)
		return nil, false, nil
	}

	entry.slidingAt = now.Add(entry.sliding)
	m.items[key] = entry
	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, policy Policy) error {
	if !policy.Valid() {
		return nil
	}

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = memoryEntry{
		value:      append([]byte(nil), value...),
		absoluteAt: now.Add(policy.Absolute),
		slidingAt:  now.Add(policy.Sliding),
		sliding:    policy.Sliding,
	}
	return nil
}

// Len возвращает количество записей, включая ещё не вычищенные просроченные.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Sweep удаляет просроченные записи и возвращает их количество.
func (m *Memory) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, entry := range m.items {
		if entry.expired(now) {
			delete(m.items, key)
			removed++
		}
	}
	return removed
}

// RunJanitor периодически вызывает Sweep до отмены ctx.
func (m *Memory) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

var _ Backend = (*Memory)(nil)
