package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Clock abstracts time lookups for deterministic tests.
type Clock func() time.Time

// Memo is an in-memory TTL memoization cache. Entries expire lazily on read;
// an optional background sweep reclaims memory for keys that are never read
// again. Construct one per process and inject it where reads need absorbing.
type Memo struct {
	clock Clock

	mu      sync.RWMutex
	entries map[string]entry

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Option customises Memo construction.
type Option func(*Memo)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(m *Memo) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewMemo constructs an empty cache.
func NewMemo(opts ...Option) *Memo {
	memo := &Memo{
		clock:   time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(memo)
		}
	}
	return memo
}

// Key builds a stable cache key from an operation name and its parameters.
// Map parameters are serialised in sorted key order so equal inputs always
// produce equal keys.
func Key(op string, params ...any) string {
	var b strings.Builder
	b.WriteString(op)
	for _, param := range params {
		b.WriteByte('|')
		writeParam(&b, param)
	}
	return b.String()
}

func writeParam(b *strings.Builder, param any) {
	switch v := param.(type) {
	case nil:
		b.WriteString("<nil>")
	case string:
		b.WriteString(v)
	case map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%s=%s", k, v[k])
		}
	case []string:
		b.WriteString(strings.Join(v, ","))
	case time.Time:
		b.WriteString(v.UTC().Format(time.RFC3339))
	default:
		fmt.Fprintf(b, "%v", v)
	}
}

// Get returns the cached value when present and not expired.
func (m *Memo) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}

	m.mu.RLock()
	item, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if !m.clock().Before(item.expiresAt) {
		m.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have refreshed it.
		if current, still := m.entries[key]; still && !m.clock().Before(current.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false
	}

	return item.value, true
}

// Set stores the value under key for the given TTL. Non-positive TTLs are ignored.
func (m *Memo) Set(key string, value any, ttl time.Duration) {
	if m == nil || ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.entries[key] = entry{value: value, expiresAt: m.clock().Add(ttl)}
	m.mu.Unlock()
}

// Delete removes a single key.
func (m *Memo) Delete(key string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// DeletePrefix removes every key beginning with prefix. Used for targeted
// invalidation of one operation family.
func (m *Memo) DeletePrefix(prefix string) {
	if m == nil || prefix == "" {
		return
	}
	m.mu.Lock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
}

// Clear removes all entries.
func (m *Memo) Clear() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.entries = make(map[string]entry)
	m.mu.Unlock()
}

// Len reports the number of stored entries, including not-yet-swept expired ones.
func (m *Memo) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// StartSweeper launches a background goroutine that drops expired entries at
// the given interval. Calling it again restarts the sweeper.
func (m *Memo) StartSweeper(ctx context.Context, interval time.Duration) {
	if m == nil || interval <= 0 {
		return
	}
	m.StopSweeper()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.sweepCancel = cancel
	m.sweepDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// StopSweeper stops the background sweep if one is running.
func (m *Memo) StopSweeper() {
	if m == nil || m.sweepCancel == nil {
		return
	}
	m.sweepCancel()
	<-m.sweepDone
	m.sweepCancel = nil
	m.sweepDone = nil
}

func (m *Memo) sweep() {
	now := m.clock()
	m.mu.Lock()
	for key, item := range m.entries {
		if !now.Before(item.expiresAt) {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
}
