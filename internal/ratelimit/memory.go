package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/models"
)

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	window     time.Duration
	evicted    bool
}

// MemoryStore keeps buckets in process memory. Each bucket carries its own
// mutex so unrelated keys never contend. Idle buckets are removed by the
// sweeper started with StartSweeper.
type MemoryStore struct {
	buckets     sync.Map // map[string]*bucket
	size        atomic.Int64
	idleWindows int
	logger      *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewMemoryStore creates a store whose sweeper evicts buckets untouched for
// idleWindows times their own window.
func NewMemoryStore(idleWindows int, logger *slog.Logger) *MemoryStore {
	if idleWindows < 1 {
		idleWindows = 1
	}
	return &MemoryStore{
		idleWindows: idleWindows,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

func (s *MemoryStore) Take(_ context.Context, key string, budget models.RateBudget, now time.Time) (Decision, error) {
	for {
		b := s.load(key, budget, now)

		b.mu.Lock()
		if b.evicted {
			// Lost a race with the sweeper; the key now maps to a fresh bucket.
			b.mu.Unlock()
			continue
		}
		tokens, d := refill(b.tokens, b.lastRefill, now, budget)
		b.tokens = tokens
		if now.After(b.lastRefill) {
			b.lastRefill = now
		}
		b.window = budget.Window
		b.mu.Unlock()

		return d, nil
	}
}

func (s *MemoryStore) load(key string, budget models.RateBudget, now time.Time) *bucket {
	if v, ok := s.buckets.Load(key); ok {
		return v.(*bucket)
	}
	v, loaded := s.buckets.LoadOrStore(key, &bucket{
		tokens:     float64(budget.MaxTokens),
		lastRefill: now,
		window:     budget.Window,
	})
	if !loaded {
		s.size.Add(1)
	}
	return v.(*bucket)
}

// Size returns the number of live buckets.
func (s *MemoryStore) Size() int {
	return int(s.size.Load())
}

// StartSweeper runs Sweep every interval until ctx is cancelled or Stop is called.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case now := <-ticker.C:
				s.Sweep(now)
			}
		}
	}()
}

// Sweep evicts every bucket idle for longer than idleWindows of its window.
func (s *MemoryStore) Sweep(now time.Time) int {
	evicted := 0
	s.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		idle := now.Sub(b.lastRefill)
		if idle > time.Duration(s.idleWindows)*b.window {
			b.evicted = true
			if s.buckets.CompareAndDelete(k, b) {
				s.size.Add(-1)
				evicted++
			}
		}
		b.mu.Unlock()
		return true
	})

	if evicted > 0 {
		s.logger.Debug("rate limit sweep completed",
			"evicted", evicted,
			"remaining", s.Size(),
		)
	}
	return evicted
}

// Stop halts the sweeper and waits for it to exit. Safe to call twice.
func (s *MemoryStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

var _ Store = (*MemoryStore)(nil)
