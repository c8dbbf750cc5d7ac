// Package calllog persists the lifecycle of every gateway call without ever
// slowing down or failing the call itself.
package calllog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Store is the write side of the call log collaborator.
type Store interface {
	InsertCallLog(ctx context.Context, entry *models.CallLogEntry) error
}

// Recorder queues entries on a buffered channel drained by background
// workers. A full queue drops the entry rather than blocking the caller.
type Recorder struct {
	store        Store
	logger       *slog.Logger
	queue        chan *models.CallLogEntry
	workers      int
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Int64
	failed  atomic.Int64
	written atomic.Int64

	droppedCounter prometheus.Counter
	failedCounter  prometheus.Counter
}

type Option func(*Recorder)

func WithQueueSize(size int) Option {
	return func(r *Recorder) {
		r.queue = make(chan *models.CallLogEntry, size)
	}
}

func WithWorkers(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithWriteTimeout bounds each store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		r.writeTimeout = d
	}
}

// WithCounters mirrors drop and failure counts into Prometheus.
func WithCounters(dropped, failed prometheus.Counter) Option {
	return func(r *Recorder) {
		r.droppedCounter = dropped
		r.failedCounter = failed
	}
}

func NewRecorder(store Store, logger *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:        store,
		logger:       logger,
		queue:        make(chan *models.CallLogEntry, 1024),
		workers:      2,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the workers. Writes run on their own contexts, so they
// outlive the requests that produced them.
func (r *Recorder) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Record truncates the logged bodies and enqueues entry without blocking.
func (r *Recorder) Record(entry *models.CallLogEntry) {
	entry.RequestBody = models.TruncateBody(entry.RequestBody)
	entry.ResponseBody = models.TruncateBody(entry.ResponseBody)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(entry, "recorder stopped")
		return
	}

	select {
	case r.queue <- entry:
	default:
		r.drop(entry, "queue full")
	}
}

func (r *Recorder) drop(entry *models.CallLogEntry, reason string) {
	total := r.dropped.Add(1)
	if r.droppedCounter != nil {
		r.droppedCounter.Inc()
	}
	r.logger.Warn("call log entry dropped",
		"reason", reason,
		"endpoint_id", entry.EndpointID,
		"request_id", entry.RequestID,
		"total_drops", total,
	)
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for entry := range r.queue {
		r.write(entry)
	}
}

// write is the recorder's error boundary: store errors and panics stop here.
func (r *Recorder) write(entry *models.CallLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.fail(entry, fmt.Errorf("panic: %v", p))
		}
	}()

	if err := r.store.InsertCallLog(ctx, entry); err != nil {
		r.fail(entry, err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) fail(entry *models.CallLogEntry, err error) {
	r.failed.Add(1)
	if r.failedCounter != nil {
		r.failedCounter.Inc()
	}
	r.logger.Error("failed to write call log",
		"endpoint_id", entry.EndpointID,
		"request_id", entry.RequestID,
		"error", err,
	)
}

// Stop rejects new entries, then waits for queued ones to be written or for
// ctx to expire.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("call log drain: %w", ctx.Err())
	}
}

type Stats struct {
	QueueDepth    int   `json:"queue_depth"`
	QueueCapacity int   `json:"queue_capacity"`
	Written       int64 `json:"written"`
	Dropped       int64 `json:"dropped"`
	Failed        int64 `json:"failed"`
}

func (r *Recorder) Stats() Stats {
	return Stats{
		QueueDepth:    len(r.queue),
		QueueCapacity: cap(r.queue),
		Written:       r.written.Load(),
		Dropped:       r.dropped.Load(),
		Failed:        r.failed.Load(),
	}
}
