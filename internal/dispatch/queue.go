package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// SearchResult reports one candidate search attempt. Done means the ride no
// longer needs searching (assigned, expired, cancelled or missing).
type SearchResult struct {
	Offered int
	Done    bool
}

type searchFunc func(ctx context.Context, rideID string) (SearchResult, error)

type searchTask struct {
	rideID  string
	attempt int
}

// SearchQueue hands candidate searches from the request path to a pool of
// workers. An attempt that finds nobody, or fails transiently, is re-queued
// after RetryDelay until the ride is done or MaxAttempts is reached.
type SearchQueue struct {
	tasks       chan searchTask
	search      searchFunc
	retryDelay  time.Duration
	maxAttempts int
	log         *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewSearchQueue(size int, retryDelay time.Duration, maxAttempts int, search searchFunc, log *slog.Logger) *SearchQueue {
	if size <= 0 {
		size = 1024
	}
	return &SearchQueue{
		tasks:       make(chan searchTask, size),
		search:      search,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Enqueue schedules a first search attempt. It never blocks the caller.
func (q *SearchQueue) Enqueue(rideID string) {
	t := searchTask{rideID: rideID, attempt: 1}
	if !q.push(t) {
		q.log.Warn("search queue full, deferring", "ride_id", rideID)
		q.later(t)
	}
}

func (q *SearchQueue) push(t searchTask) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.tasks <- t:
		observability.SearchQueueLen.Inc()
		return true
	default:
		return false
	}
}

func (q *SearchQueue) later(t searchTask) {
	time.AfterFunc(q.retryDelay, func() {
		if !q.push(t) {
			observability.SearchAttempts.WithLabelValues("dropped").Inc()
			q.log.Warn("search task dropped", "ride_id", t.rideID, "attempt", t.attempt)
		}
	})
}

// Run starts workers and blocks until ctx is cancelled and they have exited.
func (q *SearchQueue) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-q.tasks:
					observability.SearchQueueLen.Dec()
					q.handle(ctx, t)
				}
			}
		}()
	}
	<-ctx.Done()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	wg.Wait()
}

func (q *SearchQueue) handle(ctx context.Context, t searchTask) {
	start := time.Now()
	res, err := q.search(ctx, t.rideID)
	observability.SearchLatency.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		observability.SearchAttempts.WithLabelValues("error").Inc()
		q.log.Warn("candidate search failed", "ride_id", t.rideID, "attempt", t.attempt, "error", err)
	case res.Done:
		observability.SearchAttempts.WithLabelValues("done").Inc()
		return
	case res.Offered > 0:
		observability.SearchAttempts.WithLabelValues("offered").Inc()
		return
	default:
		observability.SearchAttempts.WithLabelValues("empty").Inc()
	}
	if q.maxAttempts > 0 && t.attempt >= q.maxAttempts {
		q.log.Info("candidate search gave up", "ride_id", t.rideID, "attempts", t.attempt)
		return
	}
	t.attempt++
	q.later(t)
}
