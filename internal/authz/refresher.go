package authz

import (
	"context"
	"sync"
	"time"
)

// refresher drains warm requests on a fixed set of worker goroutines. Requests
// for a key already queued or in flight are coalesced.
type refresher struct {
	queue   chan string
	pending sync.Map
	timeout time.Duration
	run     func(ctx context.Context, key string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRefresher(workers, size int, timeout time.Duration, run func(ctx context.Context, key string)) *refresher {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &refresher{
		queue:   make(chan string, size),
		timeout: timeout,
		run:     run,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.work()
	}
	return r
}

// enqueue schedules key without blocking. It reports false when the request
// was dropped because the queue is full or the refresher is stopped.
func (r *refresher) enqueue(key string) bool {
	if r.ctx.Err() != nil {
		return false
	}
	if _, loaded := r.pending.LoadOrStore(key, struct{}{}); loaded {
		return true
	}
	select {
	case r.queue <- key:
		return true
	default:
		r.pending.Delete(key)
		return false
	}
}

func (r *refresher) work() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case key := <-r.queue:
			r.process(key)
		}
	}
}

func (r *refresher) process(key string) {
	defer r.pending.Delete(key)
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	r.run(ctx, key)
}

// stop cancels in-flight work and waits for the workers to exit.
func (r *refresher) stop() {
	r.cancel()
	r.wg.Wait()
}
