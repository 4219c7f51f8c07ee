package engine

import (
	"context"
	"sync"
	"time"

	"organon/internal/logging"
)

// FlushStats tracks background persistence.
type FlushStats struct {
	Requests  int
	Coalesced int
	Flushes   int
	Skipped   int
	Failures  int
	LastFlush time.Time
	LastError string
}

// flusher serializes document writes on one goroutine. Requests coalesce:
// a flush always writes the latest committed state.
type flusher struct {
	write   func(ctx context.Context) (bool, error)
	timeout time.Duration

	requests chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu      sync.Mutex
	stats   FlushStats
	running bool
}

func newFlusher(queue int, timeout time.Duration, write func(ctx context.Context) (bool, error)) *flusher {
	if queue < 1 {
		queue = 1
	}
	return &flusher{
		write:    write,
		timeout:  timeout,
		requests: make(chan struct{}, queue),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (f *flusher) start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	go f.run()
}

// request enqueues a flush without blocking.
func (f *flusher) request() {
	f.mu.Lock()
	f.stats.Requests++
	f.mu.Unlock()

	select {
	case f.requests <- struct{}{}:
	default:
		f.mu.Lock()
		f.stats.Coalesced++
		f.mu.Unlock()
	}
}

// stop drains pending requests, runs a final flush and waits for the
// goroutine to exit.
func (f *flusher) stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stopCh)
	<-f.doneCh
}

func (f *flusher) snapshot() FlushStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *flusher) run() {
	defer close(f.doneCh)
	for {
		select {
		case <-f.requests:
			f.flush()
		case <-f.stopCh:
			for {
				select {
				case <-f.requests:
				default:
					f.flush()
					return
				}
			}
		}
	}
}

func (f *flusher) flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	wrote, err := f.write(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case err != nil:
		f.stats.Failures++
		f.stats.LastError = err.Error()
		logging.Get(logging.CategoryStore).Error("state flush failed: %v", err)
		logging.Audit().FlushError(err)
	case wrote:
		f.stats.Flushes++
		f.stats.LastFlush = time.Now()
	default:
		f.stats.Skipped++
	}
	return err
}
