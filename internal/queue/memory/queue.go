// Package memory provides a bounded in-process task queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained, and
// by Enqueue after Close.
var ErrClosed = crawler.ErrQueueClosed

// Queue is a bounded FIFO with context-aware operations.
type Queue struct {
	ch     chan crawler.SourceTask
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a queue holding at most capacity pending tasks.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan crawler.SourceTask, capacity)}
}

// Enqueue blocks until there is room, the queue closes or ctx ends.
func (q *Queue) Enqueue(ctx context.Context, task crawler.SourceTask) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task. Pending tasks are still delivered after Close.
func (q *Queue) Dequeue(ctx context.Context) (crawler.SourceTask, error) {
	select {
	case <-ctx.Done():
		return crawler.SourceTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return crawler.SourceTask{}, ErrClosed
		}
		return task, nil
	}
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting tasks. It waits for in-flight Enqueue calls.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
