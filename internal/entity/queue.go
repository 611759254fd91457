package entity

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

// Priority orders commands within a device pipeline. Control commands always
// run before pending polls.
type Priority int

const (
	PriorityControl Priority = 0
	PriorityPoll    Priority = 1
)

// Default freshness windows. A command older than its TTL at dequeue time is
// dropped without executing.
const (
	ControlTTL = 5 * time.Second
	PollTTL    = 800 * time.Millisecond
)

type command struct {
	priority Priority
	seq      uint64
	name     string
	run      func(ctx context.Context) (tuya.DPS, error)
	callback Callback
	enqueued time.Time
	ttl      time.Duration
	sentinel bool
}

// commandHeap orders by (priority, seq) so equal-priority commands preserve
// insertion order.
type commandHeap []*command

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h commandHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commandHeap) Push(x any) { *h = append(*h, x.(*command)) }

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// commandQueue is the bounded-by-memory priority queue feeding one worker.
type commandQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  commandHeap
	closed bool
}

func newCommandQueue() *commandQueue {
	q := &commandQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *commandQueue) push(c *command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	heap.Push(&q.items, c)
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed.
func (q *commandQueue) pop() (*command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*command), true
}

// drain removes and returns all pending items without blocking.
func (q *commandQueue) drain() []*command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*command, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(*command))
	}
	return out
}

func (q *commandQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
