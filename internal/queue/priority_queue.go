package queue

import (
	"container/heap"
	"time"

	"github.com/glimte/svcbus-go/contracts"
)

// PriorityQueue orders pending envelopes by (priority desc, nextAttempt asc)
// with FIFO tie-break via a monotonic insertion sequence. It is not safe for
// concurrent use; the owning broker serializes access.
type PriorityQueue struct {
	items pqHeap
	seq   uint64
}

// NewPriorityQueue creates an empty queue
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// Enqueue inserts an envelope eligible for delivery at now+delay
func (q *PriorityQueue) Enqueue(env *contracts.Envelope, now time.Time, delay time.Duration) {
	env.NextAttempt = now.Add(delay)
	q.seq++
	heap.Push(&q.items, &pqItem{env: env, seq: q.seq})
}

// DequeueReady removes and returns every envelope whose NextAttempt is at or
// before now, in priority-then-FIFO order.
func (q *PriorityQueue) DequeueReady(now time.Time) []*contracts.Envelope {
	var ready []*contracts.Envelope
	for q.items.Len() > 0 {
		next := q.items[0].env
		if next.NextAttempt.After(now) {
			// The head is the soonest-eligible high-priority item, but a
			// lower-priority item may already be due behind it.
			idx := q.firstReadyIndex(now)
			if idx < 0 {
				break
			}
			ready = append(ready, heap.Remove(&q.items, idx).(*pqItem).env)
			continue
		}
		ready = append(ready, heap.Pop(&q.items).(*pqItem).env)
	}
	return ready
}

// firstReadyIndex scans for any due item when the heap head is not due.
// Returns -1 when nothing is eligible.
func (q *PriorityQueue) firstReadyIndex(now time.Time) int {
	best := -1
	for i, it := range q.items {
		if it.env.NextAttempt.After(now) {
			continue
		}
		if best == -1 || q.items.less(it, q.items[best]) {
			best = i
		}
	}
	return best
}

// Len returns the number of queued envelopes
func (q *PriorityQueue) Len() int {
	return q.items.Len()
}

// Peek returns the head envelope without removing it, or nil when empty
func (q *PriorityQueue) Peek() *contracts.Envelope {
	if q.items.Len() == 0 {
		return nil
	}
	return q.items[0].env
}

type pqItem struct {
	env *contracts.Envelope
	seq uint64
}

type pqHeap []*pqItem

func (h pqHeap) Len() int      { return len(h) }
func (h pqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h pqHeap) Less(i, j int) bool { return h.less(h[i], h[j]) }

// less imposes the queue's total order: higher priority first, then earlier
// eligibility, then insertion order.
func (h pqHeap) less(a, b *pqItem) bool {
	if a.env.Priority != b.env.Priority {
		return a.env.Priority > b.env.Priority
	}
	if !a.env.NextAttempt.Equal(b.env.NextAttempt) {
		return a.env.NextAttempt.Before(b.env.NextAttempt)
	}
	return a.seq < b.seq
}

func (h *pqHeap) Push(x any) {
	*h = append(*h, x.(*pqItem))
}

func (h *pqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
