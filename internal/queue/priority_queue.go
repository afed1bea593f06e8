// internal/queue/priority_queue.go
package queue

import (
	"container/heap"
	"sync"

	"notification-service/internal/models"
)

// Item is one queued notification.
type Item struct {
	Notification *models.Notification
	Weight       int

	seq   uint64
	index int
}

// PriorityQueue is a mutex-guarded binary max-heap keyed by priority weight.
// Equal weights dequeue in insertion order. Two independent instances exist
// at runtime: one for items ready now, one for deferred items.
type PriorityQueue struct {
	mu   sync.Mutex
	h    itemHeap
	nseq uint64
}

func New() *PriorityQueue {
	return &PriorityQueue{}
}

// Enqueue adds a notification with the given weight. O(log n).
func (q *PriorityQueue) Enqueue(n *models.Notification, weight int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nseq++
	heap.Push(&q.h, &Item{
		Notification: n,
		Weight:       weight,
		seq:          q.nseq,
	})
}

// Dequeue removes and returns the highest-weight notification, or nil when
// the queue is empty. O(log n).
func (q *PriorityQueue) Dequeue() *models.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.h.Len() == 0 {
		return nil
	}
	item := heap.Pop(&q.h).(*Item)
	return item.Notification
}

// Peek returns the highest-weight notification without removing it. O(1).
func (q *PriorityQueue) Peek() *models.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0].Notification
}

// Size returns the number of queued items.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// IsEmpty reports whether the queue has no items.
func (q *PriorityQueue) IsEmpty() bool {
	return q.Size() == 0
}

// itemHeap implements heap.Interface as a max-heap with a stable
// insertion-order tie-break.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Weight != h[j].Weight {
		return h[i].Weight > h[j].Weight
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
