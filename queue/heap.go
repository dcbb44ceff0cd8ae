package queue

import (
	"container/heap"

	"github.com/dentamind/dispatch/request"
)

// item is one waiting request plus its heap bookkeeping. The index is
// maintained by the heap interface so cancellation and deadline expiry
// can remove an arbitrary entry in O(log n).
type item struct {
	req   *request.Request
	index int
	timer timerHandle
}

// timerHandle is the stoppable part of time.Timer, split out so tests
// can enqueue without arming real timers.
type timerHandle interface {
	Stop() bool
}

// waitHeap orders waiting requests by priority descending, then by
// submission time ascending within the same priority.
type waitHeap []*item

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].req.SubmittedAt.Before(h[j].req.SubmittedAt)
}

func (h waitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waitHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// push adds an item maintaining heap order.
func (h *waitHeap) push(it *item) { heap.Push(h, it) }

// pop removes and returns the highest-priority item, or nil when empty.
func (h *waitHeap) pop() *item {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*item)
}

// remove deletes the item at its recorded index.
func (h *waitHeap) remove(it *item) {
	if it.index >= 0 && it.index < h.Len() && (*h)[it.index] == it {
		heap.Remove(h, it.index)
	}
}
