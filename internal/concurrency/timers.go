// File: internal/concurrency/timers.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Min-heap of pending timer deadlines, owned by one loop.

package concurrency

import (
	"container/heap"
	"time"
)

type timerItem struct {
	when  time.Time
	entry *taskEntry
	index int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	it := x.(*timerItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// schedule inserts or moves it to fire at when.
func (h *timerHeap) schedule(it *timerItem, when time.Time) {
	it.when = when
	if it.index >= 0 && it.index < len(*h) && (*h)[it.index] == it {
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, it)
}

// cancel removes it if it is still queued.
func (h *timerHeap) cancel(it *timerItem) {
	if it.index >= 0 && it.index < len(*h) && (*h)[it.index] == it {
		heap.Remove(h, it.index)
	}
}

// next reports the delay until the earliest deadline, or -1 when empty.
func (h timerHeap) next(now time.Time) time.Duration {
	if len(h) == 0 {
		return -1
	}
	if d := h[0].when.Sub(now); d > 0 {
		return d
	}
	return 0
}

// popDue removes and returns the earliest item if it is due at now.
func (h *timerHeap) popDue(now time.Time) *timerItem {
	if len(*h) == 0 || (*h)[0].when.After(now) {
		return nil
	}
	return heap.Pop(h).(*timerItem)
}
