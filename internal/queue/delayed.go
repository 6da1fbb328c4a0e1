package queue

import (
	"container/heap"
	"time"
)

// entry is a job waiting in the delayed heap.
type entry struct {
	job    Job
	dueAt  time.Time
	seq    uint64
	onDone func(Result)
}

// delayedHeap orders entries by due time, then by insertion.
type delayedHeap []*entry

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// push adds e and reports whether it became the new head.
func (h *delayedHeap) push(e *entry) bool {
	heap.Push(h, e)
	return (*h)[0] == e
}

func (h *delayedHeap) peek() *entry {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

// popDue removes and returns every entry due at or before now.
func (h *delayedHeap) popDue(now time.Time) []*entry {
	var out []*entry
	for len(*h) > 0 && !(*h)[0].dueAt.After(now) {
		out = append(out, heap.Pop(h).(*entry))
	}
	return out
}
