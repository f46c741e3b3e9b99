package scheduler

import "container/heap"

// readyQueue orders ready units by critical-path priority, or by the order
// they became ready under fifo.
type readyQueue struct {
	items []*unitState
	fifo  bool
}

func newReadyQueue(algorithm string) *readyQueue {
	return &readyQueue{fifo: algorithm == FIFO}
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if q.fifo {
		return a.readySeq < b.readySeq
	}
	return a.priority.Less(b.priority)
}

func (q *readyQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *readyQueue) Push(x any) { q.items = append(q.items, x.(*unitState)) }

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

func (q *readyQueue) push(u *unitState) { heap.Push(q, u) }

func (q *readyQueue) pop() *unitState { return heap.Pop(q).(*unitState) }
