package scheduler

import "container/heap"

// readyQueue orders READY task IDs by priority (highest first), then by
// creation order.
type readyQueue struct {
	items  queueItems
	queued map[string]bool
}

type queueItem struct {
	id       string
	priority Priority
	seq      uint64
}

type queueItems []queueItem

func (q queueItems) Len() int { return len(q) }
func (q queueItems) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q queueItems) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queueItems) Push(x any)   { *q = append(*q, x.(queueItem)) }
func (q *queueItems) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func newReadyQueue() *readyQueue {
	return &readyQueue{queued: make(map[string]bool)}
}

// push adds a task unless it is already queued.
func (q *readyQueue) push(task *Task) {
	if q.queued[task.ID] {
		return
	}
	q.queued[task.ID] = true
	heap.Push(&q.items, queueItem{id: task.ID, priority: task.Priority, seq: task.seq})
}

// pop removes the next task ID.
func (q *readyQueue) pop() (string, bool) {
	if q.items.Len() == 0 {
		return "", false
	}
	item := heap.Pop(&q.items).(queueItem)
	delete(q.queued, item.id)
	return item.id, true
}

func (q *readyQueue) len() int {
	return q.items.Len()
}

// reset empties the queue so it can be rebuilt from the live graph.
func (q *readyQueue) reset() {
	q.items = q.items[:0]
	clear(q.queued)
}
