package engine

import "sync"

// runQueue is the FIFO admission queue. Enqueue/dequeue are O(1) and the
// lock is never held across process I/O. Remove supports cancelling a run
// that has not been admitted yet.
type runQueue struct {
	mu    sync.Mutex
	items []string
	index map[string]struct{}
}

func newRunQueue() *runQueue {
	return &runQueue{index: make(map[string]struct{})}
}

// Push appends a run ID to the tail.
func (q *runQueue) Push(runID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, runID)
	q.index[runID] = struct{}{}
}

// Pop removes and returns the oldest queued run ID, skipping entries that
// were removed. Returns false when the queue is empty.
func (q *runQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 {
		id := q.items[0]
		q.items = q.items[1:]
		if _, ok := q.index[id]; ok {
			delete(q.index, id)
			return id, true
		}
	}
	return "", false
}

// Remove takes a run ID out of the queue before admission. Returns false
// if the ID is not queued. The slice entry is left behind as a tombstone
// and skipped by Pop, keeping removal O(1).
func (q *runQueue) Remove(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[runID]; !ok {
		return false
	}
	delete(q.index, runID)
	return true
}

// Len returns the number of runs waiting for admission.
func (q *runQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}
