package sync

import stdsync "sync"

// Queue is a deduplicated FIFO of recording ids awaiting upload.
type Queue struct {
	mu      stdsync.Mutex
	ids     []int64
	members map[int64]struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{members: make(map[int64]struct{})}
}

// Push appends id unless it is already queued. It reports whether id was
// added.
func (q *Queue) Push(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.members[id]; ok {
		return false
	}
	q.members[id] = struct{}{}
	q.ids = append(q.ids, id)
	return true
}

// Pop removes and returns the oldest id.
func (q *Queue) Pop() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return 0, false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	delete(q.members, id)
	return id, true
}

// Remove drops id if queued.
func (q *Queue) Remove(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.members[id]; !ok {
		return
	}
	delete(q.members, id)
	for i, v := range q.ids {
		if v == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return
		}
	}
}

// Contains reports whether id is queued.
func (q *Queue) Contains(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.members[id]
	return ok
}

// Len returns the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// IDs returns the queued ids in order.
func (q *Queue) IDs() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.ids...)
}
