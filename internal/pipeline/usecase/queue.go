package usecase

import (
	"sync"
	"time"
)

type queueItem struct {
	id        string
	notBefore time.Time
}

// messageQueue is the per-account FIFO. A requeued message goes to the back
// with a not-before time, so it never holds up the messages behind it.
type messageQueue struct {
	mu     sync.Mutex
	items  []queueItem
	queued map[string]bool
}

func newMessageQueue() *messageQueue {
	return &messageQueue{queued: make(map[string]bool)}
}

// push appends id unless it is already queued.
func (q *messageQueue) push(id string, notBefore time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[id] {
		return false
	}
	q.queued[id] = true
	q.items = append(q.items, queueItem{id: id, notBefore: notBefore})
	return true
}

// pop removes the first item ready at now.
func (q *messageQueue) pop(now time.Time) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.notBefore.After(now) {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		delete(q.queued, it.id)
		return it.id, true
	}
	return "", false
}

// nextReady returns the earliest not-before time.
func (q *messageQueue) nextReady() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	for i, it := range q.items {
		if i == 0 || it.notBefore.Before(next) {
			next = it.notBefore
		}
	}
	return next, len(q.items) > 0
}

func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
