package engine

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// Common errors for outbox operations
var (
	ErrOutboxFull    = errors.New("outbox is full")
	ErrMessageExists = errors.New("message already parked")
)

// messageQueue implements heap.Interface, oldest message first.
type messageQueue []*Message

func (q messageQueue) Len() int { return len(q) }

func (q messageQueue) Less(i, j int) bool {
	if !q[i].Timestamp.Equal(q[j].Timestamp) {
		return q[i].Timestamp.Before(q[j].Timestamp)
	}
	return q[i].Seq < q[j].Seq
}

func (q messageQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *messageQueue) Push(x interface{}) {
	*q = append(*q, x.(*Message))
}

func (q *messageQueue) Pop() interface{} {
	old := *q
	n := len(old)
	msg := old[n-1]
	old[n-1] = nil // avoid memory leak
	*q = old[0 : n-1]
	return msg
}

// Outbox parks messages for subjects that have no receiver yet. Each subject
// holds at most its cache size; the oldest message is evicted first.
type Outbox struct {
	queues  map[string]*messageQueue
	index   map[string]*Message
	dropped int64
	expired int64
	mu      sync.RWMutex
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{
		queues: make(map[string]*messageQueue),
		index:  make(map[string]*Message),
	}
}

// Park stores msg under its subject. When the subject already holds
// capacity messages the oldest one is evicted and returned.
func (o *Outbox) Park(msg *Message, capacity int) (*Message, error) {
	if capacity <= 0 {
		return nil, ErrOutboxFull
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.index[msg.UUID]; exists {
		return nil, ErrMessageExists
	}

	q, ok := o.queues[msg.Subject]
	if !ok {
		q = &messageQueue{}
		heap.Init(q)
		o.queues[msg.Subject] = q
	}

	var evicted *Message
	for q.Len() >= capacity {
		evicted = heap.Pop(q).(*Message)
		delete(o.index, evicted.UUID)
		o.dropped++
	}

	heap.Push(q, msg)
	o.index[msg.UUID] = msg
	return evicted, nil
}

// Drain removes and returns the unexpired messages of subject, oldest first.
func (o *Outbox) Drain(subject string, now time.Time) []*Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	q, ok := o.queues[subject]
	if !ok {
		return nil
	}
	delete(o.queues, subject)

	batch := make([]*Message, 0, q.Len())
	for q.Len() > 0 {
		msg := heap.Pop(q).(*Message)
		delete(o.index, msg.UUID)
		if msg.Expired(now) {
			o.expired++
			continue
		}
		batch = append(batch, msg)
	}
	return batch
}

// Expire removes every message whose TTL elapsed and returns the count.
func (o *Outbox) Expire(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for subject, q := range o.queues {
		kept := make(messageQueue, 0, q.Len())
		for _, msg := range *q {
			if msg.Expired(now) {
				delete(o.index, msg.UUID)
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(o.queues, subject)
			continue
		}
		heap.Init(&kept)
		o.queues[subject] = &kept
	}
	o.expired += int64(removed)
	return removed
}

// Contains checks if a message is parked.
func (o *Outbox) Contains(uuid string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, exists := o.index[uuid]
	return exists
}

// Len returns the number of messages parked for subject.
func (o *Outbox) Len(subject string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if q, ok := o.queues[subject]; ok {
		return q.Len()
	}
	return 0
}

// Size returns the number of parked messages.
func (o *Outbox) Size() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.index)
}

// Clear removes all messages.
func (o *Outbox) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.queues = make(map[string]*messageQueue)
	o.index = make(map[string]*Message)
}

// OutboxStats contains outbox statistics.
type OutboxStats struct {
	Size     int   `json:"size"`
	Subjects int   `json:"subjects"`
	Dropped  int64 `json:"dropped"`
	Expired  int64 `json:"expired"`
}

// Stats returns outbox statistics.
func (o *Outbox) Stats() OutboxStats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return OutboxStats{
		Size:     len(o.index),
		Subjects: len(o.queues),
		Dropped:  o.dropped,
		Expired:  o.expired,
	}
}
