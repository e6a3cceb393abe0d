package sei

import (
	"errors"
	"sync"
	"time"
)

// Errors surfaced by the queue and publisher.
var (
	ErrPayloadTooLarge = errors.New("sei: payload exceeds maximum size")
	ErrClosed          = errors.New("sei: publisher closed")
)

// Message is one pending SEI payload. The queue owns the payload bytes from
// Enqueue until DequeueAll hands them to the injector.
type Message struct {
	Payload     []byte
	RepeatCount int       // Splices per keyframe for loss resilience
	EnqueuedAt  time.Time // Informational only
}

// Queue is a bounded FIFO of pending SEI messages with drop-oldest overflow.
// All operations share a single critical section. The Try variants take the
// lock without blocking; the frame path uses them so a contended lock costs
// a missed injection opportunity, never a stalled pipeline.
type Queue struct {
	mu         sync.Mutex
	ring       []Message
	head       int
	count      int
	maxPayload int
	evicted    uint64
}

// NewQueue creates a queue holding at most capacity messages of up to
// maxPayload bytes each.
func NewQueue(capacity, maxPayload int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ring:       make([]Message, capacity),
		maxPayload: maxPayload,
	}
}

// Enqueue copies payload into the queue. A full queue evicts exactly one
// oldest message; evicted reports whether that happened. Payloads above the
// maximum size are rejected whole.
func (q *Queue) Enqueue(payload []byte, repeatCount int) (evicted bool, err error) {
	if len(payload) > q.maxPayload {
		return false, ErrPayloadTooLarge
	}
	if repeatCount <= 0 {
		repeatCount = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.ring) {
		q.ring[q.head] = Message{}
		q.head = (q.head + 1) % len(q.ring)
		q.count--
		q.evicted++
		evicted = true
	}

	tail := (q.head + q.count) % len(q.ring)
	q.ring[tail] = Message{
		Payload:     append([]byte(nil), payload...),
		RepeatCount: repeatCount,
		EnqueuedAt:  time.Now(),
	}
	q.count++

	return evicted, nil
}

// DequeueAll drains the queue and returns its messages oldest-first.
func (q *Queue) DequeueAll() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

// TryDequeueAll is DequeueAll with a non-blocking lock attempt. ok is false
// when the lock was contended; the queue is untouched in that case.
func (q *Queue) TryDequeueAll() (msgs []Message, ok bool) {
	if !q.mu.TryLock() {
		return nil, false
	}
	defer q.mu.Unlock()
	return q.drainLocked(), true
}

func (q *Queue) drainLocked() []Message {
	if q.count == 0 {
		return nil
	}

	msgs := make([]Message, 0, q.count)
	for q.count > 0 {
		msgs = append(msgs, q.ring[q.head])
		q.ring[q.head] = Message{}
		q.head = (q.head + 1) % len(q.ring)
		q.count--
	}
	q.head = 0

	return msgs
}

// Size returns the number of queued messages.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// TrySize is Size with a non-blocking lock attempt.
func (q *Queue) TrySize() (size int, ok bool) {
	if !q.mu.TryLock() {
		return 0, false
	}
	defer q.mu.Unlock()
	return q.count, true
}

// Clear discards all queued messages and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cleared := q.count
	for i := range q.ring {
		q.ring[i] = Message{}
	}
	q.head = 0
	q.count = 0

	return cleared
}

// Evicted returns the number of messages dropped by overflow since creation.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}
