package sei

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(5, 400)

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue([]byte{byte(i)}, 1); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if q.Size() != 3 {
		t.Fatalf("size = %d, want 3", q.Size())
	}

	msgs := q.DequeueAll()
	if len(msgs) != 3 {
		t.Fatalf("drained %d messages, want 3", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Payload[0] != byte(i) {
			t.Errorf("message %d payload = %x", i, msg.Payload)
		}
	}
	if q.Size() != 0 {
		t.Errorf("size after drain = %d", q.Size())
	}
}

func TestQueueDropOldest(t *testing.T) {
	// Enqueueing N+1 into capacity N keeps the N most recent, in order.
	q := NewQueue(4, 400)

	var evictions int
	for i := 0; i < 5; i++ {
		evicted, err := q.Enqueue([]byte{byte(i)}, 1)
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if evicted {
			evictions++
		}
	}

	if evictions != 1 {
		t.Errorf("evictions = %d, want 1", evictions)
	}
	msgs := q.DequeueAll()
	if len(msgs) != 4 {
		t.Fatalf("drained %d messages, want 4", len(msgs))
	}
	for i, msg := range msgs {
		if want := byte(i + 1); msg.Payload[0] != want {
			t.Errorf("message %d payload = %x, want %x", i, msg.Payload[0], want)
		}
	}
}

func TestQueueTwelveIntoTen(t *testing.T) {
	q := NewQueue(10, 400)

	for i := 1; i <= 12; i++ {
		if _, err := q.Enqueue([]byte(fmt.Sprintf("message-%d", i)), 1); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	if q.Size() != 10 {
		t.Fatalf("size = %d, want 10", q.Size())
	}
	if q.Evicted() != 2 {
		t.Errorf("evicted = %d, want 2", q.Evicted())
	}

	msgs := q.DequeueAll()
	for i, msg := range msgs {
		want := fmt.Sprintf("message-%d", i+3)
		if string(msg.Payload) != want {
			t.Errorf("message %d = %q, want %q", i, msg.Payload, want)
		}
	}
}

func TestQueueRejectsOversized(t *testing.T) {
	q := NewQueue(5, 8)

	_, err := q.Enqueue(bytes.Repeat([]byte{0x55}, 9), 1)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	if q.Size() != 0 {
		t.Errorf("size after rejected enqueue = %d", q.Size())
	}
}

func TestQueueEnqueueCopiesPayload(t *testing.T) {
	q := NewQueue(2, 400)

	payload := []byte("original")
	if _, err := q.Enqueue(payload, 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	copy(payload, "mutated!")

	msgs := q.DequeueAll()
	if string(msgs[0].Payload) != "original" {
		t.Errorf("payload aliased caller buffer: %q", msgs[0].Payload)
	}
}

func TestQueueClear(t *testing.T) {
	q := NewQueue(5, 400)
	for i := 0; i < 3; i++ {
		q.Enqueue([]byte{byte(i)}, 1)
	}

	if cleared := q.Clear(); cleared != 3 {
		t.Errorf("cleared = %d, want 3", cleared)
	}
	if q.Size() != 0 {
		t.Errorf("size after clear = %d", q.Size())
	}
	if msgs := q.DequeueAll(); msgs != nil {
		t.Errorf("drained %d messages from cleared queue", len(msgs))
	}
}

func TestQueueRepeatCountDefaultsToOne(t *testing.T) {
	q := NewQueue(2, 400)
	q.Enqueue([]byte("x"), 0)

	msgs := q.DequeueAll()
	if msgs[0].RepeatCount != 1 {
		t.Errorf("repeat count = %d, want 1", msgs[0].RepeatCount)
	}
}
