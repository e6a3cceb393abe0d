package sei

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dj-oyu/whip-sei-publisher/internal/h264"
	"github.com/dj-oyu/whip-sei-publisher/internal/logger"
)

// Stats holds the hook's processing counters. Counters only grow until
// Reset.
type Stats struct {
	FramesProcessed  atomic.Uint64
	SEIUnitsInserted atomic.Uint64
	TotalSEIBytes    atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	FramesProcessed  uint64 `json:"frames_processed"`
	SEIUnitsInserted uint64 `json:"sei_units_inserted"`
	TotalSEIBytes    uint64 `json:"total_sei_bytes"`
}

// Snapshot reads all counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesProcessed:  s.FramesProcessed.Load(),
		SEIUnitsInserted: s.SEIUnitsInserted.Load(),
		TotalSEIBytes:    s.TotalSEIBytes.Load(),
	}
}

// Reset zeroes all counters.
func (s *Stats) Reset() {
	s.FramesProcessed.Store(0)
	s.SEIUnitsInserted.Store(0)
	s.TotalSEIBytes.Store(0)
}

// FrameProcessor transforms one outgoing encoded frame. Implementations must
// return a freshly allocated buffer the caller takes ownership of; the input
// is never mutated.
type FrameProcessor interface {
	ProcessFrame(frame []byte) ([]byte, error)
}

// Injector splices queued SEI messages into keyframes. It is the default
// FrameProcessor behind the publisher.
type Injector struct {
	queue      *Queue
	streamID   uuid.UUID
	maxPayload int
	stats      *Stats
}

// NewInjector creates an injector draining queue into frames, tagging units
// with streamID.
func NewInjector(queue *Queue, streamID uuid.UUID, maxPayload int, stats *Stats) *Injector {
	return &Injector{
		queue:      queue,
		streamID:   streamID,
		maxPayload: maxPayload,
		stats:      stats,
	}
}

// ProcessFrame returns a new buffer holding frame plus any injected SEI
// units. The fallback on every degraded path (empty queue, contended lock,
// non-keyframe) is a verbatim copy of the input: the media pipeline always
// gets a frame it can send.
//
// Messages are only consumed on keyframes. Each message is encoded once and
// spliced RepeatCount times; the insertion offset is recomputed after every
// splice so repeats land back to back ahead of the same slice.
func (inj *Injector) ProcessFrame(frame []byte) ([]byte, error) {
	inj.stats.FramesProcessed.Add(1)

	out := append([]byte(nil), frame...)

	size, ok := inj.queue.TrySize()
	if !ok || size == 0 {
		return out, nil
	}

	if !h264.IsKeyframe(frame) {
		return out, nil
	}

	msgs, ok := inj.queue.TryDequeueAll()
	if !ok {
		return out, nil
	}

	for _, msg := range msgs {
		unit, err := h264.EncodeSEIUnit(inj.streamID, msg.Payload, inj.maxPayload)
		if err != nil {
			// Oversized payloads are rejected at enqueue; hitting this means
			// the configured limits disagree. Drop the message, keep the frame.
			logger.Error("SEI", "Failed to encode SEI unit: %v", err)
			continue
		}

		for i := 0; i < msg.RepeatCount; i++ {
			out = splice(out, unit)
			inj.stats.SEIUnitsInserted.Add(1)
			inj.stats.TotalSEIBytes.Add(uint64(len(unit)))
		}

		logger.Debug("SEI", "Inserted SEI unit: %d bytes, repeated %d times", len(unit), msg.RepeatCount)
	}

	if len(out) > len(frame) {
		logger.Debug("SEI", "Processed %d SEI messages, frame size: %d -> %d bytes",
			len(msgs), len(frame), len(out))
	}

	return out, nil
}

// splice returns a new buffer with unit inserted ahead of the frame's first
// coded slice, or at the front when no slice is present. The input frame is
// never modified.
func splice(frame, unit []byte) []byte {
	offset, _ := h264.FindInsertionOffset(frame)

	out := make([]byte, 0, len(frame)+len(unit))
	out = append(out, frame[:offset]...)
	out = append(out, unit...)
	out = append(out, frame[offset:]...)

	return out
}
