package sei

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/whip-sei-publisher/internal/h264"
	"github.com/dj-oyu/whip-sei-publisher/internal/logger"
)

// Defaults preserved from the embedded implementation this server replaces.
const (
	DefaultMaxPayload  = 400
	DefaultQueueDepth  = 15
	DefaultRepeatCount = 3
)

// Config tunes the publisher. Zero values fall back to the defaults above.
type Config struct {
	MaxPayload  int
	QueueDepth  int
	RepeatCount int
}

func (c Config) withDefaults() Config {
	if c.MaxPayload <= 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.RepeatCount <= 0 {
		c.RepeatCount = DefaultRepeatCount
	}
	return c
}

// Publisher is the externally visible entry point: it queues metadata
// payloads and splices them into outgoing frames as SEI NAL units.
type Publisher struct {
	cfg       Config
	queue     *Queue
	stats     *Stats
	processor FrameProcessor
	epoch     time.Time

	mu     sync.Mutex
	closed bool
}

// New creates a publisher driving the default injector.
func New(cfg Config) *Publisher {
	return newPublisher(cfg, nil)
}

// NewWithProcessor creates a publisher whose frame path is handled by proc
// instead of the default injector. Used by tests to observe or stub the
// frame hook; the processor is fixed for the publisher's lifetime.
func NewWithProcessor(cfg Config, proc FrameProcessor) *Publisher {
	return newPublisher(cfg, proc)
}

func newPublisher(cfg Config, proc FrameProcessor) *Publisher {
	cfg = cfg.withDefaults()

	queue := NewQueue(cfg.QueueDepth, cfg.MaxPayload)
	stats := &Stats{}
	if proc == nil {
		proc = NewInjector(queue, h264.StreamID, cfg.MaxPayload, stats)
	}

	logger.Info("SEI", "Publisher initialized (queue=%d, max_payload=%d, repeat=%d, id=%s)",
		cfg.QueueDepth, cfg.MaxPayload, cfg.RepeatCount, h264.StreamID)

	return &Publisher{
		cfg:       cfg,
		queue:     queue,
		stats:     stats,
		processor: proc,
		epoch:     time.Now(),
	}
}

// Close releases the queue and all still-queued messages. Idempotent; any
// call after Close is rejected with ErrClosed.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.queue.Clear()

	logger.Info("SEI", "Publisher closed")
}

func (p *Publisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// timestamp is milliseconds since the publisher was created, mirroring the
// boot-relative timestamps of the original firmware payloads.
func (p *Publisher) timestamp() int64 {
	return time.Since(p.epoch).Milliseconds()
}

// Publish enqueues an opaque payload with an explicit repeat count. It is
// the primitive under all Send helpers.
func (p *Publisher) Publish(payload []byte, repeatCount int) error {
	if p.isClosed() {
		return ErrClosed
	}
	if repeatCount <= 0 {
		repeatCount = p.cfg.RepeatCount
	}

	evicted, err := p.queue.Enqueue(payload, repeatCount)
	if err != nil {
		logger.Error("SEI", "Failed to queue message: %v", err)
		return err
	}
	if evicted {
		logger.Warn("SEI", "Message queue full, dropped oldest message")
	}

	logger.Debug("SEI", "Queued SEI message: %d bytes, queue: %d/%d, repeat: %d",
		len(payload), p.queue.Size(), p.cfg.QueueDepth, repeatCount)

	return nil
}

type textPayload struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

type chatPayload struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

type statusPayload struct {
	Status    string `json:"status"`
	Value     int    `json:"value"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

// SendText publishes plain text wrapped in a timestamped JSON envelope.
func (p *Publisher) SendText(text string) error {
	payload, err := json.Marshal(textPayload{
		Text:      text,
		Timestamp: p.timestamp(),
		Type:      "text_content",
	})
	if err != nil {
		return fmt.Errorf("marshal text payload: %w", err)
	}
	return p.Publish(payload, 0)
}

// SendJSON publishes a role/content chat message.
func (p *Publisher) SendJSON(role, content string) error {
	payload, err := json.Marshal(chatPayload{
		Role:      role,
		Content:   content,
		Timestamp: p.timestamp(),
		Type:      "chat_message",
	})
	if err != nil {
		return fmt.Errorf("marshal chat payload: %w", err)
	}
	return p.Publish(payload, 0)
}

// SendRawJSON publishes caller-provided JSON untouched.
func (p *Publisher) SendRawJSON(raw string) error {
	return p.Publish([]byte(raw), 0)
}

// SendStatus publishes a named status value.
func (p *Publisher) SendStatus(name string, value int) error {
	payload, err := json.Marshal(statusPayload{
		Status:    name,
		Value:     value,
		Timestamp: p.timestamp(),
		Type:      "status_update",
	})
	if err != nil {
		return fmt.Errorf("marshal status payload: %w", err)
	}
	return p.Publish(payload, 0)
}

// ProcessFrame runs one outgoing frame through the configured processor and
// returns a new buffer the caller owns. Called on the encoder/send path once
// per frame; after Close it fails fast so the caller falls back to the
// original frame.
func (p *Publisher) ProcessFrame(frame []byte) ([]byte, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	return p.processor.ProcessFrame(frame)
}

// QueueSize returns the number of pending messages.
func (p *Publisher) QueueSize() int {
	if p.isClosed() {
		return 0
	}
	return p.queue.Size()
}

// ClearQueue discards all pending messages.
func (p *Publisher) ClearQueue() {
	if p.isClosed() {
		return
	}
	if cleared := p.queue.Clear(); cleared > 0 {
		logger.Info("SEI", "Cleared %d queued messages", cleared)
	}
}

// DroppedMessages returns how many messages overflow has evicted.
func (p *Publisher) DroppedMessages() uint64 {
	return p.queue.Evicted()
}

// Stats returns a snapshot of the processing counters.
func (p *Publisher) Stats() StatsSnapshot {
	return p.stats.Snapshot()
}

// ResetStats zeroes the processing counters.
func (p *Publisher) ResetStats() {
	p.stats.Reset()
	logger.Info("SEI", "Statistics reset")
}
