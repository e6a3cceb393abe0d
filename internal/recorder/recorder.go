package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/whip-sei-publisher/internal/logger"
	"github.com/dj-oyu/whip-sei-publisher/pkg/types"
)

// Recorder writes the post-injection elementary stream to .h264 files. The
// recorded file carries the injected SEI units, so metadata delivery can be
// verified offline with any Annex-B inspector.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	basePath     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	frameChan    chan *types.H264Frame
	wg           sync.WaitGroup

	// SPS/PPS are prepended at the first recorded IDR so mid-stream
	// recordings stay playable
	spsCache        []byte
	ppsCache        []byte
	firstIDRWritten bool
}

// NewRecorder creates a new recorder
func NewRecorder(basePath string) *Recorder {
	return &Recorder{
		basePath:  basePath,
		frameChan: make(chan *types.H264Frame, 60), // Buffer 2 seconds
	}
}

// Start starts recording to a new timestamped file
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("already recording")
	}

	filename := fmt.Sprintf("sei_stream_%s.h264", time.Now().Format("20060102_150405"))
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.firstIDRWritten = false

	r.wg.Add(1)
	go r.writeFrames()

	logger.Info("Recorder", "Recording to %s", filename)
	return nil
}

// Stop stops recording and flushes the file
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return fmt.Errorf("not recording")
	}
	r.recording = false
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		if err := r.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync file: %w", err)
		}
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("failed to close file: %w", err)
		}
		r.file = nil
	}

	logger.Info("Recorder", "Recording stopped (%d frames, %d bytes)", r.frameCount, r.bytesWritten)
	return nil
}

// UpdateHeaders updates the cached SPS/PPS headers
func (r *Recorder) UpdateHeaders(sps, pps []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(sps) > 0 {
		r.spsCache = append([]byte(nil), sps...)
	}
	if len(pps) > 0 {
		r.ppsCache = append([]byte(nil), pps...)
	}
}

// SendFrame hands a frame to the recorder without blocking; returns false
// when not recording or the buffer is full.
func (r *Recorder) SendFrame(frame *types.H264Frame) bool {
	r.mu.RLock()
	recording := r.recording
	r.mu.RUnlock()

	if !recording {
		return false
	}

	select {
	case r.frameChan <- frame:
		return true
	default:
		return false
	}
}

func (r *Recorder) writeFrames() {
	defer r.wg.Done()

	for {
		r.mu.RLock()
		recording := r.recording
		r.mu.RUnlock()

		if !recording {
			// Drain remaining frames
			for len(r.frameChan) > 0 {
				r.writeFrame(<-r.frameChan)
			}
			return
		}

		select {
		case frame := <-r.frameChan:
			r.writeFrame(frame)
		case <-time.After(100 * time.Millisecond):
			// Re-check recording state
		}
	}
}

func (r *Recorder) writeFrame(frame *types.H264Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}

	dataToWrite := frame.Data
	if frame.IsIDR && !r.firstIDRWritten && len(r.spsCache) > 0 && len(r.ppsCache) > 0 {
		dataToWrite = make([]byte, 0, len(r.spsCache)+len(r.ppsCache)+len(frame.Data))
		dataToWrite = append(dataToWrite, r.spsCache...)
		dataToWrite = append(dataToWrite, r.ppsCache...)
		dataToWrite = append(dataToWrite, frame.Data...)
		r.firstIDRWritten = true
	}

	n, err := r.file.Write(dataToWrite)
	if err != nil {
		logger.Warn("Recorder", "Write error: %v", err)
		return
	}

	r.bytesWritten += uint64(n)
	r.frameCount++
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status holds the current recording status
type Status struct {
	Recording    bool          `json:"recording"`
	Filename     string        `json:"filename"`
	FrameCount   uint64        `json:"frame_count"`
	BytesWritten uint64        `json:"bytes_written"`
	Duration     time.Duration `json:"duration_ms"`
	StartTime    time.Time     `json:"start_time"`
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return Status{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		Duration:     duration,
		StartTime:    r.startTime,
	}
}

// Close stops any active recording
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}
