package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/whip-sei-publisher/internal/h264"
	"github.com/dj-oyu/whip-sei-publisher/internal/logger"
	"github.com/dj-oyu/whip-sei-publisher/internal/metrics"
	"github.com/dj-oyu/whip-sei-publisher/internal/recorder"
	"github.com/dj-oyu/whip-sei-publisher/internal/sei"
	"github.com/dj-oyu/whip-sei-publisher/internal/shm"
	"github.com/dj-oyu/whip-sei-publisher/internal/webrtc"
	"github.com/dj-oyu/whip-sei-publisher/pkg/types"
)

var (
	// Command-line flags
	shmName     = flag.String("shm", shm.DefaultShmName, "Shared memory name")
	httpAddr    = flag.String("http", ":8081", "HTTP server address")
	metricsAddr = flag.String("metrics", ":9090", "Metrics server address")
	pprofAddr   = flag.String("pprof", ":6060", "pprof server address")
	recordPath  = flag.String("record-path", "./recordings", "Recording output path")
	maxClients  = flag.Int("max-clients", 10, "Maximum WebRTC clients")
	stunServers = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URLs (comma-separated)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")

	seiMaxPayload = flag.Int("sei-max-payload", sei.DefaultMaxPayload, "Maximum SEI payload size per message")
	seiQueueDepth = flag.Int("sei-queue-depth", sei.DefaultQueueDepth, "Maximum queued SEI messages")
	seiRepeat     = flag.Int("sei-repeat", sei.DefaultRepeatCount, "Default SEI repeat count per keyframe")
)

// Server is the SEI-injecting streaming server
type Server struct {
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	cfg        types.Config
	metrics    *metrics.Metrics
	shmReader  *shm.Reader
	processor  *h264.Processor
	publisher  *sei.Publisher
	webrtc     *webrtc.Server
	recorder   *recorder.Recorder
	httpServer *http.Server

	// Channels for goroutine communication
	injectChan   chan *types.H264Frame
	webrtcChan   chan *types.H264Frame
	recorderChan chan *types.H264Frame
}

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "SEI publisher server starting...")

	cfg := types.Config{
		ShmName:       *shmName,
		HTTPAddr:      *httpAddr,
		MetricsAddr:   *metricsAddr,
		ProfileAddr:   *pprofAddr,
		RecordPath:    *recordPath,
		MaxClients:    *maxClients,
		StunServers:   strings.Split(*stunServers, ","),
		MaxPayload:    *seiMaxPayload,
		QueueDepth:    *seiQueueDepth,
		DefaultRepeat: *seiRepeat,
	}

	if err := os.MkdirAll(cfg.RecordPath, 0755); err != nil {
		log.Fatalf("Failed to create recordings directory: %v", err)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")

	if err := srv.Shutdown(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// NewServer creates a new streaming server
func NewServer(cfg types.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()

	reader, err := shm.NewReader(cfg.ShmName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create shared memory reader: %w", err)
	}

	processor := h264.NewProcessor()

	publisher := sei.New(sei.Config{
		MaxPayload:  cfg.MaxPayload,
		QueueDepth:  cfg.QueueDepth,
		RepeatCount: cfg.DefaultRepeat,
	})

	webrtcSrv := webrtc.NewServer(cfg.StunServers, cfg.MaxClients)

	rec := recorder.NewRecorder(cfg.RecordPath)

	mux := http.NewServeMux()
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	srv := &Server{
		ctx:          ctx,
		cancel:       cancel,
		cfg:          cfg,
		metrics:      m,
		shmReader:    reader,
		processor:    processor,
		publisher:    publisher,
		webrtc:       webrtcSrv,
		recorder:     rec,
		httpServer:   httpServer,
		injectChan:   make(chan *types.H264Frame, 30),
		webrtcChan:   make(chan *types.H264Frame, 30),
		recorderChan: make(chan *types.H264Frame, 60),
	}

	srv.setupRoutes(mux)

	return srv, nil
}

// Start starts all server components
func (s *Server) Start() error {
	log.Printf("Starting SEI publisher server...")
	log.Printf("  Shared memory: %s", s.cfg.ShmName)
	log.Printf("  HTTP server: %s", s.cfg.HTTPAddr)
	log.Printf("  Metrics server: %s", s.cfg.MetricsAddr)
	log.Printf("  pprof server: %s", s.cfg.ProfileAddr)
	log.Printf("  Recording path: %s", s.cfg.RecordPath)
	log.Printf("  SEI queue depth: %d, max payload: %d, repeat: %d",
		s.cfg.QueueDepth, s.cfg.MaxPayload, s.cfg.DefaultRepeat)

	go func() {
		log.Printf("Starting pprof server on %s", s.cfg.ProfileAddr)
		if err := http.ListenAndServe(s.cfg.ProfileAddr, nil); err != nil {
			log.Printf("pprof server error: %v", err)
		}
	}()

	go func() {
		log.Printf("Starting metrics server on %s", s.cfg.MetricsAddr)
		if err := s.metrics.StartServer(s.cfg.MetricsAddr); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	go func() {
		log.Printf("Starting HTTP server on %s", s.cfg.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	s.wg.Add(4)
	go s.readFrames()
	go s.injectFrames()
	go s.distributeWebRTC()
	go s.distributeRecorder()

	log.Println("Server started successfully")
	return nil
}

// readFrames polls the encoder's shared memory ring at the frame rate
func (s *Server) readFrames() {
	defer s.wg.Done()

	logger.Info("Reader", "Starting frame reading (polling at 30fps)")

	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()

	idleCount := 0

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			// Skip reading when nobody consumes the stream
			hasClients := s.webrtc.GetClientCount() > 0
			isRecording := s.recorder.IsRecording()

			if !hasClients && !isRecording {
				idleCount++
				continue
			}

			if idleCount > 0 {
				logger.Info("Reader", "Resuming frame reading (clients=%d, recording=%v)",
					s.webrtc.GetClientCount(), isRecording)
				idleCount = 0
			}

			frame, err := s.shmReader.ReadLatest()
			if err != nil {
				s.metrics.ReadErrors.Add(1)
				logger.Warn("Reader", "Read error: %v", err)
				continue
			}

			if frame == nil {
				continue
			}

			s.metrics.FramesRead.Add(1)

			select {
			case s.injectChan <- frame:
			default:
				s.metrics.FramesDropped.Add(1)
			}
		}
	}
}

// injectFrames runs every frame through the SEI hook exactly once before
// fan-out, so a queued message is consumed by a single keyframe regardless
// of how many clients are watching.
func (s *Server) injectFrames() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.injectChan:
			startTime := time.Now()

			// Cache SPS/PPS and flag IDR frames for the recorder
			if err := s.processor.Process(frame); err != nil {
				logger.Warn("Processor", "Error: %v", err)
			}
			if s.processor.HasHeaders() {
				s.recorder.UpdateHeaders(s.processor.GetSPS(), s.processor.GetPPS())
			}

			out, err := s.publisher.ProcessFrame(frame.Data)
			if err != nil {
				// The pipeline always sends something; injection failure
				// costs the metadata, not the frame.
				s.metrics.InjectErrors.Add(1)
				logger.Warn("Injector", "Error: %v", err)
			} else {
				frame.Data = out
			}

			s.metrics.FramesProcessed.Add(1)
			s.metrics.UpdateInjectLatency(time.Since(startTime))
			s.syncSEIMetrics()

			select {
			case s.webrtcChan <- frame:
			default:
				s.metrics.FramesDropped.Add(1)
			}

			select {
			case s.recorderChan <- frame:
			default:
				s.metrics.FramesDropped.Add(1)
			}
		}
	}
}

// syncSEIMetrics mirrors the publisher's counters into the Prometheus gauges
func (s *Server) syncSEIMetrics() {
	stats := s.publisher.Stats()
	s.metrics.SEIUnitsInserted.Store(stats.SEIUnitsInserted)
	s.metrics.SEIBytesAdded.Store(stats.TotalSEIBytes)
	s.metrics.SEIQueueDepth.Store(uint64(s.publisher.QueueSize()))
	s.metrics.SEIMessagesDropped.Store(s.publisher.DroppedMessages())
}

// distributeWebRTC distributes frames to WebRTC clients
func (s *Server) distributeWebRTC() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.webrtcChan:
			s.webrtc.SendFrame(frame)
			s.metrics.FramesSent.Add(1)
			s.metrics.ActiveClients.Store(uint64(s.webrtc.GetClientCount()))
		}
	}
}

// distributeRecorder distributes frames to the recorder
func (s *Server) distributeRecorder() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.recorderChan:
			s.recorder.SendFrame(frame)

			status := s.recorder.GetStatus()
			if status.Recording {
				s.metrics.RecordingActive.Store(1)
				s.metrics.RecordingBytes.Store(status.BytesWritten)
			} else {
				s.metrics.RecordingActive.Store(0)
			}
		}
	}
}

// setupRoutes sets up HTTP routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	corsMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next(w, r)
		}
	}

	// WebRTC signaling
	mux.HandleFunc("/offer", corsMiddleware(s.handleOffer))

	// SEI message publishing (the console command surface of the firmware,
	// mapped onto HTTP)
	mux.HandleFunc("/sei/text", corsMiddleware(s.handleSendText))
	mux.HandleFunc("/sei/json", corsMiddleware(s.handleSendJSON))
	mux.HandleFunc("/sei/raw", corsMiddleware(s.handleSendRaw))
	mux.HandleFunc("/sei/status", corsMiddleware(s.handleSendStatus))
	mux.HandleFunc("/sei/clear", corsMiddleware(s.handleClearQueue))
	mux.HandleFunc("/sei/stats", corsMiddleware(s.handleStats))

	// Recording control
	mux.HandleFunc("/record/start", corsMiddleware(s.handleStartRecording))
	mux.HandleFunc("/record/stop", corsMiddleware(s.handleStopRecording))
	mux.HandleFunc("/record/status", corsMiddleware(s.handleRecordStatus))

	// Health check
	mux.HandleFunc("/health", s.handleHealth)
}

// handleOffer handles WebRTC offer
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	offerJSON, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	answerJSON, err := s.webrtc.HandleOffer(offerJSON)
	if err != nil {
		logger.Error("HTTP", "WebRTC offer error: %v", err)
		http.Error(w, fmt.Sprintf("Failed to handle offer: %v", err), http.StatusInternalServerError)
		return
	}

	s.metrics.TotalClients.Add(1)

	w.Header().Set("Content-Type", "application/json")
	w.Write(answerJSON)
}

// publishResult reports an enqueue outcome and updates counters
func (s *Server) publishResult(w http.ResponseWriter, err error) {
	if err != nil {
		s.metrics.SEIMessagesRejected.Add(1)
		status := http.StatusInternalServerError
		if errors.Is(err, sei.ErrPayloadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		return
	}

	s.metrics.SEIMessagesQueued.Add(1)
	s.metrics.SEIQueueDepth.Store(uint64(s.publisher.QueueSize()))

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":    true,
		"queue_size": s.publisher.QueueSize(),
	})
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		http.Error(w, "Expected body {\"text\": ...}", http.StatusBadRequest)
		return
	}

	s.publishResult(w, s.publisher.SendText(req.Text))
}

func (s *Server) handleSendJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Role == "" {
		http.Error(w, "Expected body {\"role\": ..., \"content\": ...}", http.StatusBadRequest)
		return
	}

	s.publishResult(w, s.publisher.SendJSON(req.Role, req.Content))
}

func (s *Server) handleSendRaw(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "Expected raw JSON body", http.StatusBadRequest)
		return
	}

	s.publishResult(w, s.publisher.SendRawJSON(string(body)))
}

func (s *Server) handleSendStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Status string `json:"status"`
		Value  int    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		http.Error(w, "Expected body {\"status\": ..., \"value\": ...}", http.StatusBadRequest)
		return
	}

	s.publishResult(w, s.publisher.SendStatus(req.Status, req.Value))
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.publisher.ClearQueue()
	s.metrics.SEIQueueDepth.Store(0)

	json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method == "POST" {
		// POST resets, mirroring the firmware's stats-reset command
		s.publisher.ResetStats()
	}

	stats := s.publisher.Stats()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"queue_size":         s.publisher.QueueSize(),
		"dropped_messages":   s.publisher.DroppedMessages(),
		"frames_processed":   stats.FramesProcessed,
		"sei_units_inserted": stats.SEIUnitsInserted,
		"total_sei_bytes":    stats.TotalSEIBytes,
	})
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.recorder.Start(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to start recording: %v", err), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"status":  s.recorder.GetStatus(),
	})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.recorder.Stop(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to stop recording: %v", err), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"status":  s.recorder.GetStatus(),
	})
}

func (s *Server) handleRecordStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.recorder.GetStatus())
}

// handleHealth handles health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"webrtc_clients": s.webrtc.GetClientCount(),
		"recording":      s.recorder.IsRecording(),
		"sei_queue_size": s.publisher.QueueSize(),
	})
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.cancel()
	s.wg.Wait()

	if s.recorder.IsRecording() {
		s.recorder.Stop()
	}

	s.recorder.Close()
	s.webrtc.Close()
	s.shmReader.Close()
	s.publisher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
