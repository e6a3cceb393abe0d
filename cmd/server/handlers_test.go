package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dj-oyu/whip-sei-publisher/internal/metrics"
	"github.com/dj-oyu/whip-sei-publisher/internal/recorder"
	"github.com/dj-oyu/whip-sei-publisher/internal/sei"
	"github.com/dj-oyu/whip-sei-publisher/internal/webrtc"
)

// newTestServer wires the HTTP surface without the shared-memory pipeline.
func newTestServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()

	srv := &Server{
		metrics:   metrics.New(),
		publisher: sei.New(sei.Config{QueueDepth: 5, MaxPayload: 64}),
		webrtc:    webrtc.NewServer(nil, 1),
		recorder:  recorder.NewRecorder(t.TempDir()),
	}
	t.Cleanup(srv.publisher.Close)

	mux := http.NewServeMux()
	srv.setupRoutes(mux)
	return srv, mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestSendTextEndpoint(t *testing.T) {
	srv, mux := newTestServer(t)

	rec := postJSON(t, mux, "/sei/text", `{"text":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /sei/text status = %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Success   bool `json:"success"`
		QueueSize int  `json:"queue_size"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.QueueSize != 1 {
		t.Errorf("response = %+v", resp)
	}
	if srv.publisher.QueueSize() != 1 {
		t.Errorf("queue size = %d, want 1", srv.publisher.QueueSize())
	}
}

func TestSendTextRejectsMissingBody(t *testing.T) {
	_, mux := newTestServer(t)

	rec := postJSON(t, mux, "/sei/text", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSendRawRejectsOversized(t *testing.T) {
	srv, mux := newTestServer(t)

	rec := postJSON(t, mux, "/sei/raw", strings.Repeat("x", 65))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if srv.publisher.QueueSize() != 0 {
		t.Errorf("queue size = %d after rejection", srv.publisher.QueueSize())
	}
}

func TestSendStatusAndStats(t *testing.T) {
	_, mux := newTestServer(t)

	rec := postJSON(t, mux, "/sei/status", `{"status":"battery","value":87}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /sei/status status = %d: %s", rec.Code, rec.Body)
	}

	req := httptest.NewRequest(http.MethodGet, "/sei/stats", nil)
	statsRec := httptest.NewRecorder()
	mux.ServeHTTP(statsRec, req)

	var stats struct {
		QueueSize        int    `json:"queue_size"`
		FramesProcessed  uint64 `json:"frames_processed"`
		SEIUnitsInserted uint64 `json:"sei_units_inserted"`
	}
	if err := json.Unmarshal(statsRec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.QueueSize != 1 {
		t.Errorf("stats queue_size = %d, want 1", stats.QueueSize)
	}
}

func TestClearQueueEndpoint(t *testing.T) {
	srv, mux := newTestServer(t)

	postJSON(t, mux, "/sei/text", `{"text":"one"}`)
	postJSON(t, mux, "/sei/text", `{"text":"two"}`)

	rec := postJSON(t, mux, "/sei/clear", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /sei/clear status = %d", rec.Code)
	}
	if srv.publisher.QueueSize() != 0 {
		t.Errorf("queue size = %d after clear", srv.publisher.QueueSize())
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, mux := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var health struct {
		Status       string `json:"status"`
		SEIQueueSize int    `json:"sei_queue_size"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("health status = %q", health.Status)
	}
}

func TestSendEndpointsRejectGet(t *testing.T) {
	_, mux := newTestServer(t)

	for _, path := range []string{"/sei/text", "/sei/json", "/sei/raw", "/sei/status", "/sei/clear"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s status = %d, want 405", path, rec.Code)
		}
	}
}
