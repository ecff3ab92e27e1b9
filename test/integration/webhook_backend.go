package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// WebhookBackend is an HTTP test server standing in for the endpoints called
// by "http" activities. Responses are queued per path; every request is
// recorded for later assertion.
type WebhookBackend struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	responses map[string]*responseQueue
	received  map[string][]*RecordedRequest
}

// RecordedRequest captures a request received by the backend.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

type responseQueue struct {
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// PathMock configures the responses for one path.
type PathMock struct {
	backend *WebhookBackend
	path    string
}

func newWebhookBackend(t *testing.T) *WebhookBackend {
	t.Helper()

	wb := &WebhookBackend{
		t:         t,
		responses: make(map[string]*responseQueue),
		received:  make(map[string][]*RecordedRequest),
	}
	wb.server = httptest.NewServer(http.HandlerFunc(wb.handle))
	t.Cleanup(wb.server.Close)
	return wb
}

// URL returns the base URL of the backend.
func (wb *WebhookBackend) URL() string {
	return wb.server.URL
}

// On returns a builder for the responses served at path.
func (wb *WebhookBackend) On(path string) *PathMock {
	return &PathMock{backend: wb, path: path}
}

// RespondWith queues a response with the given status and JSON body.
func (pm *PathMock) RespondWith(status int, body any) *PathMock {
	pm.backend.addResponse(pm.path, &mockResponse{status: status, body: body})
	return pm
}

// RespondWithDelay queues a delayed response to simulate a slow endpoint.
func (pm *PathMock) RespondWithDelay(delay time.Duration, status int, body any) *PathMock {
	pm.backend.addResponse(pm.path, &mockResponse{status: status, body: body, delay: delay})
	return pm
}

// RespondWithConnectionError queues a response that drops the connection.
func (pm *PathMock) RespondWithConnectionError() *PathMock {
	pm.backend.addResponse(pm.path, &mockResponse{connError: true})
	return pm
}

func (wb *WebhookBackend) addResponse(path string, resp *mockResponse) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	q, ok := wb.responses[path]
	if !ok {
		q = &responseQueue{}
		wb.responses[path] = q
	}
	q.responses = append(q.responses, resp)
}

func (wb *WebhookBackend) handle(w http.ResponseWriter, r *http.Request) {
	rec := &RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	}
	if body, _ := io.ReadAll(r.Body); len(body) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err == nil {
			rec.Body = parsed
		}
	}

	wb.mu.Lock()
	wb.received[r.URL.Path] = append(wb.received[r.URL.Path], rec)
	resp := wb.nextResponse(r.URL.Path)
	wb.mu.Unlock()

	if resp == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		return
	}
	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, _ := hj.Hijack(); conn != nil {
				conn.Close()
			}
		}
		return
	}
	if resp.delay > 0 {
		time.Sleep(resp.delay)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.body != nil {
		json.NewEncoder(w).Encode(resp.body)
	}
}

// nextResponse must be called with mu held. The last queued response
// repeats once the queue is drained.
func (wb *WebhookBackend) nextResponse(path string) *mockResponse {
	q, ok := wb.responses[path]
	if !ok || len(q.responses) == 0 {
		return nil
	}
	idx := q.current
	if idx >= len(q.responses) {
		idx = len(q.responses) - 1
	} else {
		q.current++
	}
	return q.responses[idx]
}

// AssertCalled verifies the number of requests received at path.
func (wb *WebhookBackend) AssertCalled(t *testing.T, path string, want int) {
	t.Helper()
	wb.mu.Lock()
	got := len(wb.received[path])
	wb.mu.Unlock()
	if got != want {
		t.Errorf("webhook %s called %d times, want %d", path, got, want)
	}
}

// LastRequest returns the last request received at path, or nil.
func (wb *WebhookBackend) LastRequest(path string) *RecordedRequest {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	reqs := wb.received[path]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// Reset clears recorded requests and queued responses.
func (wb *WebhookBackend) Reset() {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.responses = make(map[string]*responseQueue)
	wb.received = make(map[string][]*RecordedRequest)
}
