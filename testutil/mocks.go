package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockDestinationServer mocks a destination platform API: post creation,
// media upload registration, and binary transfer endpoints.
type MockDestinationServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []RecordedRequest
}

// RecordedRequest captures one call the mock received, for assertions.
type RecordedRequest struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

// NewMockDestinationServer creates a new mock destination API server.
// Unrouted paths return 404.
func NewMockDestinationServer(t *testing.T) *MockDestinationServer {
	t.Helper()
	m := &MockDestinationServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Body:   body,
			Header: r.Header.Clone(),
		})
		m.mu.Unlock()
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Requests returns a snapshot of everything the mock has received so far.
func (m *MockDestinationServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// MockPublishResponse adds a handler for the post creation endpoint.
func (m *MockDestinationServer) MockPublishResponse(postID string) {
	m.Handlers["/v1/posts"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": postID}) //nolint:errcheck // test mock response
	}
}

// MockPublishStatus adds a handler that fails post creation with a status
// code and optional Retry-After seconds value.
func (m *MockDestinationServer) MockPublishStatus(status int, retryAfter string) {
	m.Handlers["/v1/posts"] = func(w http.ResponseWriter, r *http.Request) {
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		w.WriteHeader(status)
	}
}

// MockUploadRegister adds a handler for the upload registration endpoint
// that points transfers at the mock's own uploadPath.
func (m *MockDestinationServer) MockUploadRegister(assetID, uploadPath string) {
	m.Handlers["/v1/uploads/register"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck // test mock response
			"upload_url": m.URL + uploadPath,
			"asset_id":   assetID,
		})
	}
}

// MockUploadTransfer adds a handler for the binary transfer endpoint.
func (m *MockDestinationServer) MockUploadTransfer(path string, status int) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint.
func (m *MockDestinationServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}
}
