package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/murmur-ai/voice-gateway/internal/gemini"
	"github.com/murmur-ai/voice-gateway/internal/session"
	"github.com/murmur-ai/voice-gateway/internal/tools"
	"github.com/murmur-ai/voice-gateway/internal/ws"
)

type stubUpstream struct{}

func (stubUpstream) Open(context.Context, string, func(gemini.Event), func(error)) error {
	return nil
}
func (stubUpstream) SendAudio(context.Context, string, string, string) error { return nil }
func (stubUpstream) Close(string) error                                      { return nil }

func newTestRouter(t *testing.T) (*gin.Engine, *session.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sessions := session.NewRegistry(zap.NewNop(), time.Minute, time.Minute, 50)
	t.Cleanup(sessions.Close)

	toolbox := tools.NewRegistry(zap.NewNop())
	tools.RegisterBuiltins(toolbox)

	wsHandler := ws.NewHandler(zap.NewNop(), sessions, stubUpstream{})
	return NewRouter(zap.NewNop(), sessions, toolbox, wsHandler), sessions
}

func doRequest(t *testing.T, router *gin.Engine, method string, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status=%v, want ok", body["status"])
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	router, sessions := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/sessions", `{"userId":"u-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d, want %d", rec.Code, http.StatusCreated)
	}
	var created struct {
		SessionID string `json:"sessionId"`
		CreatedAt string `json:"createdAt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if created.SessionID == "" {
		t.Fatal("sessionId empty")
	}
	if _, err := time.Parse(time.RFC3339, created.CreatedAt); err != nil {
		t.Fatalf("createdAt=%q not RFC3339: %v", created.CreatedAt, err)
	}

	sessions.AppendMemory(created.SessionID, "user", "hello")

	rec = doRequest(t, router, http.MethodGet, "/api/sessions/"+created.SessionID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status=%d, want %d", rec.Code, http.StatusOK)
	}
	var got struct {
		SessionID    string `json:"sessionId"`
		UserID       string `json:"userId"`
		Connected    bool   `json:"connected"`
		MemoryLength int    `json:"memoryLength"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode get: %v", err)
	}
	if got.UserID != "u-1" {
		t.Fatalf("userId=%q, want u-1", got.UserID)
	}
	if got.Connected {
		t.Fatal("connected=true, want false")
	}
	if got.MemoryLength != 1 {
		t.Fatalf("memoryLength=%d, want 1", got.MemoryLength)
	}

	rec = doRequest(t, router, http.MethodDelete, "/api/sessions/"+created.SessionID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status=%d, want %d", rec.Code, http.StatusOK)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/sessions/"+created.SessionID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status=%d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestSessionNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/sessions/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get status=%d, want %d", rec.Code, http.StatusNotFound)
	}
	rec = doRequest(t, router, http.MethodDelete, "/api/sessions/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("delete status=%d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestToolsListing(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/tools", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Tools) != 5 {
		t.Fatalf("tools=%d, want 5", len(body.Tools))
	}
	for _, tool := range body.Tools {
		if tool.Name == "" || tool.Description == "" {
			t.Fatalf("tool missing fields: %+v", tool)
		}
	}
}
