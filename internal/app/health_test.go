package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serve(t *testing.T, server *HTTPServer, method, path string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var body map[string]any
	if rr.Body.Len() > 0 && strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, body
}

func TestProbes(t *testing.T) {
	down := &fakeStore{pingFn: func(context.Context) error { return errors.New("connection refused") }}

	tests := []struct {
		name       string
		store      *fakeStore
		method     string
		path       string
		wantStatus int
		check      func(t *testing.T, body map[string]any)
	}{
		{
			name: "health", store: &fakeStore{}, method: http.MethodGet, path: "/api/health",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				if body["ok"] != true {
					t.Errorf("expected ok=true, got %v", body["ok"])
				}
			},
		},
		{
			name: "ready", store: &fakeStore{}, method: http.MethodGet, path: "/api/ready",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				if body["status"] != "ready" {
					t.Errorf("expected status=ready, got %v", body["status"])
				}
				checks, _ := body["checks"].(map[string]any)
				storeCheck, _ := checks["store"].(map[string]any)
				if storeCheck["status"] != "ok" {
					t.Errorf("expected store status=ok, got %v", storeCheck["status"])
				}
			},
		},
		{
			name: "ready with store down", store: down, method: http.MethodGet, path: "/api/ready",
			wantStatus: http.StatusServiceUnavailable,
			check: func(t *testing.T, body map[string]any) {
				if body["ok"] != false {
					t.Errorf("expected ok=false, got %v", body["ok"])
				}
				checks, _ := body["checks"].(map[string]any)
				storeCheck, _ := checks["store"].(map[string]any)
				if storeCheck["error"] != "connection refused" {
					t.Errorf("expected store error, got %v", storeCheck["error"])
				}
			},
		},
		{
			name: "health stays up with store down", store: down, method: http.MethodGet, path: "/api/health",
			wantStatus: http.StatusOK,
		},
		{
			name: "preflight", store: &fakeStore{}, method: http.MethodOptions, path: "/api/sections/todos",
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := serve(t, NewHTTPServer(newTestService(tt.store), "*"), tt.method, tt.path, nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}
}

func TestResponseHeaders(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "https://dash.example")

	rr, _ := serve(t, server, http.MethodGet, "/api/health", map[string]string{"X-Request-ID": "req-123"})
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Errorf("expected CORS origin, got %q", got)
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("expected Cache-Control=no-store, got %q", got)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("expected request id to be echoed, got %q", got)
	}

	rr, _ = serve(t, server, http.MethodGet, "/api/health", nil)
	if got := rr.Header().Get("X-Request-ID"); !strings.HasPrefix(got, "req_") {
		t.Errorf("expected generated request id, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	handler := server.Handler()

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/sections", nil))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "teamdash_snapshots_total") {
		t.Errorf("expected snapshot counter in metrics output")
	}
}
