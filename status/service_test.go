package status

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/eventconsole/ecsyslog/logging"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

func TestService_Status(t *testing.T) {
	s := NewService("localhost:0")
	s.BuildInfo = map[string]interface{}{"version": "1.2.3"}
	s.Register("reassembly", ProviderFunc(func() (map[string]interface{}, error) {
		return map[string]interface{}{"sources": 2}, nil
	}))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?pretty", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status got %d, exp %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("X-ECSYSLOG-VERSION"); v != "1.2.3" {
		t.Fatalf("version header got %s, exp 1.2.3", v)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid status JSON: %s", err)
	}
	r, ok := got["reassembly"].(map[string]interface{})
	if !ok || r["sources"] != float64(2) {
		t.Fatalf("provider status missing, got %v", got)
	}
	if _, ok := got["uptime"]; !ok {
		t.Fatalf("uptime missing, got %v", got)
	}
}

func TestService_StatusError(t *testing.T) {
	s := NewService("localhost:0")
	s.Register("broken", ProviderFunc(func() (map[string]interface{}, error) {
		return nil, errors.New("index unavailable")
	}))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status got %d, exp %d", rec.Code, http.StatusInternalServerError)
	}
	if v := rec.Header().Get("X-ECSYSLOG-VERSION"); v != "unknown" {
		t.Fatalf("version header got %s, exp unknown", v)
	}
}

func TestService_Endpoints(t *testing.T) {
	s := NewService("localhost:0")
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start status service: %s", err)
	}
	defer s.Close()

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/status", http.StatusOK, "uptime"},
		{"/metrics", http.StatusOK, "go_goroutines"},
		{"/debug/vars", http.StatusOK, "memstats"},
		{"/debug/pprof/", http.StatusOK, "goroutine"},
		{"/nothing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		resp, err := http.Get("http://" + s.Addr().String() + tt.path)
		if err != nil {
			t.Fatalf("failed to get %s: %s", tt.path, err)
		}
		var body strings.Builder
		_, err = io.Copy(&body, resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("failed to read %s: %s", tt.path, err)
		}
		if resp.StatusCode != tt.status {
			t.Errorf("%s: status got %d, exp %d", tt.path, resp.StatusCode, tt.status)
		}
		if !strings.Contains(body.String(), tt.contains) {
			t.Errorf("%s: body does not contain %q", tt.path, tt.contains)
		}
	}
}

func TestService_RegisterOnNil(t *testing.T) {
	var s *Service
	s.Register("ignored", ProviderFunc(func() (map[string]interface{}, error) { return nil, nil }))
}
