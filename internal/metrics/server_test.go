package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foxzi/pacer/internal/ipfilter"
)

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.SendsTotal.WithLabelValues("sent").Inc()

	s := NewServer(m, "", "", logger)
	if s.addr != ":9090" || s.path != "/metrics" {
		t.Errorf("unexpected defaults: %s %s", s.addr, s.path)
	}

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/metrics", http.StatusOK, "pacer_sends_total"},
		{"/health", http.StatusOK, "OK"},
		{"/other", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))

			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.contains != "" && !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("expected body to contain %q", tt.contains)
			}
		})
	}
}

func TestServerRestrict(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f, err := ipfilter.New([]string{"10.0.0.0/8"}, logger)
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(New(), "", "", logger)
	s.Restrict(f)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}

	req.RemoteAddr = "10.1.2.3:4000"
	rec = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
