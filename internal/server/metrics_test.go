package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"outbound-relay-go/internal/metrics"
)

// requestLabels returns the label sets recorded on the inbound request counter.
func requestLabels(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var out []map[string]string
	for _, f := range families {
		if f.GetName() != "outbound_relay_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out = append(out, labels)
		}
	}
	return out
}

func TestMetrics_Labels(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		route      string
		path       string
		handler    echo.HandlerFunc
		wantMethod string
		wantStatus string
		wantPrefix string
	}{
		{
			name:       "relay call",
			method:     http.MethodGet,
			route:      "/api/*",
			path:       "/api/v1/items",
			handler:    func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			wantMethod: "GET",
			wantStatus: "200",
			wantPrefix: "/api",
		},
		{
			name:       "http error status",
			method:     http.MethodGet,
			route:      "/relay/status",
			path:       "/relay/status",
			handler:    func(c echo.Context) error { return echo.NewHTTPError(http.StatusServiceUnavailable, "down") },
			wantMethod: "GET",
			wantStatus: "503",
			wantPrefix: "/relay/status",
		},
		{
			name:       "unknown method normalized",
			method:     "XYZZY",
			route:      "/api/*",
			path:       "/api/v1/items",
			handler:    func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			wantMethod: "other",
			wantStatus: "200",
			wantPrefix: "/api",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(Metrics(m))
			e.Any(tt.route, tt.handler)

			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			labels := requestLabels(t, m)
			if len(labels) != 1 {
				t.Fatalf("recorded %d series, want 1: %v", len(labels), labels)
			}
			got := labels[0]
			if got["method"] != tt.wantMethod || got["status_code"] != tt.wantStatus || got["path_prefix"] != tt.wantPrefix {
				t.Errorf("labels = %v, want method=%s status_code=%s path_prefix=%s",
					got, tt.wantMethod, tt.wantStatus, tt.wantPrefix)
			}
		})
	}
}

func TestMetrics_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(Metrics(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "outbound_relay_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected outbound_relay_http_request_duration_seconds with at least one sample")
	}
}

func TestMetrics_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(Metrics(m))

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	for _, labels := range requestLabels(t, m) {
		if labels["path_prefix"] == "other" && labels["method"] == "GET" {
			if labels["status_code"] != "404" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "404")
			}
			return
		}
	}
	t.Error("expected outbound_relay_http_requests_total with path_prefix=other, method=GET, status_code=404")
}
