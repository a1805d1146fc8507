package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/metrics"
)

// requestLabels returns the label sets recorded on the requests counter.
func requestLabels(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var out []map[string]string
	for _, f := range families {
		if f.GetName() != "cors_relay_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			labels["value"] = strconv.FormatFloat(metric.GetCounter().GetValue(), 'f', -1, 64)
			out = append(out, labels)
		}
	}
	return out
}

func TestMetricsMiddleware_RelayedPathCollapsed(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, "/metrics"))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for _, target := range []string{"/http://a.example.com/x", "/https://b.example.com/y?z=1"} {
		req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	}

	labels := requestLabels(t, m)
	if len(labels) != 1 {
		t.Fatalf("label sets = %v, want exactly one", labels)
	}
	if labels[0]["path_prefix"] != "relay" || labels[0]["value"] != "2" {
		t.Errorf("labels = %v, want path_prefix=relay counted twice", labels[0])
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, "/metrics"))
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
		if f.GetName() == "cors_relay_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected cors_relay_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_ErrorStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus string
	}{
		{"http error", echo.NewHTTPError(http.StatusTooManyRequests, "slow down"), "429"},
		{"plain error", errors.New("boom"), "500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()

			e := echo.New()
			e.Use(MetricsMiddleware(m, "/metrics"))
			e.GET("/proxy/status", func(c echo.Context) error {
				return tt.err
			})

			req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			labels := requestLabels(t, m)
			if len(labels) != 1 {
				t.Fatalf("label sets = %v, want exactly one", labels)
			}
			if labels[0]["status_code"] != tt.wantStatus {
				t.Errorf("status_code = %q, want %q", labels[0]["status_code"], tt.wantStatus)
			}
			if labels[0]["path_prefix"] != "/proxy/status" {
				t.Errorf("path_prefix = %q, want %q", labels[0]["path_prefix"], "/proxy/status")
			}
		})
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, "/metrics"))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("XYZZY", "/http://api.example.com/", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	labels := requestLabels(t, m)
	if len(labels) != 1 {
		t.Fatalf("label sets = %v, want exactly one", labels)
	}
	if labels[0]["method"] != "other" {
		t.Errorf("method = %q, want %q", labels[0]["method"], "other")
	}
}

func TestMetricsMiddleware_InFlightReturnsToZero(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, "/metrics"))
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "cors_relay_http_requests_in_flight" {
			if v := f.GetMetric()[0].GetGauge().GetValue(); v != 0 {
				t.Errorf("in-flight = %v, want 0", v)
			}
			return
		}
	}
	t.Error("expected cors_relay_http_requests_in_flight")
}

func TestMetricsMiddleware_CustomMetricsPath(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, "/internal/prom"))
	e.GET("/internal/prom", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/internal/prom", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	labels := requestLabels(t, m)
	if len(labels) != 1 {
		t.Fatalf("label sets = %v, want exactly one", labels)
	}
	if labels[0]["path_prefix"] != "/internal/prom" {
		t.Errorf("path_prefix = %q, want %q", labels[0]["path_prefix"], "/internal/prom")
	}
}
