// metrics_test.go — Unit tests for Prometheus metrics.
package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// TestInit_RegistersWithoutPanic verifies that calling Init with a fresh
// registry does not panic. Successful registration is the invariant — if
// any metric descriptor is invalid or duplicated within the registry,
// MustRegister panics.
func TestInit_RegistersWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg)
}

// TestInit_DoubleRegistrationPanics confirms that registering the same
// metric names twice to the same registry panics (standard prometheus
// behavior). This proves Init really is registering something.
func TestInit_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on double registration, but Init did not panic")
		}
	}()
	Init(reg)
}

// TestRefreshesTotal_Increments confirms the counter vec increments
// correctly via a new isolated registry.
func TestRefreshesTotal_Increments(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_refreshes_total",
	}, []string{"status"})
	reg.MustRegister(counter)

	counter.WithLabelValues("success").Inc()
	counter.WithLabelValues("success").Inc()
	counter.WithLabelValues("error").Inc()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}

	var total float64
	for _, mf := range mfs {
		if mf.GetName() == "test_refreshes_total" {
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
		}
	}
	if total != 3 {
		t.Errorf("expected 3 total refreshes, got %v", total)
	}
}

// TestActiveRefreshes_GaugeSetGet verifies the gauge can be set and read.
func TestActiveRefreshes_GaugeSetGet(t *testing.T) {
	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_active_refreshes",
	})
	reg.MustRegister(gauge)

	gauge.Set(4)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}

	var val float64
	for _, mf := range mfs {
		if mf.GetName() == "test_active_refreshes" && len(mf.GetMetric()) > 0 {
			val = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	if val != 4 {
		t.Errorf("gauge value = %v; want 4", val)
	}
}

// TestHandler_Returns200 confirms the metrics HTTP handler responds correctly.
func TestHandler_Returns200(t *testing.T) {
	h := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Handler() status = %d; want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "go_") && !strings.Contains(body, "# HELP") {
		t.Error("expected Prometheus text format in response body")
	}
}

// TestTimer_ObservesElapsed confirms Timer records a non-zero duration.
func TestTimer_ObservesElapsed(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_timer_duration_seconds",
	})
	reg.MustRegister(h)

	stop := Timer(h)
	stop()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "test_timer_duration_seconds" {
			for _, m := range mf.GetMetric() {
				if m.GetHistogram().GetSampleCount() == 1 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected one observed sample after Timer stop()")
	}
}
