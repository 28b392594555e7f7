package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeSource struct{ stats map[string]float64 }

func (f fakeSource) GetStats() map[string]float64 { return f.stats }

func TestRegisterExposesGaugesOnMetrics(t *testing.T) {
	c := NewCollector(nil)
	c.Register("hub", fakeSource{stats: map[string]float64{"rooms_total": 3}})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "clouddrop_hub_rooms_total 3") {
		t.Fatalf("expected gauge in output, got:\n%s", body)
	}
}

func TestRegisterMultipleNamespaces(t *testing.T) {
	c := NewCollector(nil)
	c.Register("hub", fakeSource{stats: map[string]float64{"rooms_total": 1}})
	c.Register("engine", fakeSource{stats: map[string]float64{"peers_total": 2}})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "clouddrop_hub_rooms_total") || !strings.Contains(body, "clouddrop_engine_peers_total") {
		t.Fatalf("expected both namespaces in output, got:\n%s", body)
	}
}
