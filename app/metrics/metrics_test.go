package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func family(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestObserveRun(t *testing.T) {
	m := New()
	m.ObserveRun("otx", "success", 2*time.Second)
	m.ObserveRun("otx", "success", time.Second)
	m.ObserveRun("otx", "failed", time.Second)

	f := family(t, m, "threat_comb_source_runs_total")
	if f == nil {
		t.Fatal("Expected runs family to be registered")
	}
	counts := map[string]float64{}
	for _, metric := range f.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "status" {
				counts[label.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	if counts["success"] != 2 || counts["failed"] != 1 {
		t.Errorf("Expected 2 successes and 1 failure, got %v", counts)
	}

	h := family(t, m, "threat_comb_source_run_duration_seconds")
	if h == nil || h.GetMetric()[0].GetHistogram().GetSampleCount() != 3 {
		t.Errorf("Expected 3 duration samples, got %v", h)
	}
}

func TestGaugesAndForget(t *testing.T) {
	m := New()
	m.SetReliability("otx", 87.5)
	m.SetConsecutiveFailures("otx", 2)
	m.ObserveParseErrors("otx", 0)

	f := family(t, m, "threat_comb_source_reliability_score")
	if f == nil || f.GetMetric()[0].GetGauge().GetValue() != 87.5 {
		t.Errorf("Expected reliability 87.5, got %v", f)
	}
	if family(t, m, "threat_comb_parse_record_errors_total") != nil {
		t.Error("Expected no parse error series for a clean run")
	}

	m.ForgetSource("otx")
	if family(t, m, "threat_comb_source_reliability_score") != nil {
		t.Error("Expected reliability series to be removed")
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveResolution("NEW")
	m.RegisterCounterFunc("event_drops_total", "Dropped events", func() float64 { return 4 })

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`threat_comb_dedup_resolutions_total{action="NEW"} 1`,
		"threat_comb_event_drops_total 4",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected exposition to contain %q", want)
		}
	}
}
