package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersAllCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, "abc123")

	c.BytesSent.Add(10)
	c.DataMsgsSent.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 12 {
		t.Fatalf("got %d metric families, want 12", len(families))
	}

	var bytesSent *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "pgm_source_bytes_sent_total" {
			bytesSent = f
		}
	}
	if bytesSent == nil {
		t.Fatal("pgm_source_bytes_sent_total not found")
	}
	if got := bytesSent.Metric[0].Counter.GetValue(); got != 10 {
		t.Errorf("bytes_sent_total = %v, want 10", got)
	}
}

func TestNewAppliesTsiLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = New(reg, "deadbeef0001")
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		for _, m := range f.Metric {
			found := false
			for _, l := range m.Label {
				if l.GetName() == "tsi" && l.GetValue() == "deadbeef0001" {
					found = true
				}
			}
			if !found {
				t.Errorf("metric %s missing tsi label", f.GetName())
			}
		}
	}
}
