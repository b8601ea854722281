package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func TestRecordPublishByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPublish("instagram", "succeeded", "")
	c.RecordPublish("instagram", "succeeded", "")
	c.RecordPublish("instagram", "failed", "auth_expired")

	if got := counterValue(t, reg, "postflow_publish_total", map[string]string{"outcome": "succeeded"}); got != 2 {
		t.Fatalf("succeeded = %v, want 2", got)
	}
	if got := counterValue(t, reg, "postflow_publish_total", map[string]string{"kind": "auth_expired"}); got != 1 {
		t.Fatalf("auth_expired = %v, want 1", got)
	}
}

func TestRecordMediaCleanup(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMediaCleanup(true)
	c.RecordMediaCleanup(false)
	c.RecordMediaCleanup(false)

	if got := counterValue(t, reg, "postflow_media_cleanup_total", map[string]string{"result": "error"}); got != 2 {
		t.Fatalf("errors = %v, want 2", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordTick(150*time.Millisecond, 3)
	c.RecordTickSkipped()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"postflow_scheduler_due_posts 3", "postflow_scheduler_ticks_skipped_total 1"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}
