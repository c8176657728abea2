package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/obsidianstack/depwatch/agent/internal/impact"
	"github.com/obsidianstack/depwatch/agent/internal/transport"
)

// gather returns the metric family named name, or nil.
func gather(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	fams, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range fams {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

// value returns the value of the sample in fam whose labels match want.
func value(t *testing.T, fam *dto.MetricFamily, want map[string]string) float64 {
	t.Helper()
	if fam == nil {
		t.Fatal("metric family missing")
	}
next:
	for _, m := range fam.GetMetric() {
		for _, lp := range m.GetLabel() {
			if want[lp.GetName()] != lp.GetValue() {
				continue next
			}
		}
		switch {
		case m.GetCounter() != nil:
			return m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("%s: no sample with labels %v", fam.GetName(), want)
	return 0
}

func TestObserverCounters(t *testing.T) {
	m := New(nil)
	m.LiveUpdate()
	m.LiveUpdate()
	m.Poll()
	m.Reconnect()
	m.Error(transport.KindParse)
	m.AlertTransition("firing")

	if got := value(t, gather(t, m, "depwatch_live_updates_total"), nil); got != 2 {
		t.Errorf("live updates: got %v, want 2", got)
	}
	if got := value(t, gather(t, m, "depwatch_polls_total"), nil); got != 1 {
		t.Errorf("polls: got %v, want 1", got)
	}
	if got := value(t, gather(t, m, "depwatch_reconnects_total"), nil); got != 1 {
		t.Errorf("reconnects: got %v, want 1", got)
	}
	errs := gather(t, m, "depwatch_transport_errors_total")
	if got := value(t, errs, map[string]string{"kind": "parse"}); got != 1 {
		t.Errorf("parse errors: got %v, want 1", got)
	}
	if got := value(t, errs, map[string]string{"kind": "fetch"}); got != 0 {
		t.Errorf("fetch errors: got %v, want 0", got)
	}
	if got := value(t, gather(t, m, "depwatch_alerts_total"), map[string]string{"state": "firing"}); got != 1 {
		t.Errorf("alerts firing: got %v, want 1", got)
	}
}

func TestStateGaugeIsOneHot(t *testing.T) {
	m := New(nil)
	m.StateChanged(transport.StateLive)
	m.StateChanged(transport.StateDegraded)

	fam := gather(t, m, "depwatch_transport_state")
	for _, s := range transport.States() {
		want := 0.0
		if s == transport.StateDegraded {
			want = 1
		}
		if got := value(t, fam, map[string]string{"state": s.String()}); got != want {
			t.Errorf("state %s: got %v, want %v", s, got, want)
		}
	}
}

func TestGroupCollector(t *testing.T) {
	m := New(func(groupBy string) (map[string]impact.Counts, error) {
		if groupBy != impact.GroupByType {
			t.Errorf("groupBy: got %q, want %q", groupBy, impact.GroupByType)
		}
		return map[string]impact.Counts{
			"database": {OK: 2, Failed: 1, Total: 3},
		}, nil
	})

	fam := gather(t, m, "depwatch_group_services")
	if got := value(t, fam, map[string]string{"group": "database", "bucket": "ok"}); got != 2 {
		t.Errorf("database/ok: got %v, want 2", got)
	}
	if got := value(t, fam, map[string]string{"group": "database", "bucket": "failed"}); got != 1 {
		t.Errorf("database/failed: got %v, want 1", got)
	}
	if n := len(fam.GetMetric()); n != 7 {
		t.Errorf("samples: got %d, want 7 buckets", n)
	}
}

func TestGroupCollector_TallyErrorExportsNothing(t *testing.T) {
	m := New(func(string) (map[string]impact.Counts, error) {
		return nil, errors.New("boom")
	})
	if fam := gather(t, m, "depwatch_group_services"); fam != nil {
		t.Errorf("expected no group samples, got %d", len(fam.GetMetric()))
	}
}

func TestHandlerServesExposition(t *testing.T) {
	m := New(nil)
	m.Poll()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "depwatch_polls_total 1") {
		t.Errorf("body missing depwatch_polls_total:\n%s", body)
	}
}
