package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/obsidianstack/depwatch/pkg/types"
)

// promStatusText is an exposition as a status exporter would publish it.
const promStatusText = `
# HELP depwatch_service_status Service status code (0=ok .. 5=unknown).
# TYPE depwatch_service_status gauge
depwatch_service_status{service_id="api"} 0 1714557600000
depwatch_service_status{service_id="db"} 2
depwatch_service_status{service_id="cache"} 5

# HELP depwatch_service_response_time_ms Last probe latency.
# TYPE depwatch_service_response_time_ms gauge
depwatch_service_response_time_ms{service_id="api"} 12.5
depwatch_service_response_time_ms{service_id="orphan"} 99

# HELP depwatch_service_cpu_usage CPU usage ratio.
# TYPE depwatch_service_cpu_usage gauge
depwatch_service_cpu_usage{service_id="db"} 0.93

# HELP depwatch_service_info Last status message.
# TYPE depwatch_service_info gauge
depwatch_service_info{service_id="db",message="connection refused"} 1

# HELP process_cpu_seconds_total Unrelated.
# TYPE process_cpu_seconds_total counter
process_cpu_seconds_total 4.2
`

func newPromSource(t *testing.T, body string) *Prometheus {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewPrometheus(srv.Client(), srv.URL+"/metrics")
}

func TestPrometheus_FetchBatch(t *testing.T) {
	p := newPromSource(t, promStatusText)

	recs, err := p.FetchBatch(context.Background(), []string{"api", "db", "missing"})
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records: got %d, want 2", len(recs))
	}

	api := recs[0]
	if api.ServiceID != "api" || api.StatusCode != types.StatusOK {
		t.Errorf("api: got %+v", api)
	}
	if api.LastCheck.UnixMilli() != 1714557600000 {
		t.Errorf("api.LastCheck: got %v", api.LastCheck)
	}
	if api.Metrics == nil || api.Metrics.ResponseTimeMs == nil || *api.Metrics.ResponseTimeMs != 12.5 {
		t.Errorf("api response time: got %+v", api.Metrics)
	}

	db := recs[1]
	if db.StatusCode != types.StatusFailed || db.Message != "connection refused" {
		t.Errorf("db: got %+v", db)
	}
	if db.Metrics == nil || db.Metrics.CPUUsage == nil || *db.Metrics.CPUUsage != 0.93 {
		t.Errorf("db cpu: got %+v", db.Metrics)
	}
	if db.Metrics.ResponseTimeMs != nil {
		t.Error("db response time should be absent")
	}
}

func TestPrometheus_FetchBatch_AllWhenNoIDs(t *testing.T) {
	p := newPromSource(t, promStatusText)

	recs, err := p.FetchBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ServiceID)
	}
	if got := strings.Join(ids, ","); got != "api,cache,db" {
		t.Errorf("ids: got %s, want api,cache,db", got)
	}
}

func TestPrometheus_FetchOne(t *testing.T) {
	p := newPromSource(t, promStatusText)

	r, err := p.FetchOne(context.Background(), "cache")
	if err != nil {
		t.Fatalf("FetchOne(cache): %v", err)
	}
	if r.StatusCode != types.StatusUnknown {
		t.Errorf("cache: got %v, want unknown", r.StatusCode)
	}

	if _, err := p.FetchOne(context.Background(), "orphan"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FetchOne(orphan): got %v, want ErrNotFound", err)
	}
}

func TestPrometheus_OutOfRangeStatus(t *testing.T) {
	p := newPromSource(t, "depwatch_service_status{service_id=\"x\"} 7\n")

	if _, err := p.FetchBatch(context.Background(), []string{"x"}); !errors.Is(err, ErrMalformed) {
		t.Errorf("err: got %v, want ErrMalformed", err)
	}
}

func TestPrometheus_Garbage(t *testing.T) {
	p := newPromSource(t, "{not prometheus}\n")

	if _, err := p.FetchBatch(context.Background(), nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("err: got %v, want ErrMalformed", err)
	}
}
