package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/depwatch/pkg/types"
)

// Gauge families read from the exposition. Every series carries a
// service_id label.
const (
	promStatus       = "depwatch_service_status"
	promResponseTime = "depwatch_service_response_time_ms"
	promCPU          = "depwatch_service_cpu_usage"
	promMemory       = "depwatch_service_memory_usage"
	promMessage      = "depwatch_service_info" // value ignored; message label
	promServiceLabel = "service_id"
)

// Prometheus reads service status from a Prometheus text exposition.
type Prometheus struct {
	client *http.Client
	url    string
}

// NewPrometheus returns a fetcher scraping url with client.
func NewPrometheus(client *http.Client, url string) *Prometheus {
	return &Prometheus{client: client, url: url}
}

// FetchBatch scrapes once and returns records for ids, or for every service in
// the exposition when ids is empty. Services absent from the scrape are
// omitted.
func (p *Prometheus) FetchBatch(ctx context.Context, ids []string) ([]types.ServiceStatusRecord, error) {
	all, err := p.scrape(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		out := make([]types.ServiceStatusRecord, 0, len(all))
		for _, r := range all {
			out = append(out, r)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
		return out, nil
	}
	out := make([]types.ServiceStatusRecord, 0, len(ids))
	for _, id := range ids {
		if r, ok := all[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// FetchOne scrapes once and returns the record for id, or ErrNotFound.
func (p *Prometheus) FetchOne(ctx context.Context, id string) (types.ServiceStatusRecord, error) {
	all, err := p.scrape(ctx)
	if err != nil {
		return types.ServiceStatusRecord{}, err
	}
	r, ok := all[id]
	if !ok {
		return types.ServiceStatusRecord{}, ErrNotFound
	}
	return r, nil
}

func (p *Prometheus) scrape(ctx context.Context) (map[string]types.ServiceStatusRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("prometheus scrape: build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prometheus scrape: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prometheus scrape: unexpected status %d", resp.StatusCode)
	}
	mfs, err := parseMetrics(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("prometheus scrape: %w", err)
	}
	return recordsFromFamilies(mfs)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, malformed("parse prometheus text: %v", err)
	}
	return mfs, nil
}

// recordsFromFamilies builds one record per service_id found in the status
// family, attaching optional resource gauges.
func recordsFromFamilies(mfs map[string]*dto.MetricFamily) (map[string]types.ServiceStatusRecord, error) {
	out := make(map[string]types.ServiceStatusRecord)
	for _, m := range mfs[promStatus].GetMetric() {
		id := labelValue(m, promServiceLabel)
		if id == "" {
			continue
		}
		code := types.StatusCode(int(metricValue(m)))
		if !code.Valid() {
			return out, malformed("%s{service_id=%q}: status %d out of range", promStatus, id, int(code))
		}
		r := types.ServiceStatusRecord{ServiceID: id, StatusCode: code}
		if ts := m.GetTimestampMs(); ts != 0 {
			r.LastCheck = time.UnixMilli(ts).UTC()
		}
		out[id] = r
	}

	attach := func(family string, set func(*types.Metrics, float64)) {
		for _, m := range mfs[family].GetMetric() {
			id := labelValue(m, promServiceLabel)
			r, ok := out[id]
			if !ok {
				continue
			}
			if r.Metrics == nil {
				r.Metrics = &types.Metrics{}
			}
			set(r.Metrics, metricValue(m))
			out[id] = r
		}
	}
	attach(promResponseTime, func(mt *types.Metrics, v float64) { mt.ResponseTimeMs = &v })
	attach(promCPU, func(mt *types.Metrics, v float64) { mt.CPUUsage = &v })
	attach(promMemory, func(mt *types.Metrics, v float64) { mt.MemoryUsage = &v })

	for _, m := range mfs[promMessage].GetMetric() {
		id := labelValue(m, promServiceLabel)
		if r, ok := out[id]; ok {
			r.Message = labelValue(m, "message")
			out[id] = r
		}
	}
	return out, nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	case m.Counter != nil:
		return m.Counter.GetValue()
	}
	return 0
}
