package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obsidianstack/depwatch/agent/internal/impact"
	"github.com/obsidianstack/depwatch/agent/internal/transport"
)

// TallyFunc returns per-group bucket counts, as impact.Aggregator.Tally does.
type TallyFunc func(groupBy string) (map[string]impact.Counts, error)

// Metrics holds the agent collectors and the registry they are registered in.
// It implements transport.Observer.
type Metrics struct {
	reg *prometheus.Registry

	liveUpdates prometheus.Counter
	polls       prometheus.Counter
	errors      *prometheus.CounterVec
	reconnects  prometheus.Counter
	state       *prometheus.GaugeVec
	alerts      *prometheus.CounterVec
}

var _ transport.Observer = (*Metrics)(nil)

// New builds a fresh registry. tally may be nil, in which case no group
// gauges are exported.
func New(tally TallyFunc) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		liveUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depwatch_live_updates_total",
			Help: "Status records received over the live channel.",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depwatch_polls_total",
			Help: "Fallback polls started.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depwatch_transport_errors_total",
			Help: "Transport errors by kind (establish, parse, fetch).",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depwatch_reconnects_total",
			Help: "Live channel reconnect attempts.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "depwatch_transport_state",
			Help: "1 for the transport's current state, 0 for every other state.",
		}, []string{"state"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depwatch_alerts_total",
			Help: "Outage alerts by transition (firing, resolved).",
		}, []string{"state"}),
	}

	for _, s := range transport.States() {
		m.state.WithLabelValues(s.String()).Set(0)
	}
	for _, k := range []transport.Kind{transport.KindEstablish, transport.KindParse, transport.KindFetch} {
		m.errors.WithLabelValues(k.String())
	}

	m.reg.MustRegister(
		m.liveUpdates,
		m.polls,
		m.errors,
		m.reconnects,
		m.state,
		m.alerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if tally != nil {
		m.reg.MustRegister(&groupCollector{tally: tally})
	}
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{ErrorLog: slogErrorLog{}})
}

func (m *Metrics) StateChanged(s transport.State) {
	for _, other := range transport.States() {
		v := 0.0
		if other == s {
			v = 1
		}
		m.state.WithLabelValues(other.String()).Set(v)
	}
}

func (m *Metrics) LiveUpdate() { m.liveUpdates.Inc() }
func (m *Metrics) Poll()       { m.polls.Inc() }
func (m *Metrics) Reconnect()  { m.reconnects.Inc() }

func (m *Metrics) Error(k transport.Kind) { m.errors.WithLabelValues(k.String()).Inc() }

// AlertTransition counts a fired or resolved alert.
func (m *Metrics) AlertTransition(state string) { m.alerts.WithLabelValues(state).Inc() }

// groupCollector exports the service tally at scrape time.
type groupCollector struct {
	tally TallyFunc
}

var groupDesc = prometheus.NewDesc(
	"depwatch_group_services",
	"Services per group and status bucket.",
	[]string{"group", "bucket"}, nil,
)

func (c *groupCollector) Describe(ch chan<- *prometheus.Desc) { ch <- groupDesc }

func (c *groupCollector) Collect(ch chan<- prometheus.Metric) {
	groups, err := c.tally(impact.GroupByType)
	if err != nil {
		slog.Warn("metrics: tally failed", "err", err)
		return
	}
	for group, counts := range groups {
		for bucket, n := range counts.Buckets() {
			ch <- prometheus.MustNewConstMetric(groupDesc, prometheus.GaugeValue, float64(n), group, bucket)
		}
	}
}

// slogErrorLog routes promhttp errors to slog.
type slogErrorLog struct{}

func (slogErrorLog) Println(v ...any) {
	slog.Error("metrics: exposition error", "err", v)
}
