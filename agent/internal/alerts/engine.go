package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/obsidianstack/depwatch/agent/internal/config"
	"github.com/obsidianstack/depwatch/agent/internal/graph"
	"github.com/obsidianstack/depwatch/agent/internal/store"
	"github.com/obsidianstack/depwatch/pkg/types"
)

const (
	defaultCooldown = 15 * time.Minute
	maxHistoryLen   = 200
	recentWindow    = time.Hour
)

// Alert states.
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

// Alert is one outage of one service.
type Alert struct {
	ID         string   `json:"id"`
	ServiceID  string   `json:"service_id"`
	Label      string   `json:"label"`
	StatusCode int      `json:"status_code"`
	Message    string   `json:"message"`
	Impacted   []string `json:"impacted"`
	// Recipients maps each watcher email to the watched services inside
	// Impacted.
	Recipients map[string][]string `json:"recipients,omitempty"`
	FiredAt    time.Time           `json:"fired_at"`
	ResolvedAt *time.Time          `json:"resolved_at,omitempty"`
	State      string              `json:"state"`
}

func (a *Alert) clone() *Alert {
	cp := *a
	cp.Impacted = slices.Clone(a.Impacted)
	if a.Recipients != nil {
		cp.Recipients = make(map[string][]string, len(a.Recipients))
		for k, v := range a.Recipients {
			cp.Recipients[k] = slices.Clone(v)
		}
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Options wires an Engine to the rest of the agent. Graph is required.
type Options struct {
	Graph func() *graph.Graph
	// Publisher, when set, receives every transition.
	Publisher Publisher
	// OnTransition is called with StateFiring or StateResolved.
	OnTransition func(state string)
	Clock        clock.PassiveClock
	Client       *http.Client
}

// Engine watches store snapshots for FAILED transitions.
//
// Engine is safe for concurrent use.
type Engine struct {
	opts     Options
	cooldown time.Duration
	webhooks []config.WebhookConfig

	mu       sync.Mutex
	version  uint64
	seen     bool
	watchers map[string][]string // service id -> emails
	last     map[string]types.StatusCode
	active   map[string]*Alert    // key: service id
	lastFire map[string]time.Time // per service, for cooldown
	history  []*Alert

	wg sync.WaitGroup
}

// New creates an Engine from the alert configuration.
func New(cfg config.AlertsConfig, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	e := &Engine{
		opts:     opts,
		cooldown: cooldown,
		webhooks: cfg.Webhooks,
		last:     make(map[string]types.StatusCode),
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
	}
	e.SetWatchers(cfg.Watchers)
	return e
}

// SetWatchers replaces the watcher list. Alerts already fired keep their
// recipients.
func (e *Engine) SetWatchers(ws []config.Watcher) {
	m := make(map[string][]string)
	for _, w := range ws {
		if !slices.Contains(m[w.ServiceID], w.Email) {
			m[w.ServiceID] = append(m[w.ServiceID], w.Email)
		}
	}
	e.mu.Lock()
	e.watchers = m
	e.mu.Unlock()
}

// Evaluate compares snap with the previous snapshot. A service entering
// FAILED fires an alert unless it fired within the cooldown; a firing service
// that leaves FAILED, or leaves the store, is resolved. Delivery is
// asynchronous. A snapshot no newer than the last evaluated one is ignored.
func (e *Engine) Evaluate(snap store.Snapshot) {
	now := e.opts.Clock.Now()
	g := e.opts.Graph()

	e.mu.Lock()
	if e.seen && snap.Version() <= e.version {
		e.mu.Unlock()
		return
	}
	e.seen, e.version = true, snap.Version()
	records := snap.Records()

	var out []*Alert
	for id, r := range records {
		prev, seen := e.last[id]
		e.last[id] = r.StatusCode

		switch {
		case r.StatusCode == types.StatusFailed && (!seen || prev != types.StatusFailed):
			if last, ok := e.lastFire[id]; ok && now.Sub(last) < e.cooldown {
				slog.Debug("alerts: suppressed by cooldown", "service", id)
				continue
			}
			a := e.fire(g, r, now)
			out = append(out, a.clone())

		case r.StatusCode != types.StatusFailed:
			if a := e.resolve(id, now); a != nil {
				out = append(out, a)
			}
		}
	}
	for id := range e.last {
		if _, ok := records[id]; ok {
			continue
		}
		delete(e.last, id)
		if a := e.resolve(id, now); a != nil {
			out = append(out, a)
		}
	}
	e.mu.Unlock()

	for _, a := range out {
		if a.State == StateFiring {
			slog.Warn("alerts: service failed",
				"service", a.ServiceID,
				"impacted", len(a.Impacted),
				"recipients", len(a.Recipients),
			)
		} else {
			slog.Info("alerts: service recovered", "service", a.ServiceID)
		}
		if e.opts.OnTransition != nil {
			e.opts.OnTransition(a.State)
		}
		e.wg.Add(1)
		go func(a *Alert) {
			defer e.wg.Done()
			e.deliver(a)
		}(a)
	}
}

// fire records a new alert. Callers hold e.mu.
func (e *Engine) fire(g *graph.Graph, r types.ServiceStatusRecord, now time.Time) *Alert {
	impacted := g.Downstream(r.ServiceID)
	impacted.Insert(r.ServiceID)

	a := &Alert{
		ID:         fmt.Sprintf("%s:%d", r.ServiceID, now.UnixNano()),
		ServiceID:  r.ServiceID,
		Label:      label(g, r.ServiceID),
		StatusCode: int(r.StatusCode),
		Message:    r.Message,
		Impacted:   sets.List(impacted),
		Recipients: e.recipients(impacted),
		FiredAt:    now,
		State:      StateFiring,
	}
	e.active[r.ServiceID] = a
	e.lastFire[r.ServiceID] = now
	return a
}

// resolve moves an active alert to history. Callers hold e.mu.
func (e *Engine) resolve(id string, now time.Time) *Alert {
	a, ok := e.active[id]
	if !ok {
		return nil
	}
	delete(e.active, id)
	resolved := now
	a.State = StateResolved
	a.ResolvedAt = &resolved

	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}
	return a.clone()
}

func (e *Engine) recipients(impacted sets.Set[string]) map[string][]string {
	out := make(map[string][]string)
	for _, id := range sets.List(impacted) {
		for _, email := range e.watchers[id] {
			out[email] = append(out[email], id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func label(g *graph.Graph, id string) string {
	if n, ok := g.Node(id); ok && n.Label != "" {
		return n.Label
	}
	return id
}

// Active returns copies of all firing alerts plus alerts resolved within the
// past hour, newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.opts.Clock.Now().Add(-recentWindow)
	out := make([]*Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, a.clone())
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}

// Wait blocks until every delivery started so far has finished.
func (e *Engine) Wait() { e.wg.Wait() }
