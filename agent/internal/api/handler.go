package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/obsidianstack/depwatch/agent/internal/alerts"
	"github.com/obsidianstack/depwatch/agent/internal/graph"
	"github.com/obsidianstack/depwatch/agent/internal/impact"
	"github.com/obsidianstack/depwatch/agent/internal/source"
	"github.com/obsidianstack/depwatch/agent/internal/store"
	"github.com/obsidianstack/depwatch/agent/internal/transport"
	"github.com/obsidianstack/depwatch/pkg/types"
)

// Transport is the part of transport.Coordinator the API needs.
type Transport interface {
	Stats() transport.Stats
	Refresh(ctx context.Context, id string) (types.ServiceStatusRecord, error)
}

// AlertLister lists firing and recently resolved alerts.
type AlertLister interface {
	Active() []*alerts.Alert
}

// Deps are the components the API reads from. Store and Aggregator are
// required.
type Deps struct {
	Store      *store.Store
	Aggregator *impact.Aggregator
	Transport  Transport
	Alerts     AlertLister
	// Now defaults to time.Now.
	Now func() time.Time
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	deps Deps
	mux  *http.ServeMux
}

// New creates a Handler and registers all routes.
func New(d Deps) *Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &Handler{deps: d, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/status", h.listStatus)
	h.mux.HandleFunc("/api/v1/status/", h.getStatus) // subtree, extracts {id}
	h.mux.HandleFunc("/api/v1/topology", h.topology)
	h.mux.HandleFunc("/api/v1/services/", h.dependencies)
	h.mux.HandleFunc("/api/v1/impact", h.impact)
	h.mux.HandleFunc("/api/v1/tally", h.tally)
	h.mux.HandleFunc("/api/v1/alerts", h.alerts)
	h.mux.HandleFunc("/api/v1/snapshot", h.snapshot)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	snap := h.deps.Store.Snapshot()
	g := h.deps.Aggregator.Graph()
	counts := impact.GroupStatusTally(g.Nodes(), snap, impact.All)["all"]

	resp := HealthResponse{
		State:          overallState(counts),
		TransportState: "unknown",
		ServiceCount:   g.Len(),
		ObservedCount:  snap.Len(),
		Counts:         counts,
		Version:        snap.Version(),
	}
	if h.deps.Transport != nil {
		resp.TransportState = h.deps.Transport.Stats().State.String()
	}
	if h.deps.Alerts != nil {
		for _, a := range h.deps.Alerts.Active() {
			if a.State == alerts.StateFiring {
				resp.AlertCount++
			}
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

// listStatus returns GET /api/v1/status: every observed record, sorted by id.
func (h *Handler) listStatus(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	jsonResp(w, http.StatusOK, h.BuildSnapshot().Services)
}

// getStatus returns GET /api/v1/status/{id}.
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/status/")
	if id == "" {
		h.listStatus(w, r)
		return
	}

	if r.URL.Query().Get("refresh") == "1" && h.deps.Transport != nil {
		if _, err := h.deps.Transport.Refresh(r.Context(), id); err != nil {
			if errors.Is(err, source.ErrNotFound) {
				jsonErr(w, http.StatusNotFound, "service not found")
				return
			}
			jsonErr(w, http.StatusBadGateway, err.Error())
			return
		}
	}

	snap := h.deps.Store.Snapshot()
	if _, ok := snap.Get(id); !ok {
		jsonErr(w, http.StatusNotFound, "service not found")
		return
	}
	v := newViewer(h.deps.Aggregator, snap, h.deps.Now())
	jsonResp(w, http.StatusOK, v.status(id))
}

// topology returns GET /api/v1/topology.
func (h *Handler) topology(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Aggregator.Graph().Topology())
}

// dependencies returns GET /api/v1/services/{id}/downstream and /upstream.
// An id outside the topology has no dependencies and yields an empty list.
func (h *Handler) dependencies(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/services/")
	i := strings.LastIndex(rest, "/")
	if i <= 0 {
		jsonErr(w, http.StatusNotFound, "not found")
		return
	}
	id, direction := rest[:i], rest[i+1:]

	g := h.deps.Aggregator.Graph()
	var reached sets.Set[string]
	switch direction {
	case "downstream":
		reached = g.Downstream(id)
	case "upstream":
		reached = g.Upstream(id)
	default:
		jsonErr(w, http.StatusNotFound, "not found")
		return
	}
	jsonResp(w, http.StatusOK, DependencyResponse{
		ServiceID: id,
		Direction: direction,
		Services:  sets.List(reached),
	})
}

// impact returns GET /api/v1/impact.
func (h *Handler) impact(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Aggregator.Impact())
}

// tally returns GET /api/v1/tally?group=type|none.
func (h *Handler) tally(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	counts, err := h.deps.Aggregator.Tally(r.URL.Query().Get("group"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, counts)
}

// alerts returns GET /api/v1/alerts.
func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	if h.deps.Alerts == nil {
		jsonResp(w, http.StatusOK, []struct{}{})
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Alerts.Active())
}

// snapshot returns GET /api/v1/snapshot.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	jsonResp(w, http.StatusOK, h.BuildSnapshot())
}

// BuildSnapshot assembles the full view: every observed record plus every
// topology node not yet observed, the topology and the impact picture.
func (h *Handler) BuildSnapshot() SnapshotResponse {
	snap := h.deps.Store.Snapshot()
	now := h.deps.Now()
	v := newViewer(h.deps.Aggregator, snap, now)

	ids := sets.New(snap.IDs()...).Union(v.graph.IDs())
	services := make([]StatusResponse, 0, ids.Len())
	for _, id := range sets.List(ids) {
		services = append(services, v.status(id))
	}
	return SnapshotResponse{
		Version:     snap.Version(),
		Services:    services,
		Topology:    v.graph.Topology(),
		Impact:      v.impact,
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}
}

// --- helpers ----------------------------------------------------------------

// viewer computes per-service responses against one consistent snapshot.
type viewer struct {
	graph    *graph.Graph
	snap     store.Snapshot
	impact   impact.Impact
	affected sets.Set[string]
	roots    sets.Set[string]
	failed   sets.Set[string]
	now      time.Time
}

func newViewer(agg *impact.Aggregator, snap store.Snapshot, now time.Time) *viewer {
	imp := agg.Impact()
	v := &viewer{
		graph:    agg.Graph(),
		snap:     snap,
		impact:   imp,
		affected: sets.New(imp.Affected...),
		roots:    sets.New(imp.Roots...),
		failed:   sets.New[string](),
		now:      now,
	}
	for id, r := range snap.Records() {
		if r.StatusCode == types.StatusFailed {
			v.failed.Insert(id)
		}
	}
	return v
}

func (v *viewer) status(id string) StatusResponse {
	r, observed := v.snap.Get(id)
	if !observed {
		r = types.ServiceStatusRecord{ServiceID: id, StatusCode: types.StatusUnknown}
	}
	resp := toStatusResponse(r)
	if n, ok := v.graph.Node(id); ok {
		resp.Label, resp.Type = n.Label, n.Type
	}
	resp.OutageDependent = impact.IsOutageDependent(id, v.roots, v.affected)

	failingUpstream := sets.List(v.graph.Upstream(id).Intersection(v.failed))
	resp.Diagnostics = computeDiagnostics(serviceView{
		id:              id,
		record:          r,
		observed:        observed,
		dependent:       resp.OutageDependent,
		failingUpstream: failingUpstream,
		downstream:      v.graph.Downstream(id).Len(),
		now:             v.now,
	})
	return resp
}

func toStatusResponse(r types.ServiceStatusRecord) StatusResponse {
	resp := StatusResponse{
		ServiceID:  r.ServiceID,
		StatusCode: int(r.StatusCode),
		Status:     r.StatusCode.String(),
		Message:    r.Message,
		Details:    r.Details,
	}
	if !r.LastCheck.IsZero() {
		resp.LastCheck = r.LastCheck.UTC().Format(time.RFC3339)
	}
	if m := r.Metrics; m != nil {
		resp.ResponseTimeMs = m.ResponseTimeMs
		resp.CPUUsage = m.CPUUsage
		resp.MemoryUsage = m.MemoryUsage
	}
	return resp
}

// overallState is the worst bucket with at least one service.
func overallState(c impact.Counts) string {
	switch {
	case c.Total == 0:
		return "unknown"
	case c.Failed > 0:
		return "failed"
	case c.Degraded > 0 || c.Stopped > 0:
		return "degraded"
	case c.OK > 0:
		return "ok"
	default:
		return "unknown"
	}
}

func requireGET(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
