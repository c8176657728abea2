package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/obsidianstack/depwatch/agent/internal/config"
	"github.com/obsidianstack/depwatch/pkg/types"
)

// maxBody caps how much of a response is read.
const maxBody = 16 << 20

// HTTP talks to the status server's JSON endpoints.
type HTTP struct {
	client       *http.Client
	endpoint     string
	batchPath    string
	topologyPath string
}

// NewHTTP returns an HTTP fetcher for cfg using client.
func NewHTTP(client *http.Client, cfg config.AgentConfig) *HTTP {
	return &HTTP{
		client:       client,
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		batchPath:    cfg.BatchPath,
		topologyPath: cfg.TopologyPath,
	}
}

// FetchBatch performs GET {endpoint}{batch_path}?ids=a,b and decodes the
// service_id -> record object. Entries that fail to decode are skipped and
// reported through an ErrMalformed error alongside the good records. An empty
// ids slice requests every service.
func (h *HTTP) FetchBatch(ctx context.Context, ids []string) ([]types.ServiceStatusRecord, error) {
	u := h.endpoint + h.batchPath
	if len(ids) > 0 {
		u += "?ids=" + url.QueryEscape(strings.Join(ids, ","))
	}

	body, err := h.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("fetch batch: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("fetch batch: %w", malformed("%v", err))
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		out  = make([]types.ServiceStatusRecord, 0, len(raw))
		errs []error
	)
	for _, id := range keys {
		r, err := decodeKeyed(id, raw[id])
		if err != nil {
			errs = append(errs, malformed("service %q: %v", id, err))
			continue
		}
		out = append(out, r)
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("fetch batch: %w", errors.Join(errs...))
	}
	return out, nil
}

// decodeKeyed decodes a batch entry. The map key supplies the id when the
// record itself omits it.
func decodeKeyed(id string, data json.RawMessage) (types.ServiceStatusRecord, error) {
	if string(data) == "null" {
		return types.ServiceStatusRecord{}, errors.New("null record")
	}
	var r types.ServiceStatusRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return r, err
	}
	if r.ServiceID == "" {
		r.ServiceID = id
	}
	return r, r.Validate()
}

// summaryJSON is the aggregated shape returned by the single-status endpoint.
type summaryJSON struct {
	ServiceID      string `json:"service_id"`
	LastCheck      string `json:"last_check"`
	LastStatusCode *int   `json:"last_status_code"`
	LastMessage    string `json:"last_message"`
	CheckCount     *int   `json:"check_count"`
	FailedCount    *int   `json:"failed_count"`
}

// FetchOne performs GET {endpoint}/status/{id}. HTTP 404 maps to ErrNotFound.
// Both a plain status record and the server's summary shape
// (last_status_code, last_message, check_count, failed_count) are accepted.
func (h *HTTP) FetchOne(ctx context.Context, id string) (types.ServiceStatusRecord, error) {
	body, err := h.get(ctx, h.endpoint+"/status/"+url.PathEscape(id))
	if err != nil {
		return types.ServiceStatusRecord{}, fmt.Errorf("fetch %q: %w", id, err)
	}

	var s summaryJSON
	if err := json.Unmarshal(body, &s); err == nil && s.LastStatusCode != nil {
		r, err := fromSummary(id, s)
		if err != nil {
			return types.ServiceStatusRecord{}, fmt.Errorf("fetch %q: %w", id, malformed("%v", err))
		}
		return r, nil
	}

	r, err := decodeKeyed(id, body)
	if err != nil {
		return types.ServiceStatusRecord{}, fmt.Errorf("fetch %q: %w", id, malformed("%v", err))
	}
	return r, nil
}

func fromSummary(id string, s summaryJSON) (types.ServiceStatusRecord, error) {
	r := types.ServiceStatusRecord{
		ServiceID:  id,
		StatusCode: types.StatusCode(*s.LastStatusCode),
		Message:    s.LastMessage,
	}
	if s.LastCheck != "" {
		t, err := types.ParseTimestamp(s.LastCheck)
		if err != nil {
			return r, err
		}
		r.LastCheck = t
	}
	if s.CheckCount != nil || s.FailedCount != nil {
		r.Details = map[string]any{}
		if s.CheckCount != nil {
			r.Details["check_count"] = *s.CheckCount
		}
		if s.FailedCount != nil {
			r.Details["failed_count"] = *s.FailedCount
		}
	}
	return r, r.Validate()
}

// FetchTopology performs GET {endpoint}{topology_path}.
func (h *HTTP) FetchTopology(ctx context.Context) (types.Topology, error) {
	body, err := h.get(ctx, h.endpoint+h.topologyPath)
	if err != nil {
		return types.Topology{}, fmt.Errorf("fetch topology: %w", err)
	}
	var t types.Topology
	if err := json.Unmarshal(body, &t); err != nil {
		return types.Topology{}, fmt.Errorf("fetch topology: %w", malformed("%v", err))
	}
	return t, nil
}

func (h *HTTP) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}
