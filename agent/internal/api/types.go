package api

import (
	"github.com/obsidianstack/depwatch/agent/internal/impact"
	"github.com/obsidianstack/depwatch/pkg/types"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	// State is the worst bucket with at least one service: failed, degraded,
	// ok, or unknown when nothing is known.
	State          string        `json:"state"`
	TransportState string        `json:"transport_state"`
	ServiceCount   int           `json:"service_count"`
	ObservedCount  int           `json:"observed_count"`
	Counts         impact.Counts `json:"counts"`
	AlertCount     int           `json:"alert_count"`
	Version        uint64        `json:"version"`
}

// StatusResponse is one record in GET /api/v1/status or /api/v1/status/{id}.
type StatusResponse struct {
	ServiceID      string         `json:"service_id"`
	Label          string         `json:"label,omitempty"`
	Type           string         `json:"service_type,omitempty"`
	StatusCode     int            `json:"status_code"`
	Status         string         `json:"status"`
	Message        string         `json:"message"`
	LastCheck      string         `json:"last_check,omitempty"` // RFC3339
	ResponseTimeMs *float64       `json:"response_time_ms,omitempty"`
	CPUUsage       *float64       `json:"cpu_usage,omitempty"`
	MemoryUsage    *float64       `json:"memory_usage,omitempty"`
	Details        map[string]any `json:"details,omitempty"`

	// OutageDependent is true when the service is downstream of an outage
	// root.
	OutageDependent bool             `json:"outage_dependent"`
	Diagnostics     []DiagnosticHint `json:"diagnostics"`
}

// DependencyResponse is the payload for /api/v1/services/{id}/downstream and
// /upstream.
type DependencyResponse struct {
	ServiceID string   `json:"service_id"`
	Direction string   `json:"direction"`
	Services  []string `json:"services"`
}

// SnapshotResponse is the payload for GET /api/v1/snapshot and the body of
// every push message.
type SnapshotResponse struct {
	Version     uint64           `json:"version"`
	Services    []StatusResponse `json:"services"`
	Topology    types.Topology   `json:"topology"`
	Impact      impact.Impact    `json:"impact"`
	GeneratedAt string           `json:"generated_at"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
