package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StatusCode is the health state reported for a service.
type StatusCode int

// Status codes as reported by the status server.
const (
	StatusOK       StatusCode = 0
	StatusDegraded StatusCode = 1
	StatusFailed   StatusCode = 2
	StatusStarting StatusCode = 3
	StatusStopped  StatusCode = 4
	StatusUnknown  StatusCode = 5
)

var statusNames = map[StatusCode]string{
	StatusOK:       "ok",
	StatusDegraded: "degraded",
	StatusFailed:   "failed",
	StatusStarting: "starting",
	StatusStopped:  "stopped",
	StatusUnknown:  "unknown",
}

// Valid reports whether c is one of the six defined status codes.
func (c StatusCode) Valid() bool {
	return c >= StatusOK && c <= StatusUnknown
}

func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(c))
}

// Metrics holds the optional resource figures attached to a status record.
// A nil field means the source did not report it.
type Metrics struct {
	ResponseTimeMs *float64
	CPUUsage       *float64
	MemoryUsage    *float64
}

func (m *Metrics) clone() *Metrics {
	if m == nil {
		return nil
	}
	return &Metrics{
		ResponseTimeMs: cloneFloat(m.ResponseTimeMs),
		CPUUsage:       cloneFloat(m.CPUUsage),
		MemoryUsage:    cloneFloat(m.MemoryUsage),
	}
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// ServiceStatusRecord is one observation of a service's health. A newer
// observation for the same ServiceID replaces the previous record wholesale.
type ServiceStatusRecord struct {
	ServiceID  string
	StatusCode StatusCode
	Message    string
	LastCheck  time.Time
	Metrics    *Metrics
	// Details is opaque server-supplied JSON.
	Details map[string]any
}

// Clone returns a deep copy of r that shares no memory with it.
func (r ServiceStatusRecord) Clone() ServiceStatusRecord {
	out := r
	out.Metrics = r.Metrics.clone()
	if r.Details != nil {
		out.Details = cloneJSON(r.Details).(map[string]any)
	}
	return out
}

// cloneJSON deep-copies a decoded JSON value.
func cloneJSON(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[k] = cloneJSON(e)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, e := range v {
			s[i] = cloneJSON(e)
		}
		return s
	}
	return v
}

// Validate checks the invariants every record must satisfy before it is
// applied to a store.
func (r ServiceStatusRecord) Validate() error {
	if r.ServiceID == "" {
		return errors.New("service_id is required")
	}
	if !r.StatusCode.Valid() {
		return fmt.Errorf("service %q: status_code %d out of range [0, 5]", r.ServiceID, int(r.StatusCode))
	}
	return nil
}

// recordJSON is the wire shape of a status record. The status server's single
// status endpoint reports the observation time as "time"; it is accepted when
// "last_check" is absent.
type recordJSON struct {
	ServiceID      string         `json:"service_id"`
	StatusCode     *int           `json:"status_code"`
	Message        string         `json:"message"`
	LastCheck      string         `json:"last_check,omitempty"`
	Time           string         `json:"time,omitempty"`
	ResponseTimeMs *float64       `json:"response_time_ms,omitempty"`
	CPUUsage       *float64       `json:"cpu_usage,omitempty"`
	MemoryUsage    *float64       `json:"memory_usage,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// MarshalJSON encodes r in the status server wire format.
func (r ServiceStatusRecord) MarshalJSON() ([]byte, error) {
	code := int(r.StatusCode)
	out := recordJSON{
		ServiceID:  r.ServiceID,
		StatusCode: &code,
		Message:    r.Message,
		Details:    r.Details,
	}
	if !r.LastCheck.IsZero() {
		out.LastCheck = r.LastCheck.UTC().Format(time.RFC3339Nano)
	}
	if r.Metrics != nil {
		out.ResponseTimeMs = r.Metrics.ResponseTimeMs
		out.CPUUsage = r.Metrics.CPUUsage
		out.MemoryUsage = r.Metrics.MemoryUsage
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the status server wire format. status_code is
// required; an explicit UNKNOWN must be sent as 5.
func (r *ServiceStatusRecord) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.StatusCode == nil {
		return errors.New("status_code is required")
	}
	*r = ServiceStatusRecord{
		ServiceID:  in.ServiceID,
		StatusCode: StatusCode(*in.StatusCode),
		Message:    in.Message,
		Details:    in.Details,
	}
	ts := in.LastCheck
	if ts == "" {
		ts = in.Time
	}
	if ts != "" {
		t, err := ParseTimestamp(ts)
		if err != nil {
			return err
		}
		r.LastCheck = t
	}
	if in.ResponseTimeMs != nil || in.CPUUsage != nil || in.MemoryUsage != nil {
		r.Metrics = &Metrics{
			ResponseTimeMs: in.ResponseTimeMs,
			CPUUsage:       in.CPUUsage,
			MemoryUsage:    in.MemoryUsage,
		}
	}
	return nil
}

// DecodeRecord parses a single JSON status record and validates it.
func DecodeRecord(data []byte) (ServiceStatusRecord, error) {
	var r ServiceStatusRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return ServiceStatusRecord{}, fmt.Errorf("decode status record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return ServiceStatusRecord{}, fmt.Errorf("decode status record: %w", err)
	}
	return r, nil
}

// timestampLayouts lists the formats the status server is known to emit.
// Timestamps without a zone are naive UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a status server timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
