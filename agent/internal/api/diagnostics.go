package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/obsidianstack/depwatch/pkg/types"
)

// staleAfter is how old a last_check may be before the record is flagged.
const staleAfter = 10 * time.Minute

// DiagnosticHint is one human-readable insight about a service. The UI shows
// these as chips on the service card; Detail is shown on click.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level  string   `json:"level"`
	Title  string   `json:"title"`
	Detail string   `json:"detail"`
	Value  *float64 `json:"value,omitempty"`
}

// serviceView is everything computeDiagnostics looks at for one service.
type serviceView struct {
	id       string
	record   types.ServiceStatusRecord
	observed bool
	// dependent is true when the service sits downstream of an outage root.
	dependent bool
	// failingUpstream lists upstream services currently FAILED.
	failingUpstream []string
	downstream      int
	now             time.Time
}

// computeDiagnostics derives hints for one service, critical first.
func computeDiagnostics(v serviceView) []DiagnosticHint {
	var hints []DiagnosticHint

	// ── Never observed ──────────────────────────────────────────────────────
	if !v.observed {
		hints = append(hints, DiagnosticHint{
			Key:   "no_data",
			Level: "info",
			Title: "No data yet",
			Detail: "The status server has not reported this service since the agent started. " +
				"It is shown as unknown until the first report arrives.",
		})
		return append(hints, upstreamHints(v)...)
	}

	r := v.record

	// ── Status code ─────────────────────────────────────────────────────────
	switch r.StatusCode {
	case types.StatusFailed:
		detail := fmt.Sprintf("The service reports FAILED: %q.", r.Message)
		if v.downstream > 0 {
			detail += fmt.Sprintf(" %d downstream services depend on it and may be affected.", v.downstream)
		}
		n := float64(v.downstream)
		hints = append(hints, DiagnosticHint{Key: "failed", Level: "critical", Title: "Service failed", Detail: detail, Value: &n})
	case types.StatusDegraded:
		hints = append(hints, DiagnosticHint{
			Key:    "degraded",
			Level:  "warning",
			Title:  "Degraded",
			Detail: fmt.Sprintf("The service is up but reports reduced health: %q.", r.Message),
		})
	case types.StatusStopped:
		hints = append(hints, DiagnosticHint{
			Key:    "stopped",
			Level:  "warning",
			Title:  "Stopped",
			Detail: "The service reports that it is stopped. If this is not planned maintenance, check its deployment.",
		})
	case types.StatusStarting:
		hints = append(hints, DiagnosticHint{
			Key:    "starting",
			Level:  "info",
			Title:  "Starting",
			Detail: "The service is starting up. No action needed unless it stays here.",
		})
	case types.StatusUnknown:
		hints = append(hints, DiagnosticHint{
			Key:    "unknown",
			Level:  "warning",
			Title:  "Status unknown",
			Detail: fmt.Sprintf("The status server could not determine this service's health: %q.", r.Message),
		})
	}

	hints = append(hints, upstreamHints(v)...)

	// ── Resource pressure ───────────────────────────────────────────────────
	if m := r.Metrics; m != nil {
		if m.CPUUsage != nil && *m.CPUUsage >= 90 {
			hints = append(hints, pressureHint("cpu_high", "CPU", *m.CPUUsage))
		}
		if m.MemoryUsage != nil && *m.MemoryUsage >= 90 {
			hints = append(hints, pressureHint("memory_high", "Memory", *m.MemoryUsage))
		}
		if m.ResponseTimeMs != nil && *m.ResponseTimeMs >= 1000 {
			ms := *m.ResponseTimeMs
			hints = append(hints, DiagnosticHint{
				Key:    "slow_response",
				Level:  "warning",
				Title:  fmt.Sprintf("%.0f ms response", ms),
				Detail: fmt.Sprintf("The last health probe took %.0f ms. Slow probes often precede timeouts.", ms),
				Value:  &ms,
			})
		}
	}

	// ── Staleness ───────────────────────────────────────────────────────────
	if !r.LastCheck.IsZero() && v.now.Sub(r.LastCheck) > staleAfter {
		age := v.now.Sub(r.LastCheck).Round(time.Minute)
		mins := age.Minutes()
		hints = append(hints, DiagnosticHint{
			Key:   "stale",
			Level: "info",
			Title: "Stale check",
			Detail: fmt.Sprintf("The last check is %s old. The service may no longer be probed "+
				"by the status server.", age),
			Value: &mins,
		})
	}

	// ── All clear ───────────────────────────────────────────────────────────
	if len(hints) == 0 {
		hints = append(hints, DiagnosticHint{
			Key:    "healthy",
			Level:  "ok",
			Title:  "All clear",
			Detail: "The service reports OK and nothing upstream of it is failing.",
		})
	}
	return hints
}

func upstreamHints(v serviceView) []DiagnosticHint {
	var hints []DiagnosticHint
	if len(v.failingUpstream) > 0 {
		n := float64(len(v.failingUpstream))
		hints = append(hints, DiagnosticHint{
			Key:   "upstream_failed",
			Level: "warning",
			Title: "Upstream failure",
			Detail: fmt.Sprintf("This service depends on %s, which reports FAILED. "+
				"Its own status may lag behind the real impact.", strings.Join(v.failingUpstream, ", ")),
			Value: &n,
		})
	}
	if v.dependent {
		hints = append(hints, DiagnosticHint{
			Key:    "outage_dependent",
			Level:  "warning",
			Title:  "Affected by outage",
			Detail: "This service is downstream of a declared outage root.",
		})
	}
	return hints
}

func pressureHint(key, resource string, pct float64) DiagnosticHint {
	return DiagnosticHint{
		Key:    key,
		Level:  "warning",
		Title:  fmt.Sprintf("%s at %.0f%%", resource, pct),
		Detail: fmt.Sprintf("%s usage is %.0f%%. Sustained usage above 90%% leaves no headroom for spikes.", resource, pct),
		Value:  &pct,
	}
}
