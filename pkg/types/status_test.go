package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStatusCode_Valid(t *testing.T) {
	for c := StatusOK; c <= StatusUnknown; c++ {
		if !c.Valid() {
			t.Errorf("Valid(%d): got false, want true", int(c))
		}
	}
	for _, c := range []StatusCode{-1, 6, 42} {
		if c.Valid() {
			t.Errorf("Valid(%d): got true, want false", int(c))
		}
	}
}

func TestStatusCode_String(t *testing.T) {
	if got := StatusFailed.String(); got != "failed" {
		t.Errorf("String: got %q, want failed", got)
	}
	if got := StatusCode(9).String(); got != "status(9)" {
		t.Errorf("String: got %q, want status(9)", got)
	}
}

func TestDecodeRecord_Full(t *testing.T) {
	body := `{
		"service_id": "api-1",
		"status_code": 1,
		"message": "slow",
		"last_check": "2026-01-01T10:00:00Z",
		"response_time_ms": 250.5,
		"cpu_usage": 71,
		"details": {"region": "eu"}
	}`
	r, err := DecodeRecord([]byte(body))
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if r.ServiceID != "api-1" || r.StatusCode != StatusDegraded || r.Message != "slow" {
		t.Errorf("record: got %+v", r)
	}
	if want := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC); !r.LastCheck.Equal(want) {
		t.Errorf("LastCheck: got %v, want %v", r.LastCheck, want)
	}
	if r.Metrics == nil || r.Metrics.ResponseTimeMs == nil || *r.Metrics.ResponseTimeMs != 250.5 {
		t.Fatalf("Metrics.ResponseTimeMs: got %+v", r.Metrics)
	}
	if r.Metrics.MemoryUsage != nil {
		t.Errorf("MemoryUsage: got %v, want nil", *r.Metrics.MemoryUsage)
	}
	if r.Details["region"] != "eu" {
		t.Errorf("Details: got %v", r.Details)
	}
}

func TestDecodeRecord_TimeAliasAndNaiveTimestamp(t *testing.T) {
	r, err := DecodeRecord([]byte(`{"service_id":"db","status_code":0,"message":"ok","time":"2026-03-04T05:06:07.123456"}`))
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	want := time.Date(2026, 3, 4, 5, 6, 7, 123456000, time.UTC)
	if !r.LastCheck.Equal(want) {
		t.Errorf("LastCheck: got %v, want %v", r.LastCheck, want)
	}
	if r.Metrics != nil {
		t.Errorf("Metrics: got %+v, want nil", r.Metrics)
	}
}

func TestDecodeRecord_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing code":  `{"service_id":"a","message":"x"}`,
		"out of range":  `{"service_id":"a","status_code":6}`,
		"negative code": `{"service_id":"a","status_code":-1}`,
		"missing id":    `{"status_code":0}`,
		"bad time":      `{"service_id":"a","status_code":0,"last_check":"yesterday"}`,
		"not json":      `{"service_id":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeRecord([]byte(body)); err == nil {
				t.Errorf("DecodeRecord(%s): expected error, got nil", body)
			}
		})
	}
}

func TestRecord_MarshalRoundTripKeepsUnknownDistinct(t *testing.T) {
	in := ServiceStatusRecord{ServiceID: "x", StatusCode: StatusUnknown, Message: "no data"}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["status_code"].(float64) != 5 {
		t.Errorf("status_code: got %v, want 5", m["status_code"])
	}
	if _, ok := m["last_check"]; ok {
		t.Errorf("last_check: expected omitted for zero time, got %v", m["last_check"])
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	cpu := 10.0
	orig := ServiceStatusRecord{
		ServiceID: "a",
		Metrics:   &Metrics{CPUUsage: &cpu},
		Details:   map[string]any{"k": "v"},
	}
	cp := orig.Clone()
	*cp.Metrics.CPUUsage = 99
	cp.Details["k"] = "changed"

	if *orig.Metrics.CPUUsage != 10 {
		t.Errorf("orig CPUUsage: got %v, want 10", *orig.Metrics.CPUUsage)
	}
	if orig.Details["k"] != "v" {
		t.Errorf("orig Details: got %v, want v", orig.Details["k"])
	}
}

func TestDecodeRecord_NonStringDetails(t *testing.T) {
	body := `{"service_id":"db","status_code":0,"details":{"replicas":3,"primary":true,"lag":{"ms":12.5},"zones":["a","b"]}}`
	r, err := DecodeRecord([]byte(body))
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if r.Details["replicas"] != 3.0 || r.Details["primary"] != true {
		t.Errorf("Details: got %v", r.Details)
	}

	cp := r.Clone()
	cp.Details["lag"].(map[string]any)["ms"] = 0.0
	cp.Details["zones"].([]any)[0] = "z"
	if r.Details["lag"].(map[string]any)["ms"] != 12.5 {
		t.Errorf("nested map shared with clone: got %v", r.Details["lag"])
	}
	if r.Details["zones"].([]any)[0] != "a" {
		t.Errorf("nested slice shared with clone: got %v", r.Details["zones"])
	}
}

func TestServiceNode_TypeAlias(t *testing.T) {
	var topo Topology
	body := `{"serviceNodes":[{"service_id":"a","label":"A","service_type":"database"},{"service_id":"b","label":"B","type":"pipeline"}],
	          "serviceRelations":[{"relation_id":"0-1","source":"a","target":"b"}]}`
	if err := json.Unmarshal([]byte(body), &topo); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if topo.Nodes[0].Type != "database" || topo.Nodes[1].Type != "pipeline" {
		t.Errorf("types: got %q, %q", topo.Nodes[0].Type, topo.Nodes[1].Type)
	}
	if ids := topo.NodeIDs(); len(ids) != 2 || ids[1] != "b" {
		t.Errorf("NodeIDs: got %v", ids)
	}
	if topo.Relations[0].Source != "a" || topo.Relations[0].Target != "b" {
		t.Errorf("relation: got %+v", topo.Relations[0])
	}
}
