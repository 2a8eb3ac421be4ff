package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveAndSnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Observe("/v1/capabilities", 200, 10*time.Millisecond)
	r.Observe("/v1/capabilities", 403, 30*time.Millisecond)
	r.IncDecision("allowed")
	r.IncDecision("hitl_required")
	r.IncDecision("hitl_required")
	r.IncErrorCode("hitl_required")
	r.IncWorkflow("arrears_detection", "completed")
	r.SetGauge("subscribers", 2)

	snap := r.Snapshot()
	ep := snap.Endpoints["/v1/capabilities"]
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 30 || ep.LastStatusCode != 403 {
		t.Fatalf("unexpected endpoint stat: %+v", ep)
	}
	if ep.AverageMillis != 20 {
		t.Fatalf("unexpected average: %v", ep.AverageMillis)
	}
	if snap.Decisions["hitl_required"] != 2 || snap.Decisions["allowed"] != 1 {
		t.Fatalf("unexpected decisions: %v", snap.Decisions)
	}
	if snap.Workflows["arrears_detection|completed"] != 1 {
		t.Fatalf("unexpected workflows: %v", snap.Workflows)
	}
	if snap.Gauges["subscribers"] != 2 {
		t.Fatalf("unexpected gauges: %v", snap.Gauges)
	}
}

func TestEmptyLabelsIgnored(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.IncDecision("")
	r.IncErrorCode("")
	r.IncWorkflow("  ", "completed")
	r.SetGauge("", 1)
	snap := r.Snapshot()
	if len(snap.Decisions) != 0 || len(snap.ErrorCodes) != 0 || len(snap.Workflows) != 0 || len(snap.Gauges) != 0 {
		t.Fatalf("expected empty labels dropped, got %+v", snap)
	}
}

func TestJSONHandler(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Observe("/healthz", 200, time.Millisecond)
	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type: %s", rec.Header().Get("Content-Type"))
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Endpoints["/healthz"].Count != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestPrometheusHandler(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Observe("/v1/capabilities", 200, 10*time.Millisecond)
	r.IncDecision("allowed")
	r.IncErrorCode("timeout")
	r.IncWorkflow("compliance_audit", "failed")
	r.SetGauge("subscribers", 3)

	rec := httptest.NewRecorder()
	r.PrometheusHandler()(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`tenure_endpoint_count{endpoint="/v1/capabilities"} 1`,
		`tenure_decision_total{decision="allowed"} 1`,
		`tenure_error_total{code="timeout"} 1`,
		`tenure_workflow_total{run="compliance_audit|failed"} 1`,
		`tenure_gauge{name="subscribers"} 3.000`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
}

func TestSortedKeys(t *testing.T) {
	t.Parallel()

	got := SortedKeys(map[string]int{"b": 1, "a": 2, "c": 3})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected order: %v", got)
	}
}
