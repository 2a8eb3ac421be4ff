package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"tenure/pkg/audit"
	"tenure/pkg/engine"
	"tenure/pkg/hitl"
	"tenure/pkg/metrics"
	"tenure/pkg/models"
	"tenure/pkg/policy"
	"tenure/pkg/ratelimit"
	"tenure/pkg/redact"
	"tenure/pkg/registry"
	"tenure/pkg/resources"
	"tenure/pkg/stream"
	"tenure/pkg/tools"
	"tenure/pkg/workflow"
)

func newTestServer(t *testing.T) (*Server, *audit.Memory, *hitl.MemoryStore) {
	t.Helper()
	props := tools.MockPropertyProvider{}
	ledger := tools.MockLedgerProvider{}
	toolset := tools.Toolset{Properties: props, Ledger: ledger}
	catalog := resources.NewCatalog(props, ledger, nil)
	capRegistry, err := registry.Build(append(toolset.Registrations(), catalog.Registrations()...))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	library, err := workflow.NewLibrary(capRegistry, workflow.Builtins())
	if err != nil {
		t.Fatalf("workflows: %v", err)
	}
	tokens := hitl.NewMemoryStore(time.Minute)
	trail := audit.NewMemory()
	gateway := policy.NewGateway(tokens)
	return &Server{
		Registry:            capRegistry,
		Engine:              engine.New(capRegistry, gateway, trail),
		Executor:            workflow.NewExecutor(capRegistry, gateway, trail),
		Workflows:           library,
		Tokens:              tokens,
		Trail:               trail,
		Resources:           catalog,
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		MaxRequestBodyBytes: 1 << 20,
	}, trail, tokens
}

func rcBody(role string) map[string]any {
	return map[string]any{
		"user_id":        "u1",
		"tenant_id":      "t1",
		"auth_context":   "jwt",
		"role":           role,
		"correlation_id": "corr-http-1",
	}
}

func postJSON(t *testing.T, client *http.Client, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func getJSON(t *testing.T, client *http.Client, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, body := getJSON(t, srv.Client(), srv.URL+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil || payload["status"] != "ok" {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestListCapabilities(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, body := getJSON(t, srv.Client(), srv.URL+"/v1/capabilities")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var payload struct {
		Capabilities []models.CapabilityDescriptor `json:"capabilities"`
		Workflows    []string                      `json:"workflows"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Capabilities) != 16 {
		t.Fatalf("expected 16 capabilities, got %d", len(payload.Capabilities))
	}
	if len(payload.Workflows) != 3 {
		t.Fatalf("expected 3 workflows, got %v", payload.Workflows)
	}
}

func TestExecuteCapabilityRedactsForAgent(t *testing.T) {
	t.Parallel()

	s, trail, _ := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, body := postJSON(t, srv.Client(), srv.URL+"/v1/capabilities/get_property_details/execute", map[string]any{
		"request_context": rcBody("agent"),
		"input_data":      map[string]any{"property_id": "prop_001"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", resp.StatusCode, body)
	}
	var envelope models.CapabilityResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !envelope.Success || envelope.OutputData["owner_email"] != redact.EmailSentinel {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	entries, err := trail.ListByCorrelationID(context.Background(), "corr-http-1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d err=%v", len(entries), err)
	}
}

func TestExecuteCapabilityValidationError(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, body := postJSON(t, srv.Client(), srv.URL+"/v1/capabilities/get_property_details/execute", map[string]any{
		"request_context": map[string]any{"tenant_id": "t1", "auth_context": "jwt"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var envelope models.CapabilityResponse
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.ErrorCode != models.ErrCodeValidation {
		t.Fatalf("unexpected envelope: %s", body)
	}
}

func TestHITLTokenFlowOverHTTP(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()
	client := srv.Client()

	// Without a token the side-effecting call is refused.
	resp, body := postJSON(t, client, srv.URL+"/v1/capabilities/archive_listing/execute", map[string]any{
		"request_context": rcBody("agent"),
		"input_data":      map[string]any{"property_id": "prop_001"},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", resp.StatusCode, body)
	}

	// Agents cannot mint their own confirmation.
	resp, _ = postJSON(t, client, srv.URL+"/v1/hitl/tokens", map[string]any{
		"request_context": rcBody("agent"),
		"tool_name":       "archive_listing",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected issuance forbidden for agent, got %d", resp.StatusCode)
	}

	resp, body = postJSON(t, client, srv.URL+"/v1/hitl/tokens", map[string]any{
		"request_context": rcBody("admin"),
		"tool_name":       "archive_listing",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", resp.StatusCode, body)
	}
	var tok models.HITLToken
	if err := json.Unmarshal(body, &tok); err != nil || tok.Value == "" {
		t.Fatalf("unexpected token payload: %s", body)
	}

	resp, body = postJSON(t, client, srv.URL+"/v1/capabilities/archive_listing/execute", map[string]any{
		"request_context": rcBody("agent"),
		"input_data":      map[string]any{"property_id": "prop_001"},
		"hitl_token":      tok.Value,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected confirmed execution, got %d %s", resp.StatusCode, body)
	}

	// The token is burned on first use.
	resp, body = postJSON(t, client, srv.URL+"/v1/capabilities/archive_listing/execute", map[string]any{
		"request_context": rcBody("agent"),
		"input_data":      map[string]any{"property_id": "prop_001"},
		"hitl_token":      tok.Value,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected replay refused, got %d %s", resp.StatusCode, body)
	}
}

func TestIssueTokenRejectsNonMutatingAndUnknown(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, _ := postJSON(t, srv.Client(), srv.URL+"/v1/hitl/tokens", map[string]any{
		"request_context": rcBody("admin"),
		"tool_name":       "get_property_details",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-mutating tool, got %d", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.Client(), srv.URL+"/v1/hitl/tokens", map[string]any{
		"request_context": rcBody("admin"),
		"tool_name":       "no_such_tool",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tool, got %d", resp.StatusCode)
	}
}

func TestExecuteWorkflowOverHTTP(t *testing.T) {
	t.Parallel()

	s, trail, _ := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, body := postJSON(t, srv.Client(), srv.URL+"/v1/workflows/arrears_detection/execute", map[string]any{
		"request_context": rcBody("agent"),
		"input":           map[string]any{"tenancy_id": "tenancy_001"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", resp.StatusCode, body)
	}
	var envelope models.WorkflowResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !envelope.Success || envelope.Workflow != "arrears_detection" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	classification, ok := envelope.Output["classification"].(map[string]any)
	if !ok || classification["risk_level"] == "" {
		t.Fatalf("unexpected output: %v", envelope.Output)
	}
	if _, ok := envelope.Output["calculate_breach"]; !ok {
		t.Fatalf("expected exposed intermediate in output: %v", envelope.Output)
	}

	entries, err := trail.ListByCorrelationID(context.Background(), "corr-http-1")
	if err != nil || len(entries) != 3 {
		t.Fatalf("expected 3 node entries, got %d err=%v", len(entries), err)
	}
	if snap := s.Metrics.Snapshot(); snap.Workflows["arrears_detection|completed"] != 1 {
		t.Fatalf("expected workflow counted, got %v", snap.Workflows)
	}
}

func TestExecuteWorkflowNotFound(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, body := postJSON(t, srv.Client(), srv.URL+"/v1/workflows/no_such_workflow/execute", map[string]any{
		"request_context": rcBody("agent"),
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var envelope models.WorkflowResponse
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.ErrorCode != models.ErrCodeWorkflowNotFound {
		t.Fatalf("unexpected envelope: %s", body)
	}
}

func TestReadResourceOverHTTP(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	url := srv.URL + "/v1/resources?uri=property://prop_001/details&user_id=u1&tenant_id=t1&auth_context=jwt&role=agent"
	resp, body := getJSON(t, srv.Client(), url)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", resp.StatusCode, body)
	}
	var envelope models.CapabilityResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Capability != "property_details" || envelope.OutputData["owner_email"] != redact.EmailSentinel {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}

	resp, _ = getJSON(t, srv.Client(), srv.URL+"/v1/resources?uri=vault://x/y&user_id=u1&tenant_id=t1&auth_context=jwt")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown resource, got %d", resp.StatusCode)
	}
}

func TestGetAuditOverHTTP(t *testing.T) {
	t.Parallel()

	s, trail, _ := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	if err := trail.Record(context.Background(), models.AuditEntry{CorrelationID: "corr-x", Capability: "get_property_details"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	resp, body := getJSON(t, srv.Client(), srv.URL+"/v1/audit/corr-x")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var payload struct {
		Count   int                 `json:"count"`
		Entries []models.AuditEntry `json:"entries"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Count != 1 || payload.Entries[0].Capability != "get_property_details" {
		t.Fatalf("unexpected payload: %s", body)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	s.RateLimitEnabled = true
	s.RateLimitPerMinute = 1
	s.RateLimiter = ratelimit.NewInMemory(time.Minute)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/capabilities", nil)
	req.Header.Set("X-Tenant-ID", "t1")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected first status: %d", resp.StatusCode)
	}

	resp, err = srv.Client().Do(req)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// Health stays reachable under limit pressure.
	healthResp, _ := getJSON(t, srv.Client(), srv.URL+"/healthz")
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected health status: %d", healthResp.StatusCode)
	}
}

func TestMetricsEndpointObservesRoutes(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	if resp, _ := getJSON(t, srv.Client(), srv.URL+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("health failed: %d", resp.StatusCode)
	}
	resp, body := getJSON(t, srv.Client(), srv.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Endpoints["GET /healthz"].Count != 1 {
		t.Fatalf("expected health observed, got %v", snap.Endpoints)
	}
}

func TestStatusForCode(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"":                               http.StatusOK,
		models.ErrCodeValidation:         http.StatusBadRequest,
		models.ErrCodeCapabilityNotFound: http.StatusNotFound,
		models.ErrCodeWorkflowNotFound:   http.StatusNotFound,
		models.ErrCodePolicyDenied:       http.StatusForbidden,
		models.ErrCodeHITLRequired:       http.StatusForbidden,
		models.ErrCodeTimeout:            http.StatusGatewayTimeout,
		models.ErrCodeStorage:            http.StatusServiceUnavailable,
		models.ErrCodeCapabilityError:    http.StatusInternalServerError,
		models.ErrCodeDependency:         http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusForCode(code); got != want {
			t.Fatalf("statusForCode(%q) = %d, want %d", code, got, want)
		}
	}
}

func TestRunGatewayMemoryBackend(t *testing.T) {
	t.Setenv("AUDIT_BACKEND", "memory")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("WORKFLOWS_FILE", "")
	t.Setenv("AUDIT_ALERT_WEBHOOK_URL", "")

	var captured *http.Server
	err := runGateway(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (gatewayDBCloser, error) {
			t.Fatal("postgres must not be opened for the memory backend")
			return nil, nil
		},
		func(ctx context.Context) (*redis.Client, error) {
			return nil, errors.New("redis down")
		},
		func(server *http.Server) error {
			captured = server
			return nil
		},
	)
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if captured == nil || captured.Handler == nil {
		t.Fatal("expected configured http server")
	}
}

func TestRunGatewayUnknownBackend(t *testing.T) {
	t.Setenv("AUDIT_BACKEND", "tape")
	err := runGateway(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		nil,
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error { return nil },
	)
	if err == nil {
		t.Fatal("expected error for unknown audit backend")
	}
}

func TestMirroringTrailFansOut(t *testing.T) {
	t.Parallel()

	next := audit.NewMemory()
	hub := stream.NewHub()
	reg := metrics.NewRegistry()
	sub := hub.Subscribe(4)
	defer hub.Unsubscribe(sub)

	trail := &mirroringTrail{next: next, events: hub, metrics: reg}
	entry := models.AuditEntry{
		CorrelationID: "corr-1",
		Capability:    "archive_listing",
		Decision:      models.DecisionHITLRequired,
		Outcome:       models.OutcomeError,
		ErrorCode:     models.ErrCodeHITLRequired,
	}
	if err := trail.Record(context.Background(), entry); err != nil {
		t.Fatalf("record: %v", err)
	}

	if got := len(next.All()); got != 1 {
		t.Fatalf("expected primary write, got %d", got)
	}
	snap := reg.Snapshot()
	if snap.Decisions[models.DecisionHITLRequired] != 1 || snap.ErrorCodes[models.ErrCodeHITLRequired] != 1 {
		t.Fatalf("expected counters bumped, got %+v", snap)
	}
	select {
	case evt := <-sub:
		if evt.Type != "decision" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	default:
		t.Fatal("expected decision event published")
	}
}

func TestWSOriginPatterns(t *testing.T) {
	t.Parallel()

	if got := wsOriginPatterns(""); got != nil {
		t.Fatalf("expected nil for empty, got %v", got)
	}
	got := wsOriginPatterns(" app.example.com , ,admin.example.com ")
	if len(got) != 2 || got[0] != "app.example.com" || got[1] != "admin.example.com" {
		t.Fatalf("unexpected patterns: %v", got)
	}
}
