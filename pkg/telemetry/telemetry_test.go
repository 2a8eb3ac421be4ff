package telemetry

import (
	"context"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace"
)

func TestInitWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "gateway")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestParseSampler(t *testing.T) {
	t.Parallel()

	if got := parseSampler("always_on", ""); got.Description() != trace.AlwaysSample().Description() {
		t.Fatalf("unexpected sampler: %s", got.Description())
	}
	if got := parseSampler("always_off", ""); got.Description() != trace.NeverSample().Description() {
		t.Fatalf("unexpected sampler: %s", got.Description())
	}
	if got := parseSampler("traceidratio", "0.25"); got.Description() != trace.TraceIDRatioBased(0.25).Description() {
		t.Fatalf("unexpected sampler: %s", got.Description())
	}
	// Out-of-range ratios clamp instead of failing.
	if got := parseSampler("traceidratio", "7"); got.Description() != trace.TraceIDRatioBased(1).Description() {
		t.Fatalf("unexpected clamped sampler: %s", got.Description())
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	got := parseHeaders(" api-key=abc , ,broken, team = infra ")
	if len(got) != 2 || got["api-key"] != "abc" || got["team"] != "infra" {
		t.Fatalf("unexpected headers: %v", got)
	}
	if got := parseHeaders(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}

func TestInstrumentClient(t *testing.T) {
	t.Parallel()

	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil {
		t.Fatal("expected instrumented default client")
	}

	own := &http.Client{}
	if got := InstrumentClient(own); got != own || got.Transport == nil {
		t.Fatal("expected transport wrapped in place")
	}
}
