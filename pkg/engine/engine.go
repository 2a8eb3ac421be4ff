package engine

import (
	"context"
	"errors"
	"time"

	"tenure/pkg/audit"
	"tenure/pkg/models"
	"tenure/pkg/policy"
	"tenure/pkg/redact"
	"tenure/pkg/registry"
)

// DefaultCallTimeout bounds one capability dispatch.
const DefaultCallTimeout = 30 * time.Second

// Engine is the single-capability execution path: lookup, authorize,
// dispatch, redact, audit. Exactly one audit entry is recorded per attempt,
// and its decision and outcome match the returned envelope. No
// side-effecting code runs before authorization succeeds.
type Engine struct {
	Registry    *registry.Registry
	Gateway     *policy.Gateway
	Trail       audit.Trail
	CallTimeout time.Duration
}

func New(reg *registry.Registry, gw *policy.Gateway, trail audit.Trail) *Engine {
	return &Engine{Registry: reg, Gateway: gw, Trail: trail, CallTimeout: DefaultCallTimeout}
}

// Execute runs one capability for a validated request context. Failures are
// returned in the envelope, never panicked; error messages carry no raw
// payload fields or stack traces.
func (e *Engine) Execute(ctx context.Context, rc models.RequestContext, name string, input map[string]any, hitlToken string) models.CapabilityResponse {
	desc, handler, err := e.Registry.Lookup(name)
	if err != nil {
		e.record(ctx, rc, name, models.DecisionDenied, models.OutcomeError, models.ErrCodeCapabilityNotFound, 0)
		return e.failure(rc, name, models.ErrCodeCapabilityNotFound, "unknown capability "+name)
	}

	decision, err := e.Gateway.Authorize(ctx, rc, desc, hitlToken)
	if err != nil {
		e.record(ctx, rc, name, models.DecisionDenied, models.OutcomeError, models.ErrCodeStorage, 0)
		return e.failure(rc, name, models.ErrCodeStorage, "authorization unavailable")
	}
	if !decision.Allowed {
		e.record(ctx, rc, name, decision.AuditLabel(), models.OutcomeError, decision.ErrorCode(), 0)
		msg := "capability " + name + " denied for role " + string(rc.Role)
		if decision.RequiresHITL {
			msg = "capability " + name + " requires a valid confirmation token"
		}
		return e.failure(rc, name, decision.ErrorCode(), msg)
	}

	timeout := e.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	output, err := handler.Invoke(callCtx, rc, input)
	elapsed := time.Since(started)
	if err != nil {
		code := models.ErrCodeCapabilityError
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			code = models.ErrCodeTimeout
		}
		e.record(ctx, rc, name, decision.AuditLabel(), models.OutcomeError, code, elapsed)
		return e.failure(rc, name, code, "capability "+name+" failed")
	}

	resp := models.CapabilityResponse{
		Success:       true,
		CorrelationID: rc.CorrelationID,
		Capability:    name,
		OutputData:    redact.Output(rc.Role, output),
		DurationMS:    elapsed.Milliseconds(),
	}
	if err := e.record(ctx, rc, name, decision.AuditLabel(), models.OutcomeSuccess, "", elapsed); err != nil {
		resp.Details = map[string]any{"audit": "entry not persisted, trail degraded"}
	}
	return resp
}

func (e *Engine) failure(rc models.RequestContext, name, code, msg string) models.CapabilityResponse {
	return models.CapabilityResponse{
		Success:       false,
		CorrelationID: rc.CorrelationID,
		Capability:    name,
		ErrorCode:     code,
		ErrorMessage:  msg,
	}
}

func (e *Engine) record(ctx context.Context, rc models.RequestContext, name, decision, outcome, errorCode string, d time.Duration) error {
	entry := models.AuditEntry{
		CorrelationID: rc.CorrelationID,
		Timestamp:     time.Now().UTC(),
		ActorID:       rc.UserID,
		ActorRole:     rc.Role,
		TenantID:      rc.TenantID,
		Capability:    name,
		Decision:      decision,
		Outcome:       outcome,
		ErrorCode:     errorCode,
		Duration:      d,
	}
	// Storage failure is surfaced by the trail and noted on the response; a
	// completed side effect is never rolled back because of it.
	return e.Trail.Record(ctx, entry)
}
