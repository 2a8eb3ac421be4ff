package models

import (
	"encoding/json"
	"time"
)

// Role is the closed set of caller roles.
type Role string

const (
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleAdmin
}

// RequestContext is the normalized caller identity attached to every
// downstream call for one request. Immutable after validation.
type RequestContext struct {
	UserID        string `json:"user_id"`
	TenantID      string `json:"tenant_id"`
	AuthContext   string `json:"auth_context"`
	IPAddress     string `json:"ip_address,omitempty"`
	Role          Role   `json:"role"`
	CorrelationID string `json:"correlation_id"`
}

// CapabilityKind distinguishes invokable tools from read-only resources.
type CapabilityKind string

const (
	KindTool     CapabilityKind = "tool"
	KindResource CapabilityKind = "resource"
)

// Tier classifies capability risk: A stateless/read-only, B composite
// non-mutating, C side-effecting.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
)

func (t Tier) Valid() bool {
	return t == TierA || t == TierB || t == TierC
}

// CapabilityDescriptor describes one registered capability. Built once at
// registry construction and immutable thereafter.
type CapabilityDescriptor struct {
	Name          string         `json:"name"`
	Kind          CapabilityKind `json:"kind"`
	Tier          Tier           `json:"tier"`
	SideEffecting bool           `json:"side_effecting"`
}

// Decision reason codes.
const (
	ReasonRBACAllow         = "rbac_allow"
	ReasonRBACDeny          = "rbac_deny"
	ReasonHITLConfirmed     = "hitl_confirmed"
	ReasonHITLRequired      = "hitl_required"
	ReasonUnknownCapability = "unknown_capability"
)

// PolicyDecision is the gateway verdict for one call. Computed fresh per
// call and never cached across requests.
type PolicyDecision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason"`
	RequiresHITL bool   `json:"requires_hitl"`
}

// AuditLabel maps a decision onto its audit trail label.
func (d PolicyDecision) AuditLabel() string {
	if d.Allowed {
		return DecisionAllowed
	}
	if d.RequiresHITL {
		return DecisionHITLRequired
	}
	return DecisionDenied
}

// ErrorCode maps a deny decision onto the envelope error code.
func (d PolicyDecision) ErrorCode() string {
	if d.RequiresHITL {
		return ErrCodeHITLRequired
	}
	return ErrCodePolicyDenied
}

// HITLToken is a single-use human confirmation for one mutating capability.
type HITLToken struct {
	Value     string    `json:"token_value"`
	ToolName  string    `json:"tool_name"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// Audit decision labels.
const (
	DecisionAllowed      = "allowed"
	DecisionDenied       = "denied"
	DecisionHITLRequired = "hitl_required"
)

// Audit outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// AuditEntry is one append-only record of a decision and its execution
// outcome, keyed by correlation id. Entries are never mutated or deleted.
type AuditEntry struct {
	CorrelationID string        `json:"correlation_id"`
	Timestamp     time.Time     `json:"timestamp"`
	ActorID       string        `json:"actor_id"`
	ActorRole     Role          `json:"actor_role"`
	TenantID      string        `json:"tenant_id"`
	Capability    string        `json:"capability_name,omitempty"`
	Workflow      string        `json:"workflow_name,omitempty"`
	NodeID        string        `json:"node_id,omitempty"`
	Decision      string        `json:"decision"`
	Outcome       string        `json:"outcome"`
	ErrorCode     string        `json:"error_code,omitempty"`
	Duration      time.Duration `json:"duration"`
	Attempt       int           `json:"attempt"`
}

// Error codes carried on failure envelopes.
const (
	ErrCodeValidation         = "validation_error"
	ErrCodePolicyDenied       = "policy_denied"
	ErrCodeHITLRequired       = "hitl_required"
	ErrCodeCapabilityNotFound = "capability_not_found"
	ErrCodeCapabilityError    = "capability_error"
	ErrCodeTimeout            = "timeout"
	ErrCodeDependency         = "dependency_error"
	ErrCodeStorage            = "storage_error"
	ErrCodeWorkflowNotFound   = "workflow_not_found"
)

// CapabilityResponse is the uniform envelope returned for one capability
// call, success or failure.
type CapabilityResponse struct {
	Success       bool           `json:"success"`
	CorrelationID string         `json:"correlation_id"`
	Capability    string         `json:"capability_name"`
	OutputData    map[string]any `json:"output_data,omitempty"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// WorkflowResponse is the envelope for one workflow run.
type WorkflowResponse struct {
	Success       bool           `json:"success"`
	CorrelationID string         `json:"correlation_id"`
	Workflow      string         `json:"workflow_name"`
	Output        map[string]any `json:"output,omitempty"`
	FailedNode    string         `json:"failed_node,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	AuditDegraded bool           `json:"audit_degraded,omitempty"`
}

// Workflow run states.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Node states within a run.
const (
	NodePending   = "pending"
	NodeRunning   = "running"
	NodeCompleted = "completed"
	NodeFailed    = "failed"
)

// NodeState captures one node's terminal condition inside a run.
type NodeState struct {
	NodeID     string         `json:"node_id"`
	Capability string         `json:"capability_name"`
	State      string         `json:"state"`
	Output     map[string]any `json:"output,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// WorkflowRun is the mutable per-run record owned by exactly one request.
// Terminal states are completed and failed.
type WorkflowRun struct {
	RunID          string                `json:"run_id"`
	DefinitionName string                `json:"definition_name"`
	Status         string                `json:"status"`
	NodeStates     map[string]*NodeState `json:"node_states"`
	NodeOrder      []string              `json:"node_order"`
	Output         map[string]any        `json:"output,omitempty"`
	FailedNode     string                `json:"failed_node,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	FinishedAt     time.Time             `json:"finished_at,omitempty"`
	AuditDegraded  bool                  `json:"audit_degraded,omitempty"`
}

func (r *WorkflowRun) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

// CloneValue deep-copies a JSON-shaped value (maps, slices, scalars) so
// node outputs handed to later consumers cannot alias run state.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case json.RawMessage:
		return append(json.RawMessage(nil), val...)
	default:
		return v
	}
}

// CloneMap is CloneValue specialized to the common map shape.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := CloneValue(m).(map[string]any)
	return out
}
