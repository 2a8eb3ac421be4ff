package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tenure/pkg/audit"
	"tenure/pkg/models"
	"tenure/pkg/policy"
	"tenure/pkg/redact"
	"tenure/pkg/registry"
)

// DefaultNodeTimeout bounds one node dispatch.
const DefaultNodeTimeout = 30 * time.Second

// Executor runs a definition's nodes strictly in declared order, gating
// each node through the policy gateway and recording one audit entry per
// attempted node. Each run is owned by exactly one request; the executor
// itself is stateless and safe for concurrent use.
type Executor struct {
	Registry    *registry.Registry
	Gateway     *policy.Gateway
	Trail       audit.Trail
	NodeTimeout time.Duration
}

func NewExecutor(reg *registry.Registry, gw *policy.Gateway, trail audit.Trail) *Executor {
	return &Executor{Registry: reg, Gateway: gw, Trail: trail, NodeTimeout: DefaultNodeTimeout}
}

// Run executes one workflow. The run id is the request's correlation id.
// A deny, node error or timeout marks the run failed and stops before any
// later node; cancellation is cooperative and checked only at node
// boundaries, so a side-effecting node that already completed is never
// undone. The aggregated output is the final node's output merged with
// exposed intermediates, redacted for the caller's role.
func (e *Executor) Run(ctx context.Context, def Definition, rc models.RequestContext, input map[string]any, tokens map[string]string) *models.WorkflowRun {
	run := &models.WorkflowRun{
		RunID:          rc.CorrelationID,
		DefinitionName: def.Name,
		Status:         models.RunPending,
		NodeStates:     make(map[string]*models.NodeState, len(def.Nodes)),
		StartedAt:      time.Now().UTC(),
	}
	for _, n := range def.Nodes {
		run.NodeOrder = append(run.NodeOrder, n.ID)
		run.NodeStates[n.ID] = &models.NodeState{NodeID: n.ID, Capability: n.Capability, State: models.NodePending}
	}
	run.Status = models.RunRunning

	for _, node := range def.Nodes {
		if err := ctx.Err(); err != nil {
			e.fail(run, node.ID, "", fmt.Sprintf("run cancelled before node %s", node.ID))
			return run
		}
		state := run.NodeStates[node.ID]
		state.State = models.NodeRunning

		nodeInput, err := e.resolveInput(def, node, run, input)
		if err != nil {
			e.recordNode(ctx, rc, run, def.Name, node, models.DecisionDenied, models.OutcomeError, models.ErrCodeDependency, 0)
			e.fail(run, node.ID, models.ErrCodeDependency, err.Error())
			return run
		}

		desc, handler, err := e.Registry.Lookup(node.Capability)
		if err != nil {
			e.recordNode(ctx, rc, run, def.Name, node, models.DecisionDenied, models.OutcomeError, models.ErrCodeCapabilityNotFound, 0)
			e.fail(run, node.ID, models.ErrCodeCapabilityNotFound, err.Error())
			return run
		}

		decision, err := e.Gateway.Authorize(ctx, rc, desc, tokens[node.ID])
		if err != nil {
			e.recordNode(ctx, rc, run, def.Name, node, models.DecisionDenied, models.OutcomeError, models.ErrCodeStorage, 0)
			e.fail(run, node.ID, models.ErrCodeStorage, err.Error())
			return run
		}
		if !decision.Allowed {
			e.recordNode(ctx, rc, run, def.Name, node, decision.AuditLabel(), models.OutcomeError, decision.ErrorCode(), 0)
			e.fail(run, node.ID, decision.ErrorCode(), fmt.Sprintf("node %s denied: %s", node.ID, decision.Reason))
			return run
		}

		started := time.Now()
		output, err := e.dispatch(ctx, handler, rc, nodeInput)
		elapsed := time.Since(started)
		if err != nil {
			code := models.ErrCodeCapabilityError
			if errors.Is(err, context.DeadlineExceeded) {
				code = models.ErrCodeTimeout
			}
			e.recordNode(ctx, rc, run, def.Name, node, models.DecisionAllowed, models.OutcomeError, code, elapsed)
			state.DurationMS = elapsed.Milliseconds()
			e.fail(run, node.ID, code, err.Error())
			return run
		}

		state.State = models.NodeCompleted
		state.Output = output
		state.DurationMS = elapsed.Milliseconds()
		e.recordNode(ctx, rc, run, def.Name, node, models.DecisionAllowed, models.OutcomeSuccess, "", elapsed)
	}

	run.Status = models.RunCompleted
	run.FinishedAt = time.Now().UTC()
	run.Output = redact.Output(rc.Role, e.aggregate(def, run))
	return run
}

func (e *Executor) dispatch(ctx context.Context, handler registry.Capability, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	timeout := e.NodeTimeout
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := handler.Invoke(nodeCtx, rc, input)
	if err != nil {
		// Node errors surface the context cause so timeouts are coded
		// distinctly from capability failures.
		if nodeCtx.Err() != nil {
			return nil, nodeCtx.Err()
		}
		return nil, err
	}
	return out, nil
}

// resolveInput substitutes the node's input mapping against the original
// request fields and captured outputs. A reference to an uncompleted node
// is a definition bug caught at load time, checked again defensively here.
func (e *Executor) resolveInput(def Definition, node Node, run *models.WorkflowRun, input map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(node.InputMapping))
	for field, rawRef := range node.InputMapping {
		src, err := parseRef(rawRef)
		if err != nil {
			return nil, fmt.Errorf("workflow %s node %s: %w", def.Name, node.ID, err)
		}
		if src.requestField != "" {
			resolved[field] = models.CloneValue(input[src.requestField])
			continue
		}
		prior, ok := run.NodeStates[src.nodeID]
		if !ok || prior.State != models.NodeCompleted {
			return nil, fmt.Errorf("workflow %s node %s: dependency %s has no captured output", def.Name, node.ID, src.nodeID)
		}
		if src.nodeField == "" {
			resolved[field] = models.CloneMap(prior.Output)
			continue
		}
		resolved[field] = models.CloneValue(prior.Output[src.nodeField])
	}
	return resolved, nil
}

func (e *Executor) aggregate(def Definition, run *models.WorkflowRun) map[string]any {
	final := def.Nodes[len(def.Nodes)-1]
	out := models.CloneMap(run.NodeStates[final.ID].Output)
	if out == nil {
		out = map[string]any{}
	}
	for _, n := range def.Nodes[:len(def.Nodes)-1] {
		if n.Exposed {
			out[n.ID] = models.CloneMap(run.NodeStates[n.ID].Output)
		}
	}
	return out
}

func (e *Executor) fail(run *models.WorkflowRun, nodeID, code, msg string) {
	state := run.NodeStates[nodeID]
	state.State = models.NodeFailed
	state.ErrorCode = code
	state.Error = msg
	run.Status = models.RunFailed
	run.FailedNode = nodeID
	run.FinishedAt = time.Now().UTC()
}

func (e *Executor) recordNode(ctx context.Context, rc models.RequestContext, run *models.WorkflowRun, workflowName string, node Node, decision, outcome, errorCode string, d time.Duration) {
	entry := models.AuditEntry{
		CorrelationID: rc.CorrelationID,
		Timestamp:     time.Now().UTC(),
		ActorID:       rc.UserID,
		ActorRole:     rc.Role,
		TenantID:      rc.TenantID,
		Capability:    node.Capability,
		Workflow:      workflowName,
		NodeID:        node.ID,
		Decision:      decision,
		Outcome:       outcome,
		ErrorCode:     errorCode,
		Duration:      d,
	}
	// Audit failures are surfaced loudly by the trail and flagged on the run;
	// they must not unwind a node that already ran.
	if err := e.Trail.Record(ctx, entry); err != nil {
		run.AuditDegraded = true
	}
}
