package policy

import (
	"context"
	"errors"
	"fmt"

	"tenure/pkg/hitl"
	"tenure/pkg/models"
)

// rbacMatrix is the static role -> tier allow table. Policy is table-driven
// and never inferred from content.
var rbacMatrix = map[models.Role]map[models.Tier]bool{
	models.RoleAgent: {models.TierA: true, models.TierB: true},
	models.RoleAdmin: {models.TierA: true, models.TierB: true, models.TierC: true},
}

// Gateway renders allow/deny decisions from the RBAC matrix and gates
// side-effecting capabilities on a single-use confirmation token. It never
// writes audit entries itself; the orchestrating caller records every
// decision, which keeps the gateway free of side effects beyond the atomic
// token consume.
type Gateway struct {
	Tokens hitl.Store
}

func NewGateway(tokens hitl.Store) *Gateway {
	return &Gateway{Tokens: tokens}
}

// Authorize decides one call. A deny is a first-class decision, not an
// error; the error return is reserved for malformed descriptors and token
// store failures.
//
// Side-effecting capabilities require a valid unconsumed token naming the
// capability, for every role: a human confirmation both elevates an agent
// to tier C and is still demanded from an admin. Non-mutating capabilities
// are governed purely by the matrix.
func (g *Gateway) Authorize(ctx context.Context, rc models.RequestContext, desc models.CapabilityDescriptor, tokenValue string) (models.PolicyDecision, error) {
	tiers, ok := rbacMatrix[rc.Role]
	if !ok {
		return models.PolicyDecision{}, fmt.Errorf("policy: unknown role %q", rc.Role)
	}
	if !desc.Tier.Valid() {
		return models.PolicyDecision{}, fmt.Errorf("policy: unknown tier %q for capability %q", desc.Tier, desc.Name)
	}

	if desc.SideEffecting {
		if tokenValue == "" {
			return models.PolicyDecision{Allowed: false, Reason: models.ReasonHITLRequired, RequiresHITL: true}, nil
		}
		err := g.Tokens.Consume(ctx, tokenValue, desc.Name)
		switch {
		case err == nil:
			return models.PolicyDecision{Allowed: true, Reason: models.ReasonHITLConfirmed, RequiresHITL: true}, nil
		case errors.Is(err, hitl.ErrNotFound),
			errors.Is(err, hitl.ErrConsumed),
			errors.Is(err, hitl.ErrExpired),
			errors.Is(err, hitl.ErrWrongTool):
			return models.PolicyDecision{Allowed: false, Reason: models.ReasonHITLRequired, RequiresHITL: true}, nil
		default:
			return models.PolicyDecision{}, fmt.Errorf("policy: token store: %w", err)
		}
	}

	if !tiers[desc.Tier] {
		return models.PolicyDecision{Allowed: false, Reason: models.ReasonRBACDeny}, nil
	}
	return models.PolicyDecision{Allowed: true, Reason: models.ReasonRBACAllow}, nil
}
