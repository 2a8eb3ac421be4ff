package reqctx

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tenure/pkg/models"
)

// ValidationError kinds.
const (
	KindMissingField = "missing-field"
	KindInvalidRole  = "invalid-role"
)

// ValidationError is terminal for the request; no partial context is passed
// downstream.
type ValidationError struct {
	Kind  string
	Field string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindMissingField:
		return fmt.Sprintf("request context: missing %s", e.Field)
	case KindInvalidRole:
		return fmt.Sprintf("request context: invalid role %q", e.Field)
	default:
		return "request context: invalid"
	}
}

// Raw holds caller-supplied context fields before validation.
type Raw struct {
	UserID        string `json:"user_id"`
	TenantID      string `json:"tenant_id"`
	AuthContext   string `json:"auth_context"`
	IPAddress     string `json:"ip_address,omitempty"`
	Role          string `json:"role,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Validate normalizes the raw context: requires user_id, tenant_id and
// auth_context, defaults role to agent, rejects roles outside the closed
// set, and generates a correlation id when the caller supplied none.
func Validate(raw Raw) (models.RequestContext, error) {
	userID := strings.TrimSpace(raw.UserID)
	if userID == "" {
		return models.RequestContext{}, &ValidationError{Kind: KindMissingField, Field: "user_id"}
	}
	tenantID := strings.TrimSpace(raw.TenantID)
	if tenantID == "" {
		return models.RequestContext{}, &ValidationError{Kind: KindMissingField, Field: "tenant_id"}
	}
	authContext := strings.TrimSpace(raw.AuthContext)
	if authContext == "" {
		return models.RequestContext{}, &ValidationError{Kind: KindMissingField, Field: "auth_context"}
	}
	role := models.Role(strings.ToLower(strings.TrimSpace(raw.Role)))
	if role == "" {
		role = models.RoleAgent
	}
	if !role.Valid() {
		return models.RequestContext{}, &ValidationError{Kind: KindInvalidRole, Field: string(role)}
	}
	correlationID := strings.TrimSpace(raw.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return models.RequestContext{
		UserID:        userID,
		TenantID:      tenantID,
		AuthContext:   authContext,
		IPAddress:     strings.TrimSpace(raw.IPAddress),
		Role:          role,
		CorrelationID: correlationID,
	}, nil
}
