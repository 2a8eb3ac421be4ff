package main

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"tenure/pkg/audit"
	"tenure/pkg/httpx"
	"tenure/pkg/models"
	"tenure/pkg/reqctx"
	"tenure/pkg/stream"

	"github.com/go-chi/chi/v5"
)

type executeCapabilityRequest struct {
	RequestContext reqctx.Raw     `json:"request_context"`
	InputData      map[string]any `json:"input_data"`
	HITLToken      string         `json:"hitl_token,omitempty"`
}

type executeWorkflowRequest struct {
	RequestContext reqctx.Raw        `json:"request_context"`
	Input          map[string]any    `json:"input"`
	HITLTokens     map[string]string `json:"hitl_tokens,omitempty"`
}

type issueTokenRequest struct {
	RequestContext reqctx.Raw `json:"request_context"`
	ToolName       string     `json:"tool_name"`
}

func (s *Server) executeCapability(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req executeCapabilityRequest
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rc, ok := s.validateContext(w, r, &req.RequestContext)
	if !ok {
		return
	}
	resp := s.Engine.Execute(r.Context(), rc, name, req.InputData, req.HITLToken)
	httpx.WriteJSON(w, statusForCode(resp.ErrorCode), resp)
}

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req executeWorkflowRequest
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rc, ok := s.validateContext(w, r, &req.RequestContext)
	if !ok {
		return
	}
	def, err := s.Workflows.Get(name)
	if err != nil {
		httpx.WriteJSON(w, http.StatusNotFound, models.WorkflowResponse{
			CorrelationID: rc.CorrelationID,
			Workflow:      name,
			ErrorCode:     models.ErrCodeWorkflowNotFound,
			ErrorMessage:  "unknown workflow " + name,
		})
		return
	}
	run := s.Executor.Run(r.Context(), def, rc, req.Input, req.HITLTokens)
	if s.Metrics != nil {
		s.Metrics.IncWorkflow(def.Name, run.Status)
	}
	if s.Events != nil {
		s.Events.Publish(stream.WorkflowEvent(run))
	}
	resp := workflowResponse(rc, run)
	httpx.WriteJSON(w, statusForCode(resp.ErrorCode), resp)
}

func workflowResponse(rc models.RequestContext, run *models.WorkflowRun) models.WorkflowResponse {
	resp := models.WorkflowResponse{
		Success:       run.Status == models.RunCompleted,
		CorrelationID: rc.CorrelationID,
		Workflow:      run.DefinitionName,
		Output:        run.Output,
		AuditDegraded: run.AuditDegraded,
	}
	if run.Status == models.RunFailed {
		resp.FailedNode = run.FailedNode
		if state := run.NodeStates[run.FailedNode]; state != nil {
			resp.ErrorCode = state.ErrorCode
			resp.ErrorMessage = state.Error
		}
		if resp.ErrorCode == "" {
			resp.ErrorCode = models.ErrCodeCapabilityError
		}
	}
	return resp
}

func (s *Server) readResource(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := reqctx.Raw{
		UserID:        q.Get("user_id"),
		TenantID:      q.Get("tenant_id"),
		AuthContext:   q.Get("auth_context"),
		Role:          q.Get("role"),
		CorrelationID: q.Get("correlation_id"),
	}
	rc, ok := s.validateContext(w, r, &raw)
	if !ok {
		return
	}
	uri := strings.TrimSpace(q.Get("uri"))
	if uri == "" {
		httpx.Error(w, http.StatusBadRequest, "uri query parameter required")
		return
	}
	name, input, err := s.Resources.Resolve(uri)
	if err != nil {
		httpx.Error(w, http.StatusNotFound, err.Error())
		return
	}
	resp := s.Engine.Execute(r.Context(), rc, name, input, "")
	httpx.WriteJSON(w, statusForCode(resp.ErrorCode), resp)
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rc, ok := s.validateContext(w, r, &req.RequestContext)
	if !ok {
		return
	}
	// Issuance is the human confirmation step and stays admin-only even
	// though redemption elevates any role.
	if rc.Role != models.RoleAdmin {
		httpx.Error(w, http.StatusForbidden, "token issuance requires the admin role")
		return
	}
	toolName := strings.TrimSpace(req.ToolName)
	if toolName == "" {
		httpx.Error(w, http.StatusBadRequest, "tool_name required")
		return
	}
	desc, _, err := s.Registry.Lookup(toolName)
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "unknown capability "+toolName)
		return
	}
	if !desc.SideEffecting {
		httpx.Error(w, http.StatusBadRequest, "capability "+toolName+" does not require confirmation")
		return
	}
	tok, err := s.Tokens.Issue(r.Context(), toolName)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "token store unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, tok)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlation_id")
	entries, err := s.Trail.ListByCorrelationID(r.Context(), correlationID)
	if err != nil {
		if errors.Is(err, audit.ErrStorage) {
			httpx.Error(w, http.StatusServiceUnavailable, "audit store unavailable")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"correlation_id": correlationID,
		"entries":        entries,
		"count":          len(entries),
	})
}

func (s *Server) listCapabilities(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"capabilities": s.Registry.List(),
		"workflows":    s.Workflows.List(),
	})
}

// validateContext normalizes the caller-supplied context, falling back to
// the X-Correlation-ID header when the body carries none. A validation
// failure writes the error envelope and reports false.
func (s *Server) validateContext(w http.ResponseWriter, r *http.Request, raw *reqctx.Raw) (models.RequestContext, bool) {
	if raw.CorrelationID == "" {
		raw.CorrelationID = strings.TrimSpace(r.Header.Get("X-Correlation-ID"))
	}
	if raw.IPAddress == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			raw.IPAddress = host
		}
	}
	rc, err := reqctx.Validate(*raw)
	if err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, models.CapabilityResponse{
			Success:      false,
			ErrorCode:    models.ErrCodeValidation,
			ErrorMessage: err.Error(),
		})
		return models.RequestContext{}, false
	}
	return rc, true
}

func statusForCode(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case models.ErrCodeValidation:
		return http.StatusBadRequest
	case models.ErrCodeCapabilityNotFound, models.ErrCodeWorkflowNotFound:
		return http.StatusNotFound
	case models.ErrCodePolicyDenied, models.ErrCodeHITLRequired:
		return http.StatusForbidden
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case models.ErrCodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the hijacker for the
// websocket upgrade.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)
		path := r.URL.Path
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
			if pattern := routeCtx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		s.Metrics.Observe(r.Method+" "+path, rec.status, time.Since(started))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware counts per tenant when the caller identifies one,
// otherwise per remote address.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if key == "" {
			key = r.URL.Query().Get("tenant_id")
		}
		if key == "" {
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			} else {
				key = r.RemoteAddr
			}
		}
		decision := s.RateLimiter.Allow(r.Context(), key, s.RateLimitPerMinute)
		if !decision.Allowed {
			w.Header().Set("Retry-After", time.Until(decision.ResetAt).Round(time.Second).String())
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
