package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"tenure/pkg/httpx"
	"tenure/pkg/reqctx"
)

// Testable variables for main()
var (
	osExit     = os.Exit
	httpClient = &http.Client{Timeout: 30 * time.Second}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "list":
		return listCapabilities(args[1:], out)
	case "run-tool":
		return runTool(args[1:], out)
	case "run-workflow":
		return runWorkflow(args[1:], out)
	case "issue-token":
		return issueToken(args[1:], out)
	case "audit":
		return showAudit(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "tenurectl commands:")
	fmt.Fprintln(out, "  list")
	fmt.Fprintln(out, "  run-tool --tool get_property_details --input '{\"property_id\":\"prop_001\"}' [--token <hitl-token>]")
	fmt.Fprintln(out, "  run-workflow --workflow arrears_detection --input '{\"tenancy_id\":\"tenancy_001\"}' [--tokens '{\"node\":\"token\"}']")
	fmt.Fprintln(out, "  issue-token --tool prepare_breach_notice")
	fmt.Fprintln(out, "  audit --correlation-id <id>")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// contextFlags binds the request context flags shared by every command.
type contextFlags struct {
	addr          *string
	userID        *string
	tenantID      *string
	authContext   *string
	role          *string
	correlationID *string
}

func bindContextFlags(fs *flag.FlagSet) contextFlags {
	return contextFlags{
		addr:          fs.String("addr", envDefault("TENURE_ADDR", "http://localhost:8080"), "gateway base url"),
		userID:        fs.String("user", envDefault("TENURE_USER", "cli"), "user id"),
		tenantID:      fs.String("tenant", envDefault("TENURE_TENANT", "default"), "tenant id"),
		authContext:   fs.String("auth", envDefault("TENURE_AUTH", "cli"), "auth context"),
		role:          fs.String("role", envDefault("TENURE_ROLE", "agent"), "caller role (agent|admin)"),
		correlationID: fs.String("correlation-id", "", "correlation id (generated when empty)"),
	}
}

func (c contextFlags) raw() reqctx.Raw {
	return reqctx.Raw{
		UserID:        *c.userID,
		TenantID:      *c.tenantID,
		AuthContext:   *c.authContext,
		Role:          *c.role,
		CorrelationID: *c.correlationID,
	}
}

func listCapabilities(args []string, out io.Writer) error {
	fs := newFlagSet("list")
	cf := bindContextFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return call(out, http.MethodGet, *cf.addr+"/v1/capabilities", nil)
}

func runTool(args []string, out io.Writer) error {
	fs := newFlagSet("run-tool")
	cf := bindContextFlags(fs)
	tool := fs.String("tool", "", "capability name")
	input := fs.String("input", "{}", "input data as JSON, or @file")
	token := fs.String("token", "", "hitl confirmation token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tool == "" {
		return errors.New("tool required")
	}
	inputData, err := parseJSONArg(*input)
	if err != nil {
		return fmt.Errorf("parse input: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"request_context": cf.raw(),
		"input_data":      inputData,
		"hitl_token":      *token,
	})
	if err != nil {
		return err
	}
	return call(out, http.MethodPost, *cf.addr+"/v1/capabilities/"+*tool+"/execute", body)
}

func runWorkflow(args []string, out io.Writer) error {
	fs := newFlagSet("run-workflow")
	cf := bindContextFlags(fs)
	name := fs.String("workflow", "", "workflow name")
	input := fs.String("input", "{}", "workflow input as JSON, or @file")
	tokens := fs.String("tokens", "", "node id to hitl token map as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("workflow required")
	}
	inputData, err := parseJSONArg(*input)
	if err != nil {
		return fmt.Errorf("parse input: %w", err)
	}
	payload := map[string]any{
		"request_context": cf.raw(),
		"input":           inputData,
	}
	if strings.TrimSpace(*tokens) != "" {
		var tokenMap map[string]string
		if err := json.Unmarshal([]byte(*tokens), &tokenMap); err != nil {
			return fmt.Errorf("parse tokens: %w", err)
		}
		payload["hitl_tokens"] = tokenMap
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return call(out, http.MethodPost, *cf.addr+"/v1/workflows/"+*name+"/execute", body)
}

func issueToken(args []string, out io.Writer) error {
	fs := newFlagSet("issue-token")
	cf := bindContextFlags(fs)
	tool := fs.String("tool", "", "side-effecting capability name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tool == "" {
		return errors.New("tool required")
	}
	raw := cf.raw()
	// Issuance is an admin action; the flag default would otherwise send agent.
	raw.Role = "admin"
	body, err := json.Marshal(map[string]any{
		"request_context": raw,
		"tool_name":       *tool,
	})
	if err != nil {
		return err
	}
	return call(out, http.MethodPost, *cf.addr+"/v1/hitl/tokens", body)
}

func showAudit(args []string, out io.Writer) error {
	fs := newFlagSet("audit")
	cf := bindContextFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cf.correlationID == "" {
		return errors.New("correlation-id required")
	}
	return call(out, http.MethodGet, *cf.addr+"/v1/audit/"+*cf.correlationID, nil)
}

func call(out io.Writer, method, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	status, respBody, err := httpx.RequestJSON(ctx, httpClient, method, url, body, nil, 1, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	var pretty any
	if err := json.Unmarshal(respBody, &pretty); err != nil {
		fmt.Fprintln(out, string(respBody))
	} else {
		encoded, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Fprintln(out, string(encoded))
	}
	if status >= 400 {
		return fmt.Errorf("gateway returned %d", status)
	}
	return nil
}

func parseJSONArg(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "@") {
		fileRaw, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, err
		}
		raw = string(fileRaw)
	}
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
