package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"tenure/pkg/registry"
)

var ErrDefinitionNotFound = errors.New("workflow definition not found")

// Node is one step of a workflow. InputMapping values reference either an
// original request field ("request.<field>") or a prior node's captured
// output ("nodes.<id>" for the whole output, "nodes.<id>.<field>" for one
// field).
type Node struct {
	ID           string            `json:"node_id"`
	Capability   string            `json:"capability_name"`
	InputMapping map[string]string `json:"input_mapping,omitempty"`
	Exposed      bool              `json:"exposed,omitempty"`
}

// Definition is a statically declared, immutable workflow: an ordered node
// list whose declaration order is its dependency order.
type Definition struct {
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
}

// Validate rejects malformed definitions at load time: duplicate or empty
// node ids, capabilities missing from the registry, and mappings that
// reference the node itself or a later node. Because references may only
// point backwards, a valid definition is acyclic by construction.
func (d Definition) Validate(reg *registry.Registry) error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("workflow: name required")
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("workflow %s: at least one node required", d.Name)
	}
	seen := map[string]struct{}{}
	for _, n := range d.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("workflow %s: node id required", d.Name)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("workflow %s: duplicate node %q", d.Name, n.ID)
		}
		if _, _, err := reg.Lookup(n.Capability); err != nil {
			return fmt.Errorf("workflow %s: node %q: %w", d.Name, n.ID, err)
		}
		for field, ref := range n.InputMapping {
			src, err := parseRef(ref)
			if err != nil {
				return fmt.Errorf("workflow %s: node %q: input %q: %w", d.Name, n.ID, field, err)
			}
			if src.nodeID != "" {
				if _, ok := seen[src.nodeID]; !ok {
					return fmt.Errorf("workflow %s: node %q: input %q references %q which is not an earlier node", d.Name, n.ID, field, src.nodeID)
				}
			}
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}

type ref struct {
	requestField string
	nodeID       string
	nodeField    string
}

func parseRef(raw string) (ref, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "request."):
		field := strings.TrimPrefix(raw, "request.")
		if field == "" {
			return ref{}, errors.New("empty request field reference")
		}
		return ref{requestField: field}, nil
	case strings.HasPrefix(raw, "nodes."):
		rest := strings.TrimPrefix(raw, "nodes.")
		if rest == "" {
			return ref{}, errors.New("empty node reference")
		}
		parts := strings.SplitN(rest, ".", 2)
		r := ref{nodeID: parts[0]}
		if len(parts) == 2 {
			if parts[1] == "" {
				return ref{}, errors.New("empty node field reference")
			}
			r.nodeField = parts[1]
		}
		return r, nil
	default:
		return ref{}, fmt.Errorf("invalid input reference %q", raw)
	}
}

// Library holds every definition loaded at startup. Read-only afterwards.
type Library struct {
	defs map[string]Definition
}

// NewLibrary validates each definition against the registry and rejects
// duplicates. Any failure is a startup-time fatal configuration error.
func NewLibrary(reg *registry.Registry, defs []Definition) (*Library, error) {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if err := d.Validate(reg); err != nil {
			return nil, err
		}
		if _, dup := m[d.Name]; dup {
			return nil, fmt.Errorf("workflow: duplicate definition %q", d.Name)
		}
		m[d.Name] = d
	}
	return &Library{defs: m}, nil
}

func (l *Library) Get(name string) (Definition, error) {
	d, ok := l.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}
	return d, nil
}

func (l *Library) List() []string {
	out := make([]string, 0, len(l.defs))
	for name := range l.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadFile reads extra definitions from a JSON file ([]Definition).
func LoadFile(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow file: %w", err)
	}
	var defs []Definition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("workflow file %s: %w", path, err)
	}
	return defs, nil
}

// Builtins are the workflows shipped with the engine.
func Builtins() []Definition {
	return []Definition{
		{
			Name: "weekly_vendor_report",
			Nodes: []Node{
				{ID: "fetch_property", Capability: "get_property_details",
					InputMapping: map[string]string{"property_id": "request.property_id"}},
				{ID: "analyze_feedback", Capability: "analyze_open_home_feedback",
					InputMapping: map[string]string{"property_id": "request.property_id"}, Exposed: true},
				{ID: "generate_report", Capability: "generate_vendor_report",
					InputMapping: map[string]string{"property_id": "request.property_id"}},
			},
		},
		{
			Name: "arrears_detection",
			Nodes: []Node{
				{ID: "fetch_ledger", Capability: "check_ledger_arrears",
					InputMapping: map[string]string{"tenancy_id": "request.tenancy_id"}},
				{ID: "calculate_breach", Capability: "calculate_breach_status",
					InputMapping: map[string]string{"tenancy_id": "request.tenancy_id"}, Exposed: true},
				{ID: "classify_risk", Capability: "classify_arrears_risk",
					InputMapping: map[string]string{"breach_risk": "nodes.calculate_breach.breach_risk"}},
			},
		},
		{
			Name: "compliance_audit",
			Nodes: []Node{
				{ID: "fetch_documents", Capability: "list_property_documents",
					InputMapping: map[string]string{"property_id": "request.property_id"}},
				{ID: "ocr_documents", Capability: "ocr_document",
					InputMapping: map[string]string{"document_url": "nodes.fetch_documents.primary_document_url"}},
				{ID: "extract_dates", Capability: "extract_expiry_date",
					InputMapping: map[string]string{"text": "nodes.ocr_documents.extracted_text"}, Exposed: true},
				{ID: "audit_compliance", Capability: "audit_document_compliance",
					InputMapping: map[string]string{"extracted_dates": "nodes.extract_dates.extracted_dates"}},
			},
		},
	}
}
