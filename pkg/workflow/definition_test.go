package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tenure/pkg/models"
	"tenure/pkg/registry"
)

func testRegistry(t *testing.T, names ...string) *registry.Registry {
	t.Helper()
	regs := make([]registry.Registration, 0, len(names))
	for _, name := range names {
		regs = append(regs, registry.Registration{
			Descriptor: models.CapabilityDescriptor{Name: name, Kind: models.KindTool, Tier: models.TierA},
			Handler: registry.Func(func(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
				return map[string]any{}, nil
			}),
		})
	}
	reg, err := registry.Build(regs)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func TestDefinitionValidate(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, "step_one", "step_two")
	cases := []struct {
		name    string
		def     Definition
		wantErr bool
	}{
		{
			name: "valid_chain",
			def: Definition{Name: "wf", Nodes: []Node{
				{ID: "a", Capability: "step_one"},
				{ID: "b", Capability: "step_two", InputMapping: map[string]string{"x": "nodes.a.value", "y": "request.input"}},
			}},
		},
		{
			name:    "empty_name",
			def:     Definition{Nodes: []Node{{ID: "a", Capability: "step_one"}}},
			wantErr: true,
		},
		{
			name:    "no_nodes",
			def:     Definition{Name: "wf"},
			wantErr: true,
		},
		{
			name: "duplicate_node_id",
			def: Definition{Name: "wf", Nodes: []Node{
				{ID: "a", Capability: "step_one"},
				{ID: "a", Capability: "step_two"},
			}},
			wantErr: true,
		},
		{
			name: "unknown_capability",
			def: Definition{Name: "wf", Nodes: []Node{
				{ID: "a", Capability: "missing"},
			}},
			wantErr: true,
		},
		{
			name: "forward_reference",
			def: Definition{Name: "wf", Nodes: []Node{
				{ID: "a", Capability: "step_one", InputMapping: map[string]string{"x": "nodes.b.value"}},
				{ID: "b", Capability: "step_two"},
			}},
			wantErr: true,
		},
		{
			name: "self_reference",
			def: Definition{Name: "wf", Nodes: []Node{
				{ID: "a", Capability: "step_one", InputMapping: map[string]string{"x": "nodes.a.value"}},
			}},
			wantErr: true,
		},
		{
			name: "malformed_reference",
			def: Definition{Name: "wf", Nodes: []Node{
				{ID: "a", Capability: "step_one", InputMapping: map[string]string{"x": "outputs.a"}},
			}},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate(reg)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseRef(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    ref
		wantErr bool
	}{
		{raw: "request.property_id", want: ref{requestField: "property_id"}},
		{raw: "nodes.fetch", want: ref{nodeID: "fetch"}},
		{raw: "nodes.fetch.details", want: ref{nodeID: "fetch", nodeField: "details"}},
		{raw: "request.", wantErr: true},
		{raw: "nodes.", wantErr: true},
		{raw: "nodes.fetch.", wantErr: true},
		{raw: "bogus", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseRef(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseRef(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseRef(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("parseRef(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestNewLibraryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, "step_one")
	def := Definition{Name: "wf", Nodes: []Node{{ID: "a", Capability: "step_one"}}}
	if _, err := NewLibrary(reg, []Definition{def, def}); err == nil {
		t.Fatal("expected duplicate definition error")
	}
}

func TestLibraryGetAndList(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, "step_one")
	lib, err := NewLibrary(reg, []Definition{
		{Name: "beta", Nodes: []Node{{ID: "a", Capability: "step_one"}}},
		{Name: "alpha", Nodes: []Node{{ID: "a", Capability: "step_one"}}},
	})
	if err != nil {
		t.Fatalf("new library: %v", err)
	}
	if _, err := lib.Get("alpha"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := lib.Get("missing"); !errors.Is(err, ErrDefinitionNotFound) {
		t.Fatalf("expected ErrDefinitionNotFound, got %v", err)
	}
	names := lib.List()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("expected sorted names, got %v", names)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "workflows.json")
	payload := `[{"name":"wf","nodes":[{"node_id":"a","capability_name":"step_one","input_mapping":{"x":"request.id"}}]}]`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	defs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "wf" || defs[0].Nodes[0].InputMapping["x"] != "request.id" {
		t.Fatalf("unexpected definitions: %+v", defs)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestBuiltinsValidateAgainstFullRegistry(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t,
		"get_property_details", "analyze_open_home_feedback", "generate_vendor_report",
		"check_ledger_arrears", "calculate_breach_status", "classify_arrears_risk",
		"list_property_documents", "ocr_document", "extract_expiry_date", "audit_document_compliance",
	)
	for _, def := range Builtins() {
		if err := def.Validate(reg); err != nil {
			t.Fatalf("builtin %s invalid: %v", def.Name, err)
		}
	}
}
