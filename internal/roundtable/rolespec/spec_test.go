package rolespec

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltins_LookupAndShape(t *testing.T) {
	cat := Builtins()
	for _, key := range []string{"planner", "architect", "implementer", "integrator"} {
		spec, err := cat.Lookup(key)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", key, err)
		}
		if spec.SystemInstructions == "" {
			t.Fatalf("%s: empty system instructions", key)
		}
	}
	if spec, _ := cat.Lookup("PLANNER"); spec == nil || spec.Behaviors.TimeoutPolicy != TimeoutPlanner {
		t.Fatalf("case-insensitive lookup / planner policy: %+v", spec)
	}
	if spec, _ := cat.Lookup("integrator"); !spec.Behaviors.CanFinish || !spec.Behaviors.ApplyFiles {
		t.Fatal("integrator must apply files and be able to finish")
	}
	if _, err := cat.Lookup("barista"); err == nil {
		t.Fatal("expected unknown role error")
	}
}

func TestSchema_CompiledForJSONHintsOnly(t *testing.T) {
	cat := Builtins()
	planner, _ := cat.Lookup("planner")
	schema := planner.Schema()
	if schema == nil {
		t.Fatal("planner schema_hint should compile")
	}
	if err := schema.Validate(map[string]any{"summary": "s", "status": "CONTINUE"}); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := schema.Validate(map[string]any{"status": "CONTINUE"}); err == nil {
		t.Fatal("missing summary should fail validation")
	}

	architect, _ := cat.Lookup("architect")
	if architect.Schema() != nil {
		t.Fatal("prose hint must not compile to a schema")
	}
}

func TestResolveModel_EnvOverride(t *testing.T) {
	spec := &Spec{Model: "base-model", ModelEnv: "PLANNER_MODEL"}
	if got := spec.ResolveModel(); got != "base-model" {
		t.Fatalf("without env: %q", got)
	}
	t.Setenv("PLANNER_MODEL", "override-model")
	if got := spec.ResolveModel(); got != "override-model" {
		t.Fatalf("with env: %q", got)
	}
}

func TestLoadCatalogueFile_MergesOverBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(path, []byte(`
roles:
  - key: Reviewer
    system_instructions: Review the work.
    behaviors:
      apply_files: false
      can_finish: true
  - key: planner
    system_instructions: Custom planning brief.
`), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := LoadCatalogueFile(path)
	if err != nil {
		t.Fatalf("LoadCatalogueFile: %v", err)
	}
	reviewer, err := cat.Lookup("reviewer")
	if err != nil || !reviewer.Behaviors.CanFinish {
		t.Fatalf("reviewer: %+v err=%v", reviewer, err)
	}
	if reviewer.Behaviors.TimeoutPolicy != TimeoutDefault {
		t.Fatalf("defaulted timeout policy: %q", reviewer.Behaviors.TimeoutPolicy)
	}
	planner, _ := cat.Lookup("planner")
	if planner.SystemInstructions != "Custom planning brief." {
		t.Fatalf("planner not overridden: %q", planner.SystemInstructions)
	}
	// Untouched builtins survive the merge.
	if _, err := cat.Lookup("implementer"); err != nil {
		t.Fatalf("implementer lost: %v", err)
	}
}

func TestLoadCatalogueFile_RejectsUnknownFieldsAndEmptyKeys(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("roles:\n  - key: x\n    frobnicate: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCatalogueFile(bad); err == nil {
		t.Fatal("unknown field should fail strict decode")
	}
	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("roles:\n  - system_instructions: no key\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCatalogueFile(empty); err == nil {
		t.Fatal("empty key should be rejected")
	}
}
