package engine

import (
	"strings"
	"testing"

	"github.com/danshapiro/roundtable/internal/roundtable/rolespec"
)

func TestAssemblePrompt_SectionOrder(t *testing.T) {
	cat := rolespec.Builtins()
	spec, _ := cat.Lookup("planner")
	prompt := AssemblePrompt(PromptInput{
		RoleName:   "planner",
		Spec:       spec,
		Goal:       "ship the feature",
		CycleIndex: 2,
		Payload:    map[string]any{"summary": "prior"},
		PayloadCap: 4096,
	})

	markers := []string{
		"## Role: planner (cycle 2)",
		spec.SystemInstructions[:40],
		"Skills: ",
		"## Goal",
		"ship the feature",
		"## Incoming payload",
		`"summary": "prior"`,
		"Rules:",
		"Respond with exactly one JSON object",
		"Expected shape:",
	}
	last := -1
	for _, m := range markers {
		idx := strings.Index(prompt, m)
		if idx < 0 {
			t.Fatalf("marker %q missing in prompt:\n%s", m, prompt)
		}
		if idx < last {
			t.Fatalf("marker %q out of order", m)
		}
		last = idx
	}
	if strings.Contains(prompt, repairInstruction) {
		t.Fatal("repair instruction must be absent when is_repair=false")
	}
}

func TestAssemblePrompt_RepairInstructionLast(t *testing.T) {
	prompt := AssemblePrompt(PromptInput{
		RoleName:   "planner",
		Goal:       "g",
		CycleIndex: 1,
		IsRepair:   true,
	})
	idx := strings.Index(prompt, repairInstruction)
	if idx < 0 {
		t.Fatal("repair instruction missing")
	}
	if strings.TrimSpace(prompt[idx+len(repairInstruction):]) != "" {
		t.Fatal("repair instruction must be the final section")
	}
}

func TestAssemblePrompt_PayloadTruncation(t *testing.T) {
	big := strings.Repeat("x", 10_000)
	prompt := AssemblePrompt(PromptInput{
		RoleName:   "r",
		Goal:       "g",
		CycleIndex: 1,
		Payload:    map[string]any{"blob": big},
		PayloadCap: 4096,
	})
	if !strings.Contains(prompt, "(payload truncated)") {
		t.Fatal("expected truncation marker")
	}
	if strings.Contains(prompt, big) {
		t.Fatal("full payload should not survive the cap")
	}
}

func TestAssemblePrompt_IsPure(t *testing.T) {
	in := PromptInput{
		RoleName:   "r",
		Goal:       "g",
		CycleIndex: 3,
		Payload:    map[string]any{"a": float64(1), "b": "two"},
		PayloadCap: 4096,
	}
	if AssemblePrompt(in) != AssemblePrompt(in) {
		t.Fatal("same input must produce the same prompt")
	}
}
