package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danshapiro/roundtable/internal/roundtable/rolespec"
)

// PromptInput is everything the assembler needs; assembly is pure.
type PromptInput struct {
	RoleName   string
	Spec       *rolespec.Spec
	Goal       string
	CycleIndex int
	Payload    map[string]any
	IsRepair   bool
	PayloadCap int
}

const (
	rulesBlock = `Rules:
- Stay within the workspace; never reference files outside it.
- Keep the response focused on this role's responsibility.
- Set "status" to "DONE" only when the goal is fully met, otherwise "CONTINUE".`

	jsonContract = `Respond with exactly one JSON object. No prose before or after it. No code fence.`

	repairInstruction = `Your previous reply could not be parsed. Return ONLY the JSON object matching the previous request, no prose, no code fence.`
)

// AssemblePrompt builds the prompt for one role turn. Section order is
// fixed: role header, system instructions, skill references, goal,
// incoming payload, rules, JSON contract, schema hint, repair instruction.
func AssemblePrompt(in PromptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Role: %s (cycle %d)\n\n", in.RoleName, in.CycleIndex)

	instructions := ""
	if in.Spec != nil {
		instructions = strings.TrimSpace(in.Spec.SystemInstructions)
	}
	b.WriteString(instructions)
	b.WriteString("\n\n")

	if in.Spec != nil && len(in.Spec.Skills) > 0 {
		b.WriteString("Skills: ")
		b.WriteString(strings.Join(in.Spec.Skills, ", "))
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "## Goal\n\n%s\n\n", strings.TrimSpace(in.Goal))

	fmt.Fprintf(&b, "## Incoming payload\n\n%s\n\n", renderPayload(in.Payload, in.PayloadCap))

	b.WriteString(rulesBlock)
	b.WriteString("\n\n")
	b.WriteString(jsonContract)
	b.WriteString("\n")

	if in.Spec != nil && strings.TrimSpace(in.Spec.SchemaHint) != "" {
		fmt.Fprintf(&b, "\nExpected shape:\n%s\n", strings.TrimSpace(in.Spec.SchemaHint))
	}

	if in.IsRepair {
		b.WriteString("\n")
		b.WriteString(repairInstruction)
		b.WriteString("\n")
	}
	return b.String()
}

func renderPayload(payload map[string]any, limit int) string {
	if payload == nil {
		return "{}"
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "{}"
	}
	s := string(b)
	if limit > 0 && len(s) > limit {
		s = s[:limit] + "\n... (payload truncated)"
	}
	return s
}
