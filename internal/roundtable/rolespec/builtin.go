package rolespec

// Builtins returns the default role catalogue. Callers get a fresh
// Catalogue each time; the spec pointers are shared and treated as
// read-only by convention.
func Builtins() *Catalogue {
	specs := map[string]*Spec{}
	for _, s := range builtinSpecs {
		specs[s.Key] = s
	}
	return &Catalogue{specs: specs}
}

var builtinSpecs = []*Spec{
	{
		Key: "planner",
		SystemInstructions: "You are the planning role. Break the goal into a concrete, ordered plan. " +
			"Identify risks, unknowns, and the first implementation steps. Do not write code.",
		ReasoningEffort: "high",
		PromptFlags:     PromptFlags{AllowRead: true},
		Behaviors:       Behaviors{TimeoutPolicy: TimeoutPlanner},
		SchemaHint: `{"type":"object","properties":{"summary":{"type":"string"},"plan":{"type":"array","items":{"type":"string"}},"status":{"type":"string"}},"required":["summary"]}`,
		Skills:     []string{"decompose", "estimate"},
	},
	{
		Key: "architect",
		SystemInstructions: "You are the architecture role. Turn the plan into module boundaries, " +
			"interfaces, and data shapes. Flag anything the plan got wrong.",
		ReasoningEffort: "high",
		PromptFlags:     PromptFlags{AllowRead: true, AllowFileSuggestions: true},
		Behaviors:       Behaviors{TimeoutPolicy: TimeoutDefault},
		SchemaHint:      "Respond with an object holding summary, design notes, and status.",
	},
	{
		Key: "implementer",
		SystemInstructions: "You are the implementation role. Produce the file contents that realise " +
			"the design. Propose complete files, never diffs.",
		PromptFlags: PromptFlags{AllowTools: true, AllowRead: true, AllowWrite: true, AllowFileSuggestions: true},
		Behaviors:   Behaviors{TimeoutPolicy: TimeoutDefault, ApplyFiles: true},
		SchemaHint: `{"type":"object","properties":{"summary":{"type":"string"},"files":{"type":"array"},"status":{"type":"string"}},"required":["summary","status"]}`,
		Skills:     []string{"write-files"},
	},
	{
		Key: "integrator",
		SystemInstructions: "You are the integration role. Review the applied changes and test " +
			"results, fix residual issues, and decide whether the goal is met. Set status to DONE only " +
			"when nothing remains.",
		PromptFlags: PromptFlags{AllowTools: true, AllowRead: true, AllowWrite: true, AllowFileSuggestions: true},
		Behaviors:   Behaviors{TimeoutPolicy: TimeoutDefault, ApplyFiles: true, CanFinish: true},
		SchemaHint: `{"type":"object","properties":{"summary":{"type":"string"},"files":{"type":"array"},"status":{"type":"string"}},"required":["summary","status"]}`,
	},
}
