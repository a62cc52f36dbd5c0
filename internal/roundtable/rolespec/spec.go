// Package rolespec carries the role catalogue: per-role system
// instructions, prompt flags, behaviors, and schema hints. The engine
// consumes RoleSpec as an opaque contract; the builtin catalogue and the
// YAML loader are conveniences layered on top.
package rolespec

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// TimeoutPolicy selects which configured timeout tuple applies to a role.
type TimeoutPolicy string

const (
	TimeoutPlanner TimeoutPolicy = "planner"
	TimeoutDefault TimeoutPolicy = "default"
)

// PromptFlags gate what the assistant may do during a role's turns.
type PromptFlags struct {
	AllowTools           bool `yaml:"allow_tools" json:"allow_tools"`
	AllowRead            bool `yaml:"allow_read" json:"allow_read"`
	AllowWrite           bool `yaml:"allow_write" json:"allow_write"`
	AllowFileSuggestions bool `yaml:"allow_file_suggestions" json:"allow_file_suggestions"`
}

// Behaviors control how the scheduler treats a role's output.
type Behaviors struct {
	TimeoutPolicy TimeoutPolicy `yaml:"timeout_policy" json:"timeout_policy"`
	ApplyFiles    bool          `yaml:"apply_files" json:"apply_files"`
	CanFinish     bool          `yaml:"can_finish" json:"can_finish"`
}

// Spec describes one role as supplied by the catalogue.
type Spec struct {
	Key                string      `yaml:"key" json:"key"`
	SystemInstructions string      `yaml:"system_instructions" json:"system_instructions"`
	Model              string      `yaml:"model" json:"model"`
	ModelEnv           string      `yaml:"model_env" json:"model_env"`
	ReasoningEffort    string      `yaml:"reasoning_effort" json:"reasoning_effort"`
	PromptFlags        PromptFlags `yaml:"prompt_flags" json:"prompt_flags"`
	Behaviors          Behaviors   `yaml:"behaviors" json:"behaviors"`
	SchemaHint         string      `yaml:"schema_hint" json:"schema_hint"`
	Skills             []string    `yaml:"skills" json:"skills"`

	compileOnce sync.Once
	compiled    *jsonschema.Schema
}

// ResolveModel applies the model_env override when the variable is set.
func (s *Spec) ResolveModel() string {
	if s == nil {
		return ""
	}
	if env := strings.TrimSpace(s.ModelEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(s.Model)
}

// Schema returns the compiled JSON-Schema for the role's schema_hint, or
// nil when the hint is prose (or empty). Prose hints still reach the
// prompt verbatim; they just aren't enforced.
func (s *Spec) Schema() *jsonschema.Schema {
	if s == nil {
		return nil
	}
	s.compileOnce.Do(func() {
		s.compiled = compileSchemaHint(s.SchemaHint)
	})
	return s.compiled
}

func compileSchemaHint(hint string) *jsonschema.Schema {
	hint = strings.TrimSpace(hint)
	if !strings.HasPrefix(hint, "{") {
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema_hint.json", strings.NewReader(hint)); err != nil {
		return nil
	}
	schema, err := c.Compile("schema_hint.json")
	if err != nil {
		return nil
	}
	return schema
}

// Catalogue maps canonical role keys to specs.
type Catalogue struct {
	specs map[string]*Spec
}

// Lookup resolves a role key case-insensitively.
func (c *Catalogue) Lookup(key string) (*Spec, error) {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return nil, fmt.Errorf("role key is empty")
	}
	spec, ok := c.specs[k]
	if !ok {
		return nil, fmt.Errorf("unknown role: %s", key)
	}
	return spec, nil
}

// Keys lists the catalogue's role keys.
func (c *Catalogue) Keys() []string {
	out := make([]string, 0, len(c.specs))
	for k := range c.specs {
		out = append(out, k)
	}
	return out
}

// LoadCatalogueFile reads a YAML catalogue and merges it over the
// builtins: file entries replace builtin roles with the same key.
func LoadCatalogueFile(path string) (*Catalogue, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Roles []*Spec `yaml:"roles"`
	}
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cat := Builtins()
	for _, spec := range doc.Roles {
		if spec == nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(spec.Key))
		if key == "" {
			return nil, fmt.Errorf("%s: role with empty key", path)
		}
		if spec.Behaviors.TimeoutPolicy == "" {
			spec.Behaviors.TimeoutPolicy = TimeoutDefault
		}
		spec.Key = key
		cat.specs[key] = spec
	}
	return cat, nil
}
