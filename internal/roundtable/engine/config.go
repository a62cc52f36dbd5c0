package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigError names the offending field so the CLI can surface it.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// AssistantConfig locates and launches the assistant app-server binary.
type AssistantConfig struct {
	Binary        string            `json:"binary,omitempty" yaml:"binary,omitempty"`
	FallbackPaths []string          `json:"fallback_paths,omitempty" yaml:"fallback_paths,omitempty"`
	Subcommand    string            `json:"subcommand,omitempty" yaml:"subcommand,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// RoleBindingConfig is one step of the cycle, in declaration order.
type RoleBindingConfig struct {
	Name  string `json:"name" yaml:"name"`
	Role  string `json:"role,omitempty" yaml:"role,omitempty"`
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
}

// Config is the scheduler's configuration surface.
type Config struct {
	Goal           string   `json:"goal" yaml:"goal"`
	Cycles         int      `json:"cycles,omitempty" yaml:"cycles,omitempty"`
	RunTests       bool     `json:"run_tests,omitempty" yaml:"run_tests,omitempty"`
	TestCommand    []string `json:"test_command,omitempty" yaml:"test_command,omitempty"`
	RepairAttempts *int     `json:"repair_attempts,omitempty" yaml:"repair_attempts,omitempty"`

	// TestOutputCapBytes bounds captured test stdout/stderr, each.
	TestOutputCapBytes int `json:"test_output_cap_bytes,omitempty" yaml:"test_output_cap_bytes,omitempty"`

	IdleTimeoutDefaultS    int `json:"idle_timeout_default_s,omitempty" yaml:"idle_timeout_default_s,omitempty"`
	OverallTimeoutDefaultS int `json:"overall_timeout_default_s,omitempty" yaml:"overall_timeout_default_s,omitempty"`
	IdleTimeoutPlannerS    int `json:"idle_timeout_planner_s,omitempty" yaml:"idle_timeout_planner_s,omitempty"`
	OverallTimeoutPlannerS int `json:"overall_timeout_planner_s,omitempty" yaml:"overall_timeout_planner_s,omitempty"`
	HandshakeTimeoutS      int `json:"handshake_timeout_s,omitempty" yaml:"handshake_timeout_s,omitempty"`

	AllowedFileExtensions []string `json:"allowed_file_extensions,omitempty" yaml:"allowed_file_extensions,omitempty"`
	ProtectedGlobs        []string `json:"protected_globs,omitempty" yaml:"protected_globs,omitempty"`

	WorkspaceRoot string `json:"workspace_root,omitempty" yaml:"workspace_root,omitempty"`
	RunsRoot      string `json:"runs_root,omitempty" yaml:"runs_root,omitempty"`

	PromptPayloadCapBytes int `json:"prompt_payload_cap_bytes,omitempty" yaml:"prompt_payload_cap_bytes,omitempty"`

	Assistant AssistantConfig `json:"assistant,omitempty" yaml:"assistant,omitempty"`

	// RoleCatalogue optionally points at a YAML catalogue file merged
	// over the builtin roles.
	RoleCatalogue string `json:"role_catalogue,omitempty" yaml:"role_catalogue,omitempty"`

	Roles []RoleBindingConfig `json:"roles" yaml:"roles"`
}

// LoadConfigFile reads a YAML or JSON config with strict decoding, applies
// defaults, and validates.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, &ConfigError{Field: path, Msg: err.Error()}
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, &ConfigError{Field: path, Msg: err.Error()}
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// ApplyDefaults fills unset fields. Safe to call more than once.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if c.Cycles == 0 {
		c.Cycles = 1
	}
	if c.RepairAttempts == nil {
		v := 1
		c.RepairAttempts = &v
	}
	if c.IdleTimeoutDefaultS == 0 {
		c.IdleTimeoutDefaultS = 120
	}
	if c.OverallTimeoutDefaultS == 0 {
		c.OverallTimeoutDefaultS = 900
	}
	if c.IdleTimeoutPlannerS == 0 {
		c.IdleTimeoutPlannerS = 180
	}
	if c.OverallTimeoutPlannerS == 0 {
		c.OverallTimeoutPlannerS = 1200
	}
	if c.HandshakeTimeoutS == 0 {
		c.HandshakeTimeoutS = 15
	}
	if strings.TrimSpace(c.WorkspaceRoot) == "" {
		c.WorkspaceRoot = "."
	}
	if strings.TrimSpace(c.RunsRoot) == "" {
		c.RunsRoot = ".runs"
	}
	if c.TestOutputCapBytes == 0 {
		c.TestOutputCapBytes = 64 * 1024
	}
	if c.PromptPayloadCapBytes == 0 {
		c.PromptPayloadCapBytes = 64 * 1024
	}
	if c.PromptPayloadCapBytes < 4096 {
		c.PromptPayloadCapBytes = 4096
	}
	if strings.TrimSpace(c.Assistant.Subcommand) == "" {
		c.Assistant.Subcommand = "app-server"
	}
	c.TestCommand = trimNonEmpty(c.TestCommand)
	c.AllowedFileExtensions = normalizeExtensions(c.AllowedFileExtensions)
	c.ProtectedGlobs = trimNonEmpty(c.ProtectedGlobs)
	for i := range c.Roles {
		c.Roles[i].Name = strings.TrimSpace(c.Roles[i].Name)
		if strings.TrimSpace(c.Roles[i].Role) == "" {
			c.Roles[i].Role = c.Roles[i].Name
		}
	}
}

// Validate checks the whole surface; errors carry the field name.
func (c *Config) Validate() error {
	if c == nil {
		return &ConfigError{Field: "config", Msg: "is nil"}
	}
	if strings.TrimSpace(c.Goal) == "" {
		return &ConfigError{Field: "goal", Msg: "is required"}
	}
	if c.Cycles < 1 {
		return &ConfigError{Field: "cycles", Msg: "must be >= 1"}
	}
	if c.RepairAttempts != nil && *c.RepairAttempts < 0 {
		return &ConfigError{Field: "repair_attempts", Msg: "must be >= 0"}
	}
	if c.RunTests && len(c.TestCommand) == 0 {
		return &ConfigError{Field: "test_command", Msg: "required when run_tests is true"}
	}
	if err := validateTimeoutPair("idle_timeout_default_s", c.IdleTimeoutDefaultS, "overall_timeout_default_s", c.OverallTimeoutDefaultS); err != nil {
		return err
	}
	if err := validateTimeoutPair("idle_timeout_planner_s", c.IdleTimeoutPlannerS, "overall_timeout_planner_s", c.OverallTimeoutPlannerS); err != nil {
		return err
	}
	if c.HandshakeTimeoutS < 1 {
		return &ConfigError{Field: "handshake_timeout_s", Msg: "must be >= 1"}
	}
	if len(c.Roles) == 0 {
		return &ConfigError{Field: "roles", Msg: "at least one role binding is required"}
	}
	seen := map[string]bool{}
	for i, rb := range c.Roles {
		field := fmt.Sprintf("roles[%d].name", i)
		if rb.Name == "" {
			return &ConfigError{Field: field, Msg: "is required"}
		}
		if seen[rb.Name] {
			return &ConfigError{Field: field, Msg: fmt.Sprintf("duplicate role name %q", rb.Name)}
		}
		seen[rb.Name] = true
	}
	return nil
}

func validateTimeoutPair(idleField string, idle int, overallField string, overall int) error {
	if idle < 1 {
		return &ConfigError{Field: idleField, Msg: "must be >= 1"}
	}
	if overall < idle {
		return &ConfigError{Field: overallField, Msg: fmt.Sprintf("must be >= %s", idleField)}
	}
	if overall > 3600 {
		return &ConfigError{Field: overallField, Msg: "must be <= 3600"}
	}
	return nil
}

func normalizeExtensions(in []string) []string {
	out := []string{}
	for _, ext := range in {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

func trimNonEmpty(in []string) []string {
	out := []string{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
