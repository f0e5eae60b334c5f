package spec

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile parses path as YAML into an AgentSpec, applies defaults, and
// validates the result. This is an ambient configuration-loading
// convenience (see SPEC_FULL.md's AMBIENT STACK) — it performs no macro
// expansion or compile-time codegen, unlike the declarative DSL parser
// spec.md excludes as a non-goal.
func LoadFile(path string) (AgentSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return AgentSpec{}, fmt.Errorf("reading agent spec %s: %w", path, err)
	}
	return LoadBytes(raw)
}

// LoadBytes parses raw YAML bytes into a validated AgentSpec.
func LoadBytes(raw []byte) (AgentSpec, error) {
	var a AgentSpec
	if err := yaml.Unmarshal(raw, &a); err != nil {
		return AgentSpec{}, fmt.Errorf("parsing agent spec: %w", err)
	}
	a.Config.SetDefaults()
	if err := a.Validate(); err != nil {
		return AgentSpec{}, err
	}
	return a, nil
}
