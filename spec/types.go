// Package spec defines the immutable data model an AgentSpec is built
// from (spec.md §3). Specs are produced externally (by a DSL parser, a
// SQL-backed loader, or hand-written Go) and handed to the session package
// already parsed; this package owns only the shape and its validation.
package spec

import (
	"fmt"

	"github.com/flowstack/agentgraph/tool"
)

// AgentSpec is the frozen, top-level description of one agent: an ordered
// DAG of stages, a set of named memory sources, agent-wide config, and an
// opaque reference to the lifecycle callback module (see spec.md §4.7).
type AgentSpec struct {
	Name          string             `yaml:"name" json:"name"`
	Stages        []StageSpec        `yaml:"stages" json:"stages"`
	MemorySources []MemorySourceSpec `yaml:"memory_sources" json:"memory_sources"`
	Config        AgentConfig        `yaml:"config" json:"config"`
	Lifecycle     LifecycleHooks     `yaml:"-" json:"-"`
}

// AgentConfig carries agent-wide knobs.
type AgentConfig struct {
	// MaxToolIterations bounds provider calls per stage (spec §4.6).
	// Zero means "use the package default of 5".
	MaxToolIterations int `yaml:"max_tool_iterations" json:"max_tool_iterations"`
}

// DefaultMaxToolIterations is the spec-mandated default iteration cap.
const DefaultMaxToolIterations = 5

// SetDefaults fills zero-valued fields with their spec-mandated defaults,
// following the teacher's `config.SetDefaults()` convention.
func (c *AgentConfig) SetDefaults() {
	if c.MaxToolIterations == 0 {
		c.MaxToolIterations = DefaultMaxToolIterations
	}
}

// StageSpec describes one DAG node.
type StageSpec struct {
	Name         string         `yaml:"name" json:"name"`
	DependsOn    []string       `yaml:"depends_on" json:"depends_on"`
	LLM          *LLMCall       `yaml:"llm,omitempty" json:"llm,omitempty"`
	Entrypoint   bool           `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	InputSource  *InputSource   `yaml:"input_source,omitempty" json:"input_source,omitempty"`
	InputSchema  map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputSchema map[string]any `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
}

// InputSource describes the `{from, select}` stage-input projection rule
// of spec.md §4.7 "Input preparation".
type InputSource struct {
	From   string `yaml:"from" json:"from"`
	Select string `yaml:"select,omitempty" json:"select,omitempty"`
}

// LLMCall is a single provider-request template for a stage. A stage may
// issue many LLMCall-shaped requests in its tool loop, but the spec is
// declared once per stage.
type LLMCall struct {
	Model    string        `yaml:"model" json:"model"`
	Provider Provider      `yaml:"-" json:"-"`
	Params   LLMParams     `yaml:"params" json:"params"`
	Messages []MessageSpec `yaml:"messages" json:"messages"`
	Tools    []tool.Spec   `yaml:"tools" json:"tools"`
}

// LLMParams carries sampling knobs and the optional structured-response
// schema.
type LLMParams struct {
	Temperature        *float64               `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens          *int                   `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	APIKeyResolver     func() (string, error) `yaml:"-" json:"-"`
	StructuredResponse map[string]any         `yaml:"structured_response,omitempty" json:"structured_response,omitempty"`
}

// MessageSpec is one templated message in an LLMCall's declared history.
type MessageSpec struct {
	Role  string         `yaml:"role" json:"role"`
	Parts []PartTemplate `yaml:"parts" json:"parts"`
}

// PartTemplate is the declared (pre-expansion) shape of a Part: either
// templated text or literal structured data.
type PartTemplate struct {
	Text string         `yaml:"text,omitempty" json:"text,omitempty"`
	Data map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
}

// MemorySourceSpec declares one named memory backend.
type MemorySourceSpec struct {
	Name    string         `yaml:"name" json:"name"`
	Backend string         `yaml:"backend" json:"backend"` // "memory", "redis", ...
	Opts    map[string]any `yaml:"opts,omitempty" json:"opts,omitempty"`
	Default bool           `yaml:"default,omitempty" json:"default,omitempty"`
}

// Provider is an LLM completion capability that an LLMCall can carry.
// The session package does not read LLMCall.Provider; it calls the
// llmproc.Provider passed to session.New instead.
type Provider interface {
	Completion(ctx any, model string, messages any, params LLMParams, tools []tool.Spec) (any, error)
}

// Validate checks structural invariants: at least one stage, unique
// names, and every depends_on referencing a declared stage. Cycle
// detection is the DAG package's job (spec.md §4.1); this only checks
// the invariants that are cheap to verify on the raw spec.
func (a *AgentSpec) Validate() error {
	if len(a.Stages) == 0 {
		return fmt.Errorf("agent spec %q declares no stages", a.Name)
	}
	seen := make(map[string]bool, len(a.Stages))
	for _, s := range a.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
	}
	declared := make(map[string]bool, len(a.Stages))
	for _, s := range a.Stages {
		declared[s.Name] = true
	}
	for _, s := range a.Stages {
		for _, dep := range s.DependsOn {
			if !declared[dep] {
				return fmt.Errorf("stage %q depends on undeclared stage %q", s.Name, dep)
			}
		}
	}
	defaultCount := 0
	names := make(map[string]bool, len(a.MemorySources))
	for _, m := range a.MemorySources {
		if m.Name == "" {
			return fmt.Errorf("memory source with empty name")
		}
		if names[m.Name] {
			return fmt.Errorf("duplicate memory source name %q", m.Name)
		}
		names[m.Name] = true
		if m.Default {
			defaultCount++
		}
	}
	if defaultCount > 1 {
		return fmt.Errorf("at most one memory source may be marked default, found %d", defaultCount)
	}
	return nil
}

// LifecycleHooks is the polymorphic capability set of spec.md §4.7 and
// §9 "Callback module as capability set". Every hook is optional; a
// zero-value LifecycleHooks behaves as a no-op passthrough for every
// callback.
type LifecycleHooks struct {
	HandleStageStart   func(ctx StageContext, state UserState) (UserState, error)
	HandleToolCall     func(ctx ToolCallContext, state UserState) (UserState, error)
	HandleToolResult   func(ctx ToolResultContext, state UserState) (UserState, error)
	HandleError        func(ctx ErrorContext, state UserState) (ErrorDecision, UserState, error)
	HandleStageFinish  func(ctx StageContext, result any, state UserState) (UserState, error)
	HandleComplete     func(results map[string]any, state UserState) (UserState, error)
}

// UserState is the opaque, user-defined state threaded through callbacks
// (spec.md §3 SessionState.user_state).
type UserState map[string]any

// Clone returns a shallow copy of the state map, used whenever the
// executor hands a snapshot to a concurrently-dispatched stage worker
// (spec.md §5 "Ordering guarantees").
func (s UserState) Clone() UserState {
	if s == nil {
		return UserState{}
	}
	out := make(UserState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// StageContext is passed to HandleStageStart/HandleStageFinish.
type StageContext struct {
	SessionID string
	StageName string
}

// ToolCallContext is passed to HandleToolCall.
type ToolCallContext struct {
	SessionID string
	StageName string
	ToolName  string
	Args      map[string]any
}

// ToolResultContext is passed to HandleToolResult.
type ToolResultContext struct {
	SessionID string
	StageName string
	ToolName  string
	Result    any
	Err       error
}

// ErrorContext is passed to HandleError.
type ErrorContext struct {
	SessionID string
	StageName string
	Class     string
	Cause     error
}

// ErrorDecision is the recovery directive returned by HandleError
// (spec.md §4.8).
type ErrorDecision string

const (
	DecisionRetry   ErrorDecision = "retry"
	DecisionRestart ErrorDecision = "restart"
	DecisionStop    ErrorDecision = "stop"
)
