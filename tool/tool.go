// Package tool implements the Tool Registry & Executor (spec §4.5):
// lookup by declared name, panic-safe invocation,
// and the telemetry span wrapping every call. Grounded on hector's
// pkg/tools/registry.go ExecuteTool (span + Prometheus metrics around
// each tool invocation) and pkg/registry's generic BaseRegistry.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowstack/agentgraph/agenterrors"
)

// Spec declares one invokable tool: its name, JSON-Schema-shaped
// parameters, and the Module that implements it.
type Spec struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters"`
	Module      Module         `yaml:"-" json:"-"`
}

// CallContext is handed to a Module's Run method; it carries the minimum
// per-invocation context a tool needs (spec §4.5).
type CallContext struct {
	Ctx           context.Context
	MemoryManager any // *memory.Manager, typed as any to avoid an import cycle
	AgentModule   string
	SessionID     string
	StageName     string
}

// Module is the capability invoked when the LLM calls a tool by name.
type Module interface {
	Run(args map[string]any, cctx CallContext) (any, error)
}

// ModuleFunc adapts a plain function to the Module interface.
type ModuleFunc func(args map[string]any, cctx CallContext) (any, error)

func (f ModuleFunc) Run(args map[string]any, cctx CallContext) (any, error) {
	return f(args, cctx)
}

// Registry is a name-keyed, mutex-protected tool directory, following the
// generic BaseRegistry[T] pattern used throughout the teacher's pkg/registry
// and pkg/tools/registry.go.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Spec
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Spec)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return agenterrors.InvalidConfig("tool spec has empty name", nil)
	}
	if spec.Module == nil {
		return agenterrors.InvalidConfig(fmt.Sprintf("tool %q has no module", spec.Name), nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = spec
	return nil
}

// Get looks up a tool by its declared name. The bool result reports
// whether it was found, matching spec §4.5's "lookup by declared name"
// contract (a miss is not an error here — the caller synthesizes a
// tool-not-found result).
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.tools[name]
	return spec, ok
}

// List returns every registered tool spec, declaration order not
// guaranteed (callers needing stable order should sort by Name).
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.tools))
	for _, s := range r.tools {
		out = append(out, s)
	}
	return out
}

// Remove deletes a tool by name. It is not an error to remove a name
// that was never registered.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Count reports how many tools are registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Result is the outcome of Execute: exactly one of Value or Err is set,
// matching the spec's `{ok, value} | {error, ToolError}` contract.
type Result struct {
	Value any
	Err   error
}

// SpanHook lets the telemetry package observe tool_execution spans
// without tool importing telemetry (avoids an import cycle; telemetry
// wires itself in via Executor.SpanHook at session-construction time).
type SpanHook func(ctx context.Context, stage, toolName string, argKeys []string, fn func() (any, error)) (any, error)

// Executor invokes tools by name with panic-safe semantics and an
// optional telemetry hook wrapping every call.
type Executor struct {
	Registry *Registry
	SpanHook SpanHook
}

// NewExecutor builds an Executor over reg. If hook is nil, calls run
// unwrapped (used by tests that don't care about telemetry).
func NewExecutor(reg *Registry, hook SpanHook) *Executor {
	return &Executor{Registry: reg, SpanHook: hook}
}

// Execute looks up name and invokes its Module with args unchanged,
// catching any panic and converting it into a ToolError. A lookup miss
// is NOT a panic path: it returns a ToolError{cause: "Tool not defined: <name>"}
// per spec §4.6 step 2, so the LLM loop can feed it back as a tool result
// rather than crashing the stage.
func (e *Executor) Execute(ctx context.Context, stage, name string, args map[string]any, cctx CallContext) Result {
	argKeys := make([]string, 0, len(args))
	for k := range args {
		argKeys = append(argKeys, k)
	}

	run := func() (any, error) {
		spec, ok := e.Registry.Get(name)
		if !ok {
			return nil, agenterrors.ToolErrorKind(name, fmt.Errorf("Tool not defined: %s", name))
		}
		return e.invoke(spec, args, cctx)
	}

	var value any
	var err error
	if e.SpanHook != nil {
		value, err = e.SpanHook(ctx, stage, name, argKeys, run)
	} else {
		value, err = run()
	}
	return Result{Value: value, Err: err}
}

// invoke calls spec.Module.Run, recovering from any panic and
// converting it to a ToolError, matching spec §4.5's "any
// panic/exception is caught and converted".
func (e *Executor) invoke(spec Spec, args map[string]any, cctx CallContext) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = agenterrors.ToolErrorKind(spec.Name, fmt.Errorf("panic: %v", r))
		}
	}()
	value, err = spec.Module.Run(args, cctx)
	if err != nil {
		return nil, agenterrors.ToolErrorKind(spec.Name, err)
	}
	return value, nil
}
