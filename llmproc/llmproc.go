// Package llmproc implements the LLM Processor (spec §4.6): the
// recursive tool-calling loop bounded by max_tool_iterations, structured
// response validation via JSON Schema, and parallel dispatch of tool
// calls within one assistant turn. Grounded on the teacher's
// pkg/agent/llmagent/flow.go Flow.Run/runOneStep/handleToolCalls, adapted
// from a2a-go's Part/Message types to this module's own part package.
package llmproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flowstack/agentgraph/agenterrors"
	"github.com/flowstack/agentgraph/message"
	"github.com/flowstack/agentgraph/part"
	"github.com/flowstack/agentgraph/spec"
	"github.com/flowstack/agentgraph/tool"
)

// Provider is the one external capability this package depends on
// (spec §6): a pure completion function over a model, message history,
// params and declared tools.
type Provider interface {
	Completion(ctx context.Context, model string, history []part.Message, params spec.LLMParams, tools []tool.Spec) ([]part.Part, error)
}

// Hooks bundles the lifecycle callbacks consulted during the loop
// (spec §4.7's capability set, the subset the processor itself invokes).
type Hooks struct {
	HandleToolCall   func(ctx spec.ToolCallContext, state spec.UserState) (spec.UserState, error)
	HandleToolResult func(ctx spec.ToolResultContext, state spec.UserState) (spec.UserState, error)
}

// SpanFunc wraps one llm_call or tool_execution invocation with
// telemetry; nil disables wrapping (used in tests).
type SpanFunc func(ctx context.Context, event string, attrs map[string]string, fn func() error) error

// Result is the LLM Processor's output on success (spec §4.6).
type Result struct {
	FinalParts     []part.Part
	StructuredData map[string]any // set only when params.StructuredResponse validated successfully
	History        []part.Message
	UserState      spec.UserState
}

// Processor runs the recursive tool-calling loop for one stage
// invocation.
type Processor struct {
	Provider Provider
	Executor *tool.Executor
	Hooks    Hooks
	Span     SpanFunc
}

// Run drives the loop described in spec §4.6: send → receive → classify
// → dispatch tools in parallel → feed results back → repeat, bounded by
// maxIterations (0 means "fail immediately", matching the boundary
// behavior in spec §8).
func (p *Processor) Run(
	ctx context.Context,
	call spec.LLMCall,
	history []part.Message,
	declaredTools []tool.Spec,
	maxIterations int,
	agentModule, sessionID, stageName string,
	userState spec.UserState,
	cctxBase tool.CallContext,
) (Result, error) {
	i := maxIterations
	hist := append([]part.Message(nil), history...)
	state := userState

	for {
		if i == 0 {
			return Result{}, agenterrors.MaxIterations(stageName)
		}

		parts, err := p.complete(ctx, call, hist, declaredTools, agentModule, sessionID, stageName)
		if err != nil {
			return Result{}, err
		}

		validated, structured, err := p.validateStructured(parts, call.Params.StructuredResponse)
		if err != nil {
			return Result{}, err
		}
		parts = validated

		assistantMsg := message.NormalizeResponse(parts)
		hist = append(hist, assistantMsg)

		// content, below, is re-added to hist via MergeIntermediateWithResults
		// as a second assistant turn ahead of the tool results. This
		// duplicates assistantMsg's text/data content in history when calls is
		// non-empty — the §4.6 pseudocode does this deliberately, to give the
		// provider the intermediate reasoning as its own turn immediately
		// before the tool outputs it produced.
		content, calls := message.SeparateFunctionCalls(assistantMsg)
		if len(calls) == 0 && len(content) == 0 {
			return Result{}, agenterrors.EmptyResponse(stageName)
		}
		if len(calls) == 0 {
			return Result{FinalParts: parts, StructuredData: structured, History: hist, UserState: state}, nil
		}

		outcomes, newState := p.executeCalls(ctx, calls, agentModule, sessionID, stageName, state, cctxBase)
		state = newState

		followUp := message.MergeIntermediateWithResults(content, outcomes)
		hist = append(hist, followUp...)
		i--
	}
}

func (p *Processor) complete(ctx context.Context, call spec.LLMCall, hist []part.Message, tools []tool.Spec, agentModule, sessionID, stageName string) ([]part.Part, error) {
	var parts []part.Part
	var err error
	run := func() error {
		parts, err = p.Provider.Completion(ctx, call.Model, hist, call.Params, tools)
		return err
	}
	if p.Span != nil {
		attrs := map[string]string{
			"agent": agentModule, "session_id": sessionID, "stage": stageName,
			"provider": agentModule, "model": call.Model,
		}
		_ = p.Span(ctx, "llm_call", attrs, run)
	} else {
		_ = run()
	}
	if err != nil {
		return nil, err
	}
	return parts, nil
}

// validateStructured implements spec §4.6's structured-response
// validation: if params.StructuredResponse is set, the final message
// MUST contain a DataPart conforming to the schema; on success the
// validated map is returned alongside the parts unchanged.
func (p *Processor) validateStructured(parts []part.Part, schema map[string]any) ([]part.Part, map[string]any, error) {
	if schema == nil {
		return parts, nil, nil
	}
	msg := part.NewMessage(part.RoleAssistant, parts...)
	dp, ok := msg.FirstDataPart()
	if !ok {
		return nil, nil, agenterrors.ValidationError("structured response required but no DataPart present", nil)
	}
	if err := validateAgainstSchema(dp.Data, schema); err != nil {
		return nil, nil, agenterrors.ValidationError("structured response failed schema validation", err)
	}
	return parts, dp.Data, nil
}

func validateAgainstSchema(data map[string]any, schemaMap map[string]any) error {
	schemaJSON, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("encoding schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding data: %w", err)
	}
	var v any
	if err := json.Unmarshal(dataJSON, &v); err != nil {
		return fmt.Errorf("decoding data: %w", err)
	}
	return compiled.Validate(v)
}

// executeCalls dispatches every FunctionCallPart in one assistant turn
// in parallel (spec §5: "within a stage, each tool call in a single
// assistant turn is ALSO executed in parallel"), preserving result order
// to match the original call order when building the follow-up message.
func (p *Processor) executeCalls(
	ctx context.Context,
	calls []part.FunctionCallPart,
	agentModule, sessionID, stageName string,
	state spec.UserState,
	cctxBase tool.CallContext,
) ([]message.ToolOutcome, spec.UserState) {
	outcomes := make([]message.ToolOutcome, len(calls))
	var mu sync.Mutex // serializes state mutation; spec §5 requires the
	// executor apply callback mutations serially even though calls run
	// concurrently.
	var wg sync.WaitGroup

	for idx, call := range calls {
		wg.Add(1)
		go func(idx int, call part.FunctionCallPart) {
			defer wg.Done()
			outcomes[idx] = p.executeSingle(ctx, call, agentModule, sessionID, stageName, &state, &mu, cctxBase)
		}(idx, call)
	}
	wg.Wait()
	return outcomes, state
}

// executeSingle implements spec §4.6's execute_single_tool_call steps 1-5.
func (p *Processor) executeSingle(
	ctx context.Context,
	call part.FunctionCallPart,
	agentModule, sessionID, stageName string,
	state *spec.UserState,
	mu *sync.Mutex,
	cctxBase tool.CallContext,
) message.ToolOutcome {
	mu.Lock()
	current := *state
	mu.Unlock()

	if p.Hooks.HandleToolCall != nil {
		updated, err := p.Hooks.HandleToolCall(spec.ToolCallContext{
			SessionID: sessionID, StageName: stageName, ToolName: call.Name, Args: call.Arguments,
		}, current)
		if err == nil {
			mu.Lock()
			*state = updated
			mu.Unlock()
		} else {
			slog.Warn("handle_tool_call failed, keeping current state", "tool", call.Name, "error", err)
		}
	}

	cctx := cctxBase
	cctx.Ctx = ctx
	cctx.AgentModule = agentModule
	cctx.SessionID = sessionID
	cctx.StageName = stageName

	result := p.Executor.Execute(ctx, stageName, call.Name, call.Arguments, cctx)

	mu.Lock()
	current = *state
	mu.Unlock()
	if p.Hooks.HandleToolResult != nil {
		updated, err := p.Hooks.HandleToolResult(spec.ToolResultContext{
			SessionID: sessionID, StageName: stageName, ToolName: call.Name, Result: result.Value, Err: result.Err,
		}, current)
		if err == nil {
			mu.Lock()
			*state = updated
			mu.Unlock()
		} else {
			slog.Warn("handle_tool_result failed, keeping current state", "tool", call.Name, "error", err)
		}
	}

	return message.ToolOutcome{CallID: call.ID, Name: call.Name, Value: result.Value, Err: result.Err}
}
