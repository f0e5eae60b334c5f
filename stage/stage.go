// Package stage implements the Stage Runtime (spec §4.7): per-stage
// input preparation, input/output schema validation, running the LLM
// Processor, and threading lifecycle callbacks through user_state.
// Grounded on the teacher's pkg/agent/llmagent flow's stage-boundary
// handling, generalized to the spec's explicit {from, select} input
// projection rule.
package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flowstack/agentgraph/agenterrors"
	"github.com/flowstack/agentgraph/llmproc"
	"github.com/flowstack/agentgraph/message"
	"github.com/flowstack/agentgraph/part"
	"github.com/flowstack/agentgraph/spec"
	"github.com/flowstack/agentgraph/tool"
)

// Runtime executes one stage invocation end to end.
type Runtime struct {
	Processor *llmproc.Processor
	Hooks     spec.LifecycleHooks
}

// Input is the fully-prepared input to one stage invocation.
type Input map[string]any

// Outcome is a stage's finished output: either final parts (no
// structured_response declared) or a validated structured map.
type Outcome struct {
	Parts      []part.Part
	Structured map[string]any
}

// Run executes stage against globalInput/dependencyResults, following
// spec §4.7's pipeline: handle_stage_start → prepare_stage_input →
// validate_input → (LLM processor) → validate_output → handle_stage_finish.
func (r *Runtime) Run(
	ctx context.Context,
	stage spec.StageSpec,
	globalInput map[string]any,
	dependencyResults map[string]any,
	agentModule, sessionID string,
	userState spec.UserState,
	declaredTools []tool.Spec,
	maxToolIterations int,
	cctxBase tool.CallContext,
) (Outcome, spec.UserState, error) {
	state := userState

	if r.Hooks.HandleStageStart != nil {
		updated, err := r.Hooks.HandleStageStart(spec.StageContext{SessionID: sessionID, StageName: stage.Name}, state)
		if err == nil {
			state = updated
		} else {
			slog.Warn("handle_stage_start failed, keeping current state", "stage", stage.Name, "error", err)
		}
	}

	prepared, err := prepareStageInput(stage, globalInput, dependencyResults)
	if err != nil {
		return Outcome{}, state, err
	}
	if err := validateSchema(prepared, stage.InputSchema); err != nil {
		return Outcome{}, state, agenterrors.ValidationError("stage input failed schema validation", err)
	}

	var outcome Outcome
	if stage.LLM != nil {
		history := message.BuildInitialHistory(stage.LLM.Messages, prepared)
		result, err := r.Processor.Run(ctx, *stage.LLM, history, declaredTools, maxToolIterations, agentModule, sessionID, stage.Name, state, cctxBase)
		if err != nil {
			return Outcome{}, state, err
		}
		state = result.UserState
		outcome = Outcome{Parts: result.FinalParts, Structured: result.StructuredData}
	} else {
		// A stage with no LLMCall passes its prepared input through as a
		// single DataPart: global input plus any {from, select} projection.
		// Dependency results are not included otherwise.
		outcome = Outcome{Parts: []part.Part{part.DataPart{Data: prepared}}}
	}

	outputData := outcome.Structured
	if outputData == nil {
		outputData = dataFromParts(outcome.Parts)
	}
	if err := validateSchema(outputData, stage.OutputSchema); err != nil {
		return Outcome{}, state, agenterrors.ValidationError("stage output failed schema validation", err)
	}

	if r.Hooks.HandleStageFinish != nil {
		updated, err := r.Hooks.HandleStageFinish(spec.StageContext{SessionID: sessionID, StageName: stage.Name}, outcome, state)
		if err == nil {
			state = updated
		} else {
			slog.Warn("handle_stage_finish failed, keeping current state", "stage", stage.Name, "error", err)
		}
	}

	return outcome, state, nil
}

// dataFromParts extracts a map suitable for output-schema validation
// when the stage produced no structured response: the first DataPart's
// data, or a {"text": ...} wrapper around concatenated text content.
func dataFromParts(parts []part.Part) map[string]any {
	msg := part.NewMessage(part.RoleAssistant, parts...)
	if dp, ok := msg.FirstDataPart(); ok {
		return dp.Data
	}
	return map[string]any{"text": msg.TextContent()}
}

func validateSchema(data map[string]any, schemaMap map[string]any) error {
	if schemaMap == nil {
		return nil
	}
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

// prepareStageInput implements spec §4.7's input preparation rules:
// base is global_input; if the stage declares {from, select}, the
// named upstream stage's result is looked up, optionally projected by
// select (a dotted get_in-equivalent path), and merged over base if the
// projection is a map, else stored under "selected_input".
func prepareStageInput(stage spec.StageSpec, globalInput map[string]any, dependencyResults map[string]any) (map[string]any, error) {
	base := make(map[string]any, len(globalInput)+1)
	for k, v := range globalInput {
		base[k] = v
	}
	if stage.InputSource == nil {
		return base, nil
	}

	upstream, ok := dependencyResults[stage.InputSource.From]
	if !ok {
		return nil, agenterrors.ExecutionError(stage.Name, fmt.Sprintf("input source stage %q has no result", stage.InputSource.From), nil)
	}
	upstream = normalizeDependencyResult(upstream)

	selected := upstream
	if stage.InputSource.Select != "" {
		var found bool
		selected, found = getIn(upstream, stage.InputSource.Select)
		if !found {
			return nil, agenterrors.ExecutionError(stage.Name, fmt.Sprintf("path %q not found in stage %q result", stage.InputSource.Select, stage.InputSource.From), nil)
		}
	}

	if m, ok := selected.(map[string]any); ok {
		for k, v := range m {
			base[k] = v
		}
	} else {
		base["selected_input"] = selected
	}
	return base, nil
}

// normalizeDependencyResult coerces a raw []part.Part stage result (the
// shape a stage with no structured_response produces, see
// session.stageRunnerAdapter.RunStage) into the same map[string]any
// shape a structured stage result already has, so select can project
// into either one uniformly. A stage that already returned a map (the
// structured_response path) passes through unchanged.
func normalizeDependencyResult(v any) any {
	if parts, ok := v.([]part.Part); ok {
		return dataFromParts(parts)
	}
	return v
}

// getIn projects value along a dot-separated path, mirroring the
// source's get_in(path) semantics for maps.
func getIn(value any, path string) (any, bool) {
	cur := value
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
