package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack/agentgraph/llmproc"
	"github.com/flowstack/agentgraph/part"
	"github.com/flowstack/agentgraph/spec"
	"github.com/flowstack/agentgraph/tool"
)

type fakeProvider struct {
	response []part.Part
}

func (f fakeProvider) Completion(_ context.Context, _ string, _ []part.Message, _ spec.LLMParams, _ []tool.Spec) ([]part.Part, error) {
	return f.response, nil
}

func newRuntime(resp []part.Part) *Runtime {
	reg := tool.NewRegistry()
	exec := tool.NewExecutor(reg, nil)
	proc := &llmproc.Processor{Provider: fakeProvider{response: resp}, Executor: exec}
	return &Runtime{Processor: proc}
}

func TestPrepareStageInput_NoInputSource(t *testing.T) {
	st := spec.StageSpec{Name: "a"}
	prepared, err := prepareStageInput(st, map[string]any{"x": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, prepared["x"])
}

func TestPrepareStageInput_SelectProjectsAndMerges(t *testing.T) {
	st := spec.StageSpec{Name: "b", InputSource: &spec.InputSource{From: "a", Select: "x"}}
	deps := map[string]any{"a": map[string]any{"x": map[string]any{"n": 1}}}
	prepared, err := prepareStageInput(st, map[string]any{}, deps)
	require.NoError(t, err)
	assert.Equal(t, 1, prepared["n"])
}

func TestPrepareStageInput_SelectScalarStoredUnderKey(t *testing.T) {
	st := spec.StageSpec{Name: "b", InputSource: &spec.InputSource{From: "a", Select: "x"}}
	deps := map[string]any{"a": map[string]any{"x": 1}}
	prepared, err := prepareStageInput(st, map[string]any{}, deps)
	require.NoError(t, err)
	assert.Equal(t, 1, prepared["selected_input"])
}

// Canonical S2 (spec §8): the upstream stage declared no
// structured_response, so its dependency result is the raw []part.Part
// shape a passthrough/plain-LLM stage produces, not a pre-coerced map.
// select must still project into it via the first DataPart.
func TestPrepareStageInput_SelectProjectsIntoRawPartsDependencyResult(t *testing.T) {
	st := spec.StageSpec{Name: "b", InputSource: &spec.InputSource{From: "a", Select: "x"}}
	deps := map[string]any{"a": []part.Part{part.DataPart{Data: map[string]any{"x": 1}}}}
	prepared, err := prepareStageInput(st, map[string]any{}, deps)
	require.NoError(t, err)
	assert.Equal(t, 1, prepared["selected_input"])
}

func TestPrepareStageInput_MissingUpstreamFails(t *testing.T) {
	st := spec.StageSpec{Name: "b", InputSource: &spec.InputSource{From: "a"}}
	_, err := prepareStageInput(st, map[string]any{}, map[string]any{})
	require.Error(t, err)
}

func TestRun_NoLLMIsPassthrough(t *testing.T) {
	rt := newRuntime(nil)
	st := spec.StageSpec{Name: "passthrough"}
	outcome, _, err := rt.Run(context.Background(), st, map[string]any{"x": 1}, nil, "agent", "sess", spec.UserState{}, nil, 5, tool.CallContext{})
	require.NoError(t, err)
	require.Len(t, outcome.Parts, 1)
	dp := outcome.Parts[0].(part.DataPart)
	assert.Equal(t, 1, dp.Data["x"])
}

func TestRun_WithLLM(t *testing.T) {
	rt := newRuntime([]part.Part{part.TextPart{Text: "hi"}})
	st := spec.StageSpec{Name: "s", LLM: &spec.LLMCall{Model: "m"}}
	outcome, _, err := rt.Run(context.Background(), st, map[string]any{}, nil, "agent", "sess", spec.UserState{}, nil, 5, tool.CallContext{})
	require.NoError(t, err)
	assert.Equal(t, "hi", outcome.Parts[0].(part.TextPart).Text)
}

func TestRun_OutputSchemaViolationFails(t *testing.T) {
	rt := newRuntime([]part.Part{part.DataPart{Data: map[string]any{"other": 1}}})
	st := spec.StageSpec{
		Name: "s",
		LLM:  &spec.LLMCall{Model: "m"},
		OutputSchema: map[string]any{
			"type":     "object",
			"required": []any{"expected"},
		},
	}
	_, _, err := rt.Run(context.Background(), st, map[string]any{}, nil, "agent", "sess", spec.UserState{}, nil, 5, tool.CallContext{})
	require.Error(t, err)
}
