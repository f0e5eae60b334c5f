package llmproc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack/agentgraph/agenterrors"
	"github.com/flowstack/agentgraph/part"
	"github.com/flowstack/agentgraph/spec"
	"github.com/flowstack/agentgraph/tool"
)

type fakeProvider struct {
	responses [][]part.Part
	calls     int
}

func (f *fakeProvider) Completion(_ context.Context, _ string, _ []part.Message, _ spec.LLMParams, _ []tool.Spec) ([]part.Part, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return f.responses[idx], nil
}

func newExecutorWithEcho(t *testing.T) *tool.Executor {
	t.Helper()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.Spec{
		Name: "echo",
		Module: tool.ModuleFunc(func(args map[string]any, _ tool.CallContext) (any, error) {
			return args, nil
		}),
	}))
	return tool.NewExecutor(reg, nil)
}

// S1: single stage, no tools, provider returns a final TextPart.
func TestRun_S1_SimpleFinalResponse(t *testing.T) {
	provider := &fakeProvider{responses: [][]part.Part{{part.TextPart{Text: "ok"}}}}
	p := &Processor{Provider: provider, Executor: newExecutorWithEcho(t)}

	result, err := p.Run(context.Background(), spec.LLMCall{Model: "m"}, nil, nil, 5, "agent", "sess-1", "only", spec.UserState{}, tool.CallContext{})
	require.NoError(t, err)
	require.Len(t, result.FinalParts, 1)
	assert.Equal(t, "ok", result.FinalParts[0].(part.TextPart).Text)
	assert.Equal(t, 1, provider.calls)
}

// S3: one tool call round-trip then a final response; exactly two
// provider calls are made.
func TestRun_S3_ToolCallThenFinal(t *testing.T) {
	provider := &fakeProvider{responses: [][]part.Part{
		{part.FunctionCallPart{ID: "1", Name: "echo", Arguments: map[string]any{"v": 2.0}}},
		{part.TextPart{Text: "done"}},
	}}
	p := &Processor{Provider: provider, Executor: newExecutorWithEcho(t)}

	result, err := p.Run(context.Background(), spec.LLMCall{Model: "m"}, nil, nil, 5, "agent", "sess-1", "stage", spec.UserState{}, tool.CallContext{})
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
	require.Len(t, result.FinalParts, 1)
	assert.Equal(t, "done", result.FinalParts[0].(part.TextPart).Text)
}

// S4: same as S3 but max_tool_iterations=1 and the provider always
// returns a FunctionCall, so the loop must fail with MaxIterations.
func TestRun_S4_MaxIterationsExceeded(t *testing.T) {
	provider := &fakeProvider{responses: [][]part.Part{
		{part.FunctionCallPart{ID: "1", Name: "echo", Arguments: map[string]any{"v": 2.0}}},
	}}
	p := &Processor{Provider: provider, Executor: newExecutorWithEcho(t)}

	_, err := p.Run(context.Background(), spec.LLMCall{Model: "m"}, nil, nil, 1, "agent", "sess-1", "stage", spec.UserState{}, tool.CallContext{})
	require.Error(t, err)
	var e *agenterrors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, agenterrors.KindExecutionError, e.Kind)
}

func TestRun_MaxIterationsZero_FailsImmediately(t *testing.T) {
	provider := &fakeProvider{responses: [][]part.Part{{part.TextPart{Text: "unused"}}}}
	p := &Processor{Provider: provider, Executor: newExecutorWithEcho(t)}

	_, err := p.Run(context.Background(), spec.LLMCall{Model: "m"}, nil, nil, 0, "agent", "sess-1", "stage", spec.UserState{}, tool.CallContext{})
	require.Error(t, err)
	assert.Equal(t, 0, provider.calls)
}

// S5: structured_response schema set; provider returns a conforming
// DataPart.
func TestRun_S5_StructuredResponseValidates(t *testing.T) {
	provider := &fakeProvider{responses: [][]part.Part{
		{part.DataPart{Data: map[string]any{"r": "ok"}}},
	}}
	p := &Processor{Provider: provider, Executor: newExecutorWithEcho(t)}
	schema := map[string]any{"type": "object", "required": []any{"r"}}

	result, err := p.Run(context.Background(), spec.LLMCall{Model: "m", Params: spec.LLMParams{StructuredResponse: schema}}, nil, nil, 5, "agent", "sess-1", "stage", spec.UserState{}, tool.CallContext{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.StructuredData["r"])
}

func TestRun_StructuredResponseMissingDataPart_Fails(t *testing.T) {
	provider := &fakeProvider{responses: [][]part.Part{{part.TextPart{Text: "no data part"}}}}
	p := &Processor{Provider: provider, Executor: newExecutorWithEcho(t)}
	schema := map[string]any{"type": "object", "required": []any{"r"}}

	_, err := p.Run(context.Background(), spec.LLMCall{Model: "m", Params: spec.LLMParams{StructuredResponse: schema}}, nil, nil, 5, "agent", "sess-1", "stage", spec.UserState{}, tool.CallContext{})
	require.Error(t, err)
	var e *agenterrors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, agenterrors.KindValidationError, e.Kind)
}

func TestRun_UndeclaredToolFeedsBackErrorAndContinues(t *testing.T) {
	provider := &fakeProvider{responses: [][]part.Part{
		{part.FunctionCallPart{ID: "1", Name: "ghost", Arguments: nil}},
		{part.TextPart{Text: "recovered"}},
	}}
	p := &Processor{Provider: provider, Executor: newExecutorWithEcho(t)}

	result, err := p.Run(context.Background(), spec.LLMCall{Model: "m"}, nil, nil, 5, "agent", "sess-1", "stage", spec.UserState{}, tool.CallContext{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.FinalParts[0].(part.TextPart).Text)
}

func TestRun_EmptyResponseFails(t *testing.T) {
	provider := &fakeProvider{responses: [][]part.Part{{}}}
	p := &Processor{Provider: provider, Executor: newExecutorWithEcho(t)}

	_, err := p.Run(context.Background(), spec.LLMCall{Model: "m"}, nil, nil, 5, "agent", "sess-1", "stage", spec.UserState{}, tool.CallContext{})
	require.Error(t, err)
	var e *agenterrors.Error
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Message, "empty response")
}
