package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack/agentgraph/part"
	"github.com/flowstack/agentgraph/spec"
)

func textResponse(text string) func(history []part.Message) ([]part.Part, error) {
	return func([]part.Message) ([]part.Part, error) {
		return []part.Part{part.TextPart{Text: text}}, nil
	}
}

// S1: single stage, no tools, no memory, provider returns one final
// message.
func TestRunSync_S1_SingleStage(t *testing.T) {
	agent := spec.AgentSpec{
		Name:   "s1",
		Stages: []spec.StageSpec{{Name: "respond", LLM: &spec.LLMCall{Model: "m"}}},
	}
	provider := &StubProvider{Responses: []func(history []part.Message) ([]part.Part, error){textResponse("hello")}}

	results, err := RunSync(context.Background(), agent, provider, Options{Input: map[string]any{}}, 2*time.Second)
	require.NoError(t, err)
	parts := results["respond"].([]part.Part)
	require.Len(t, parts, 1)
	assert.Equal(t, "hello", parts[0].(part.TextPart).Text)
}

// S2 (canonical form, spec §8): "first" returns a DataPart with no
// structured_response schema declared — its dependency result is the raw
// []part.Part shape, not a pre-coerced map. "second" declares
// {from: "first", select: "x"} and must still be able to project into
// it, landing the scalar under "selected_input" since x's value (1) is
// not itself a map.
func TestRunSync_S2_TwoStageProjection(t *testing.T) {
	agent := spec.AgentSpec{
		Name: "s2",
		Stages: []spec.StageSpec{
			{Name: "first", LLM: &spec.LLMCall{Model: "m"}},
			{
				Name:        "second",
				DependsOn:   []string{"first"},
				InputSource: &spec.InputSource{From: "first", Select: "x"},
			},
		},
	}
	calls := 0
	provider := &StubProvider{Responses: []func(history []part.Message) ([]part.Part, error){
		func([]part.Message) ([]part.Part, error) {
			calls++
			return []part.Part{part.DataPart{Data: map[string]any{"x": 1.0}}}, nil
		},
	}}

	results, err := RunSync(context.Background(), agent, provider, Options{Input: map[string]any{}}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	secondParts := results["second"].([]part.Part)
	require.Len(t, secondParts, 1)
	dp := secondParts[0].(part.DataPart)
	assert.Equal(t, 1.0, dp.Data["selected_input"])
}

// S6: a memory_store call followed by a memory_retrieve call through
// the fixed memory tool surface, exercised end to end via a stub
// provider that issues both tool calls then returns a final response.
func TestRunSync_S6_MemoryRoundTripThroughTools(t *testing.T) {
	agent := spec.AgentSpec{
		Name:          "s6",
		Stages:        []spec.StageSpec{{Name: "remember", LLM: &spec.LLMCall{Model: "m"}}},
		MemorySources: []spec.MemorySourceSpec{{Name: "default", Backend: "memory", Default: true}},
	}

	step := 0
	provider := &StubProvider{Responses: []func(history []part.Message) ([]part.Part, error){
		func([]part.Message) ([]part.Part, error) {
			step++
			return []part.Part{part.FunctionCallPart{
				ID:   "1",
				Name: "memory_store",
				Arguments: map[string]any{
					"key":   "fact",
					"value": "go is fun",
				},
			}}, nil
		},
		func([]part.Message) ([]part.Part, error) {
			step++
			return []part.Part{part.FunctionCallPart{
				ID:   "2",
				Name: "memory_retrieve",
				Arguments: map[string]any{
					"key": "fact",
				},
			}}, nil
		},
		func(history []part.Message) ([]part.Part, error) {
			step++
			return []part.Part{part.TextPart{Text: "recalled"}}, nil
		},
	}}

	results, err := RunSync(context.Background(), agent, provider, Options{Input: map[string]any{}}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, step)
	parts := results["remember"].([]part.Part)
	require.Len(t, parts, 1)
	assert.Equal(t, "recalled", parts[0].(part.TextPart).Text)
}

func TestStart_GetResults_AndWait(t *testing.T) {
	agent := spec.AgentSpec{
		Name:   "async",
		Stages: []spec.StageSpec{{Name: "only", LLM: &spec.LLMCall{Model: "m"}}},
	}
	provider := &StubProvider{Responses: []func(history []part.Message) ([]part.Part, error){textResponse("done")}}
	s, err := New(agent, provider, Options{})
	require.NoError(t, err)

	h, err := s.Start(context.Background(), Options{Input: map[string]any{}})
	require.NoError(t, err)

	status, results, err := s.Wait(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.NotNil(t, results["only"])

	status2, results2, err2 := s.GetResults(h)
	require.NoError(t, err2)
	assert.Equal(t, StatusCompleted, status2)
	assert.Equal(t, results, results2)
}

func TestNew_RejectsInvalidAgentSpec(t *testing.T) {
	_, err := New(spec.AgentSpec{Name: "bad"}, &StubProvider{}, Options{})
	require.Error(t, err)
}

// SendMessage enqueues a user turn that a not-yet-dispatched stage picks
// up on the next planning cycle. "gate" blocks on unblockGate so the test
// can enqueue the message before gate's planning/dispatch round settles;
// "second" depends on "gate" and, once it runs, should see the message
// merged into its global input.
func TestSendMessage_MergesIntoLaterStageGlobalInput(t *testing.T) {
	agent := spec.AgentSpec{
		Name: "sendmsg",
		Stages: []spec.StageSpec{
			{Name: "gate", LLM: &spec.LLMCall{Model: "m"}},
			{Name: "second", DependsOn: []string{"gate"}},
		},
	}

	unblockGate := make(chan struct{})
	provider := &StubProvider{Responses: []func(history []part.Message) ([]part.Part, error){
		func([]part.Message) ([]part.Part, error) {
			<-unblockGate
			return []part.Part{part.TextPart{Text: "go"}}, nil
		},
	}}

	s, err := New(agent, provider, Options{})
	require.NoError(t, err)

	h, err := s.Start(context.Background(), Options{Input: map[string]any{}})
	require.NoError(t, err)

	require.NoError(t, s.SendMessage(h, part.NewMessage(part.RoleUser, part.DataPart{Data: map[string]any{"note": "hi"}})))
	close(unblockGate)

	status, results, err := s.Wait(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)

	secondParts := results["second"].([]part.Part)
	require.Len(t, secondParts, 1)
	dp := secondParts[0].(part.DataPart)
	assert.Equal(t, "hi", dp.Data["note"])
}

func TestSendMessage_OnFinishedHandleReturnsErrSessionFinished(t *testing.T) {
	agent := spec.AgentSpec{
		Name:   "sendmsg-done",
		Stages: []spec.StageSpec{{Name: "only"}},
	}
	s, err := New(agent, &StubProvider{}, Options{})
	require.NoError(t, err)

	h, err := s.Start(context.Background(), Options{Input: map[string]any{}})
	require.NoError(t, err)

	_, _, err = s.Wait(context.Background(), h)
	require.NoError(t, err)

	err = s.SendMessage(h, part.NewMessage(part.RoleUser, part.TextPart{Text: "too late"}))
	assert.ErrorIs(t, err, ErrSessionFinished)
}
