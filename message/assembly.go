package message

import (
	"fmt"

	"github.com/flowstack/agentgraph/part"
	"github.com/flowstack/agentgraph/spec"
)

// BuildInitialHistory expands a StageSpec's declared LLMCall.Messages
// against input and returns them as a Message slice, ready to seed the
// LLM loop. Templates are expanded exactly once here, never per
// tool-loop iteration (spec §4.4).
func BuildInitialHistory(specs []spec.MessageSpec, input map[string]any) []part.Message {
	out := make([]part.Message, 0, len(specs))
	for _, ms := range specs {
		out = append(out, part.NewMessage(part.Role(ms.Role), expandParts(ms.Parts, input)...))
	}
	return out
}

func expandParts(tmpls []spec.PartTemplate, input map[string]any) []part.Part {
	out := make([]part.Part, 0, len(tmpls))
	for _, t := range tmpls {
		if t.Data != nil {
			out = append(out, part.DataPart{Data: t.Data})
			continue
		}
		out = append(out, part.TextPart{Text: Expand(t.Text, input)})
	}
	return out
}

// NormalizeResponse wraps a raw provider response (a list of Parts) as
// an assistant Message, ready to be appended to history (spec §4.4
// "Response normalization").
func NormalizeResponse(parts []part.Part) part.Message {
	return part.NewMessage(part.RoleAssistant, parts...)
}

// SeparateFunctionCalls splits an assistant message into its non-call
// "intermediate content" parts and its FunctionCallParts, per spec §4.4
// "Separation".
func SeparateFunctionCalls(msg part.Message) (content []part.Part, calls []part.FunctionCallPart) {
	return msg.NonCallParts(), msg.FunctionCalls()
}

// ToolOutcome is one executed tool call's result, used to build the
// follow-up tool-result message.
type ToolOutcome struct {
	CallID string
	Name   string
	Value  any
	Err    error
}

// MergeIntermediateWithResults builds the follow-up turn after a
// multi-call assistant response: if there is intermediate content, it
// is recorded as a preceding assistant message so the provider sees
// content that came before the calls (spec §4.4's ordering requirement,
// reiterated in §4.6 "Ordering inside a single LLM turn"); then a single
// user message carries one FunctionResultPart per outcome, in the same
// order as the original calls.
func MergeIntermediateWithResults(content []part.Part, outcomes []ToolOutcome) []part.Message {
	var msgs []part.Message
	if len(content) > 0 {
		msgs = append(msgs, part.NewMessage(part.RoleAssistant, content...))
	}
	resultParts := make([]part.Part, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil {
			resultParts = append(resultParts, part.FunctionResultPart{
				ID:      o.CallID,
				Name:    o.Name,
				Result:  fmt.Sprintf("error: %v", o.Err),
				IsError: true,
			})
			continue
		}
		resultParts = append(resultParts, part.FunctionResultPart{
			ID:     o.CallID,
			Name:   o.Name,
			Result: o.Value,
		})
	}
	msgs = append(msgs, part.NewMessage(part.RoleUser, resultParts...))
	return msgs
}
