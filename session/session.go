// Package session implements the Agent Session (spec §4.9): session
// identity, the shared Memory Manager handle, and one-for-one
// supervision of the DAG Executor. This is the assembly point where
// dag, memory, tool, message, llmproc, stage and orchestrator are wired
// together behind the session-facing API of spec §6.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowstack/agentgraph/llmproc"
	"github.com/flowstack/agentgraph/memory"
	"github.com/flowstack/agentgraph/orchestrator"
	"github.com/flowstack/agentgraph/part"
	"github.com/flowstack/agentgraph/spec"
	"github.com/flowstack/agentgraph/stage"
	"github.com/flowstack/agentgraph/telemetry"
	"github.com/flowstack/agentgraph/tool"
)

// Status is the handle's observable lifecycle status (spec §6
// get_results' {ok, status, payload}).
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Handle is returned by Start and tracks one in-flight or finished
// session.
type Handle struct {
	SessionID string

	mu      sync.Mutex
	status  Status
	results map[string]any
	err     error
	cancel  context.CancelFunc
	done    chan struct{}
	inbox   *orchestrator.Inbox
}

// ErrSessionFinished is returned by SendMessage once a session has
// reached a terminal state: there is no further planning cycle left to
// merge a new user turn into.
var ErrSessionFinished = errors.New("session: already finished, no further planning cycle to merge send_message into")

func (h *Handle) finish(results map[string]any, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = results
	h.err = err
	if err != nil {
		h.status = StatusFailed
	} else {
		h.status = StatusCompleted
	}
	close(h.done)
}

// Snapshot reports the handle's current status and payload.
func (h *Handle) Snapshot() (Status, map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.results, h.err
}

// Options configures Start/RunSync.
type Options struct {
	SessionID     string
	Input         map[string]any
	InitialState  spec.UserState
	Registerer    prometheus.Registerer // defaults to a fresh registry if nil
	MemorySources []MemorySourceConfig
}

// MemorySourceConfig pairs a constructed memory.Source with its name
// and default flag, letting callers wire in-process/redis backends
// without this package depending on every possible backend's opts shape.
type MemorySourceConfig struct {
	Name    string
	Source  memory.Source
	Default bool
}

// stageRunnerAdapter adapts stage.Runtime to orchestrator.StageRunner.
type stageRunnerAdapter struct {
	agent    spec.AgentSpec
	runtime  *stage.Runtime
	declared []tool.Spec
	cctxBase tool.CallContext
	tel      *telemetry.Manager
}

func (a *stageRunnerAdapter) RunStage(
	ctx context.Context,
	st spec.StageSpec,
	globalInput map[string]any,
	dependencyResults map[string]any,
	sessionID string,
	userState spec.UserState,
) (any, spec.UserState, error) {
	_, span := a.tel.Start(ctx, "stage_execution", a.agent.Name, map[string]string{"session_id": sessionID, "stage": st.Name, "node": st.Name})

	maxIter := a.agent.Config.MaxToolIterations
	outcome, newState, err := a.runtime.Run(ctx, st, globalInput, dependencyResults, a.agent.Name, sessionID, userState, a.declared, maxIter, a.cctxBase)

	resultStatus := "ok"
	payloadType := "parts"
	if err != nil {
		resultStatus = "error"
		span.RecordError(err)
	} else if outcome.Structured != nil {
		payloadType = "structured"
	}
	span.Stop(resultStatus, map[string]string{"result_status": resultStatus, "payload_type": payloadType})

	if err != nil {
		return nil, newState, err
	}
	if outcome.Structured != nil {
		return outcome.Structured, newState, nil
	}
	return outcome.Parts, newState, nil
}

// planningSpannerAdapter bridges telemetry.Manager onto
// orchestrator.PlanningSpanner's interface-typed return value — *telemetry.
// PlanningSpan already satisfies orchestrator.PlanningSpan structurally,
// but Go requires the wrapper method to declare the interface return
// type explicitly for the outer interface to be satisfied.
type planningSpannerAdapter struct {
	tel *telemetry.Manager
}

func (a planningSpannerAdapter) StartPlanning(ctx context.Context, agent, sessionID string, completedCount, total int) orchestrator.PlanningSpan {
	return a.tel.StartPlanning(ctx, agent, sessionID, completedCount, total)
}

// Session wires one AgentSpec's components together and offers the
// start/get_results/send_message/stop API of spec §4.9/§6.
type Session struct {
	agent     spec.AgentSpec
	mgr       *memory.Manager
	reg       *tool.Registry
	tel       *telemetry.Manager
	processor *llmproc.Processor
	handles   sync.Map // sessionID -> *Handle
}

// New builds a Session for agent, registering the backends supplied via
// opts, then each of agent's declared MemorySources whose Backend is
// "memory" (as an in-process source), and the fixed memory_* tool
// surface. Declared sources with any other Backend are not registered.
func New(agent spec.AgentSpec, provider llmproc.Provider, opts Options) (*Session, error) {
	agent.Config.SetDefaults()
	if err := agent.Validate(); err != nil {
		return nil, err
	}

	mgr := memory.NewManager()
	for _, ms := range opts.MemorySources {
		if err := mgr.AddSource(ms.Name, ms.Source); err != nil {
			return nil, err
		}
		if ms.Default {
			if err := mgr.SetDefaultSource(ms.Name); err != nil {
				return nil, err
			}
		}
	}
	for _, ms := range agent.MemorySources {
		if ms.Backend == "memory" {
			if err := mgr.AddSource(ms.Name, memory.NewInProcessSource(nil)); err != nil {
				return nil, err
			}
			if ms.Default {
				if err := mgr.SetDefaultSource(ms.Name); err != nil {
					return nil, err
				}
			}
		}
	}

	reg := tool.NewRegistry()
	if err := RegisterMemoryTools(reg, mgr); err != nil {
		return nil, err
	}
	for _, st := range agent.Stages {
		if st.LLM == nil {
			continue
		}
		for _, t := range st.LLM.Tools {
			if t.Module != nil {
				if err := reg.Register(t); err != nil {
					return nil, err
				}
			}
		}
	}

	registerer := opts.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	tel := telemetry.NewManager(registerer)

	executor := tool.NewExecutor(reg, spanHookFor(tel, agent.Name))
	processor := &llmproc.Processor{
		Provider: providerAdapter{provider},
		Executor: executor,
		Hooks: llmproc.Hooks{
			HandleToolCall:   agent.Lifecycle.HandleToolCall,
			HandleToolResult: agent.Lifecycle.HandleToolResult,
		},
		Span: llmSpanHookFor(tel, agent.Name),
	}

	s := &Session{
		agent:     agent,
		mgr:       mgr,
		reg:       reg,
		tel:       tel,
		processor: processor,
	}
	return s, nil
}

func spanHookFor(tel *telemetry.Manager, agent string) tool.SpanHook {
	return func(ctx context.Context, stage, toolName string, argKeys []string, fn func() (any, error)) (any, error) {
		_, span := tel.Start(ctx, "tool_execution", agent, map[string]string{"stage": stage, "tool_name": toolName})
		value, err := fn()
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
		}
		span.Stop(status, map[string]string{"stage": stage, "tool_name": toolName})
		return value, err
	}
}

func llmSpanHookFor(tel *telemetry.Manager, agent string) llmproc.SpanFunc {
	return func(ctx context.Context, event string, attrs map[string]string, fn func() error) error {
		_, span := tel.Start(ctx, event, agent, attrs)
		err := fn()
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
		}
		span.Stop(status, nil)
		return err
	}
}

// providerAdapter wraps the llmproc.Provider passed to New and forwards
// every call to it unchanged. It implements llmproc.Provider, not
// spec.Provider.
type providerAdapter struct {
	inner llmproc.Provider
}

func (p providerAdapter) Completion(ctx context.Context, model string, history []part.Message, params spec.LLMParams, tools []tool.Spec) ([]part.Part, error) {
	return p.inner.Completion(ctx, model, history, params, tools)
}

// StubProvider is a deterministic, in-memory Provider used by tests. It
// replays one fixed sequence of responses, one per call, repeating the
// last response once exhausted. The sequence is shared by every model
// and stage; the model argument is ignored.
type StubProvider struct {
	mu        sync.Mutex
	Responses []func(history []part.Message) ([]part.Part, error)
	calls     int
}

func (p *StubProvider) Completion(_ context.Context, _ string, history []part.Message, _ spec.LLMParams, _ []tool.Spec) ([]part.Part, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Responses) == 0 {
		return nil, fmt.Errorf("stub provider has no responses configured")
	}
	idx := p.calls
	if idx >= len(p.Responses) {
		idx = len(p.Responses) - 1
	}
	p.calls++
	return p.Responses[idx](history)
}

// Start begins a new session run in the background, returning a Handle
// immediately (spec §6 start/get_results).
func (s *Session) Start(ctx context.Context, opts Options) (*Handle, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(ctx)
	ctx = orchestrator.WithSessionID(ctx, sessionID)

	inbox := orchestrator.NewInbox()
	h := &Handle{SessionID: sessionID, status: StatusInProgress, cancel: cancel, done: make(chan struct{}), inbox: inbox}
	s.handles.Store(sessionID, h)

	cctxBase := tool.CallContext{MemoryManager: s.mgr, AgentModule: s.agent.Name, SessionID: sessionID}
	runner := &stageRunnerAdapter{agent: s.agent, runtime: &stage.Runtime{Processor: s.processor, Hooks: s.agent.Lifecycle}, declared: declaredTools(s.agent), cctxBase: cctxBase, tel: s.tel}

	exec, err := orchestrator.NewExecutor(s.agent, runner, s.agent.Lifecycle)
	if err != nil {
		cancel()
		h.finish(nil, err)
		return h, err
	}
	exec.Telemetry = planningSpannerAdapter{tel: s.tel}
	exec.Inbox = inbox
	exec.OnStageDone = func(stageName, status string) {
		if status == "error" {
			s.tel.RecordStageFailure(s.agent.Name, stageName)
		}
	}

	go func() {
		defer cancel()
		_, execSpan := s.tel.Start(ctx, "agent_execution", s.agent.Name, map[string]string{})
		results, runErr := exec.Run(ctx, sessionID, opts.Input, opts.InitialState)
		status := "ok"
		if runErr != nil {
			status = "error"
		}
		execSpan.Stop(status, map[string]string{"num_results": fmt.Sprintf("%d", len(results))})
		h.finish(results, runErr)
	}()

	return h, nil
}

func declaredTools(agent spec.AgentSpec) []tool.Spec {
	var out []tool.Spec
	for _, st := range agent.Stages {
		if st.LLM != nil {
			out = append(out, st.LLM.Tools...)
		}
	}
	return out
}

// GetResults reports a handle's current status and payload (spec §6).
func (s *Session) GetResults(h *Handle) (Status, map[string]any, error) {
	return h.Snapshot()
}

// SendMessage enqueues a new user turn to be merged into global input
// ahead of the session's next planning cycle (spec §4.9/§6's
// send_message — "only meaningful for stateful agents"). A stage
// already dispatched does not observe it; a stage not yet ready will,
// once the executor re-enters planning. Returns ErrSessionFinished if h
// has already reached a terminal state.
func (s *Session) SendMessage(h *Handle, msg part.Message) error {
	select {
	case <-h.done:
		return ErrSessionFinished
	default:
	}
	h.inbox.Enqueue(messageToInput(msg))
	return nil
}

// messageToInput flattens a Message into the map[string]any shape
// global input is merged as: every DataPart's fields are merged in,
// and any text content is stored under "message".
func messageToInput(msg part.Message) map[string]any {
	out := map[string]any{}
	if text := msg.TextContent(); text != "" {
		out["message"] = text
	}
	for _, p := range msg.Parts {
		if dp, ok := p.(part.DataPart); ok {
			for k, v := range dp.Data {
				out[k] = v
			}
		}
	}
	return out
}

// Stop cancels an in-flight session. It is a no-op on an already
// finished handle.
func (s *Session) Stop(h *Handle) {
	h.cancel()
}

// Wait blocks until h reaches a terminal state or ctx is done.
func (s *Session) Wait(ctx context.Context, h *Handle) (Status, map[string]any, error) {
	select {
	case <-h.done:
		return h.Snapshot()
	case <-ctx.Done():
		return StatusInProgress, nil, ctx.Err()
	}
}

// RunSync starts a session and blocks until it finishes or timeout
// elapses (spec §6 run_sync).
func RunSync(ctx context.Context, agent spec.AgentSpec, provider llmproc.Provider, opts Options, timeout time.Duration) (map[string]any, error) {
	s, err := New(agent, provider, opts)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	h, err := s.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	_, results, err := s.Wait(ctx, h)
	return results, err
}
