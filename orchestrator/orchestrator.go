// Package orchestrator implements the DAG Executor state machine
// (spec §4.8): initializing → planning → executing → planning → ... →
// completed|failed. Fan-out dispatch and the ready-queue bookkeeping are
// grounded on the other_examples DAG engine's worker-pool/channel
// pattern (executeDAG/worker), adapted to the spec's explicit
// plan-then-await-as-a-group cycle rather than that engine's continuous
// ready-channel feed.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowstack/agentgraph/agenterrors"
	"github.com/flowstack/agentgraph/dag"
	"github.com/flowstack/agentgraph/spec"
)

// RetryPolicy is the SPEC_FULL.md-supplemented backoff shape for
// external-class stage errors (see SPEC_FULL.md "Supplemented
// features" #1), grounded on the other_examples DAG engine's
// RetryPolicy and the teacher's pkg/agent/orchestration.go RetryConfig.
type RetryPolicy struct {
	MaxAttempts int
	InitialWait time.Duration
	Multiplier  float64
	MaxWait     time.Duration
}

// DefaultRetryPolicy retries external-class errors a bounded number of
// times with exponential backoff, matching spec §5's "Retry
// discipline" (only external-class errors are retried by default).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialWait: 200 * time.Millisecond, Multiplier: 2, MaxWait: 10 * time.Second}
}

// Wait returns the backoff duration for the given 1-indexed attempt.
func (p RetryPolicy) Wait(attempt int) time.Duration {
	wait := p.InitialWait
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * p.Multiplier)
		if wait > p.MaxWait {
			return p.MaxWait
		}
	}
	return wait
}

// StageRunner is the capability the executor dispatches to per stage;
// it is implemented by a small adapter over stage.Runtime in the
// session package, kept as an interface here so orchestrator does not
// import stage directly (stage already imports llmproc, message, tool —
// keeping the dependency edge one-directional).
type StageRunner interface {
	RunStage(
		ctx context.Context,
		st spec.StageSpec,
		globalInput map[string]any,
		dependencyResults map[string]any,
		sessionID string,
		userState spec.UserState,
	) (result any, newState spec.UserState, err error)
}

// State is the DAG Executor's state-machine tag (spec §4.8).
type State string

const (
	StateInitializing State = "initializing"
	StatePlanning     State = "planning"
	StateExecuting    State = "executing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// SessionState is the per-run bookkeeping described in spec §3.
type SessionState struct {
	SessionID        string
	Results          map[string]any
	Pending          map[string]bool
	Completed        map[string]bool
	InFlight         map[string]bool
	UserState        spec.UserState
	StartedAt        time.Time
	LastTransitionAt time.Time
	Err              error
	retryAttempts    map[string]int
	pendingRound     chan stageResult
}

func newSessionState(sessionID string, stageNames []string, initialState spec.UserState) *SessionState {
	pending := make(map[string]bool, len(stageNames))
	for _, n := range stageNames {
		pending[n] = true
	}
	return &SessionState{
		SessionID:        sessionID,
		Results:          make(map[string]any),
		Pending:          pending,
		Completed:        make(map[string]bool),
		InFlight:         make(map[string]bool),
		UserState:        initialState.Clone(),
		StartedAt:        time.Now(),
		LastTransitionAt: time.Now(),
		retryAttempts:    make(map[string]int),
	}
}

func (s *SessionState) transition() {
	s.LastTransitionAt = time.Now()
}

// stageResult is what a dispatched stage worker reports back.
type stageResult struct {
	name     string
	value    any
	newState spec.UserState
	err      error
}

// Inbox is a thread-safe mailbox for send_message (spec §4.9/§6):
// messages enqueued mid-run are merged into the session's global input
// at the start of the next planning cycle, so a stage not yet dispatched
// observes them. A nil *Inbox (the zero value used by callers that don't
// need this) is never drained.
type Inbox struct {
	mu       sync.Mutex
	messages []map[string]any
}

// NewInbox returns an empty Inbox.
func NewInbox() *Inbox {
	return &Inbox{}
}

// Enqueue adds one message's flattened data to the inbox.
func (ib *Inbox) Enqueue(msg map[string]any) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	ib.messages = append(ib.messages, msg)
}

func (ib *Inbox) drain() []map[string]any {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	out := ib.messages
	ib.messages = nil
	return out
}

// Executor runs one agent's DAG to completion.
type Executor struct {
	Agent       spec.AgentSpec
	DAG         *dag.DAG
	Runner      StageRunner
	Hooks       spec.LifecycleHooks
	Retry       RetryPolicy
	Telemetry   PlanningSpanner // optional dag_planning span hook
	Inbox       *Inbox          // optional send_message mailbox
	OnStageDone func(stage string, status string)
}

// PlanningSpanner wraps one dag_planning cycle with a start/stop span
// (spec §6's telemetry table). Kept as an interface here, implemented by
// telemetry.Manager via a thin adapter in the session package, so
// orchestrator does not import telemetry directly (same decoupling as
// tool.SpanHook).
type PlanningSpanner interface {
	StartPlanning(ctx context.Context, agent, sessionID string, completedCount, total int) PlanningSpan
}

// PlanningSpan is stopped exactly once per StartPlanning call.
type PlanningSpan interface {
	Stop(readyFromDAG, planned, effectiveReady int, status string)
}

// NewExecutor validates agent.Stages into a DAG and returns an Executor
// ready to Run. Returns agenterrors.ExecutionError on a cyclic or
// under-specified DAG (spec §8 boundary behaviors).
func NewExecutor(agent spec.AgentSpec, runner StageRunner, hooks spec.LifecycleHooks) (*Executor, error) {
	d := dag.Build(agent.Stages)
	if err := dag.Validate(d); err != nil {
		return nil, err
	}
	return &Executor{Agent: agent, DAG: d, Runner: runner, Hooks: hooks, Retry: DefaultRetryPolicy()}, nil
}

// Run drives the state machine to completion, returning the final
// results map on success or the terminal error on failure (spec §4.8).
func (e *Executor) Run(ctx context.Context, sessionID string, globalInput map[string]any, initialUserState spec.UserState) (map[string]any, error) {
	st := newSessionState(sessionID, e.DAG.Order, initialUserState)
	initialSnapshot := initialUserState.Clone()

	// gi is a mutable working copy of globalInput: send_message (via
	// e.Inbox) merges new data into it ahead of each planning cycle, so
	// stages not yet dispatched observe it without mutating the caller's
	// map (spec §4.9 send_message).
	gi := make(map[string]any, len(globalInput))
	for k, v := range globalInput {
		gi[k] = v
	}

	state := StatePlanning

	for {
		select {
		case <-ctx.Done():
			return nil, agenterrors.ExecutionError("", "session deadline exceeded", ctx.Err())
		default:
		}

		switch state {
		case StatePlanning:
			if e.Inbox != nil {
				for _, msg := range e.Inbox.drain() {
					for k, v := range msg {
						gi[k] = v
					}
				}
			}
			if len(st.Completed) == len(e.DAG.Order) {
				state = StateCompleted
				continue
			}

			var pspan PlanningSpan
			if e.Telemetry != nil {
				pspan = e.Telemetry.StartPlanning(ctx, e.Agent.Name, sessionID, len(st.Completed), len(e.DAG.Order))
			}
			readyFromDAG := dag.FindReady(e.DAG, st.Completed)
			ready := filterInFlightAndPending(readyFromDAG, st)

			if len(ready) == 0 && len(st.InFlight) == 0 {
				if pspan != nil {
					pspan.Stop(len(readyFromDAG), 0, 0, "unreachable")
				}
				st.Err = agenterrors.ExecutionError("", "no ready stages and none in flight: unreachable stages remain", nil)
				state = StateFailed
				continue
			}
			if len(ready) == 0 {
				// Siblings still in flight from a previous cycle; nothing new
				// to dispatch this round.
				if pspan != nil {
					pspan.Stop(len(readyFromDAG), 0, 0, "waiting")
				}
				state = StateExecuting
				continue
			}
			for _, name := range ready {
				delete(st.Pending, name)
				st.InFlight[name] = true
			}
			st.transition()
			e.dispatch(ctx, ready, st, gi)
			if pspan != nil {
				pspan.Stop(len(readyFromDAG), len(ready), len(ready), "ok")
			}
			state = StateExecuting

		case StateExecuting:
			results := e.awaitRound(ctx, st)
			stop := false
			for _, r := range results {
				delete(st.InFlight, r.name)
				if r.err == nil {
					st.Completed[r.name] = true
					st.Results[r.name] = r.value
					st.UserState = r.newState
					if e.OnStageDone != nil {
						e.OnStageDone(r.name, "ok")
					}
					continue
				}
				if stop {
					// The run already failed on an earlier result of this
					// round; siblings' successes are still recorded above.
					continue
				}

				decision, newState, hookErr := e.consultHandleError(ctx, r.name, r.err, st.UserState)
				if hookErr != nil {
					slog.Warn("handle_error hook failed, defaulting to stop", "stage", r.name, "error", hookErr)
					decision = spec.DecisionStop
				}
				st.UserState = newState

				switch decision {
				case spec.DecisionRetry:
					st.retryAttempts[r.name]++
					if st.retryAttempts[r.name] > e.Retry.MaxAttempts {
						st.Err = r.err
						stop = true
						if e.OnStageDone != nil {
							e.OnStageDone(r.name, "error")
						}
						break
					}
					st.Pending[r.name] = true
					if wait := e.Retry.Wait(st.retryAttempts[r.name]); wait > 0 {
						select {
						case <-time.After(wait):
						case <-ctx.Done():
						}
					}
					if e.OnStageDone != nil {
						e.OnStageDone(r.name, "retry")
					}
				case spec.DecisionRestart:
					st.UserState = initialSnapshot.Clone()
					st.Pending[r.name] = true
					if e.OnStageDone != nil {
						e.OnStageDone(r.name, "restart")
					}
				default: // DecisionStop
					st.Err = r.err
					stop = true
					if e.OnStageDone != nil {
						e.OnStageDone(r.name, "error")
					}
				}
			}
			if stop {
				state = StateFailed
				continue
			}
			state = StatePlanning

		case StateCompleted:
			if e.Hooks.HandleComplete != nil {
				if updated, err := e.Hooks.HandleComplete(st.Results, st.UserState); err == nil {
					st.UserState = updated
				}
			}
			return st.Results, nil

		case StateFailed:
			return nil, st.Err
		}
	}
}

func filterInFlightAndPending(ready []string, st *SessionState) []string {
	out := ready[:0:0]
	for _, name := range ready {
		if st.InFlight[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}

// dispatch spawns one goroutine per ready stage, each observing a
// consistent dependency-results snapshot at the moment of dispatch
// (spec §5 "Stage-level" ordering guarantee).
func (e *Executor) dispatch(ctx context.Context, ready []string, st *SessionState, globalInput map[string]any) {
	depSnapshot := make(map[string]any, len(st.Results))
	for k, v := range st.Results {
		depSnapshot[k] = v
	}
	userStateSnapshot := st.UserState.Clone()

	st.pendingRound = make(chan stageResult, len(ready))
	for _, name := range ready {
		stSpec := e.findStage(name)
		go func(stSpec spec.StageSpec) {
			value, newState, err := e.Runner.RunStage(ctx, stSpec, globalInput, depSnapshot, st.SessionID, userStateSnapshot)
			st.pendingRound <- stageResult{name: stSpec.Name, value: value, newState: newState, err: err}
		}(stSpec)
	}
}

func (e *Executor) findStage(name string) spec.StageSpec {
	for _, s := range e.Agent.Stages {
		if s.Name == name {
			return s
		}
	}
	return spec.StageSpec{Name: name}
}

// awaitRound drains exactly len(current in-flight dispatch) results from
// the round's channel, one receive per call, then returns them. Because
// dispatch only ever fires once per planning cycle and InFlight tracks
// exactly those names, this never blocks past the dispatched count.
func (e *Executor) awaitRound(ctx context.Context, st *SessionState) []stageResult {
	n := len(st.InFlight)
	out := make([]stageResult, 0, n)
	for i := 0; i < n; i++ {
		select {
		case r := <-st.pendingRound:
			out = append(out, r)
		case <-ctx.Done():
			return out
		}
	}
	return out
}

func (e *Executor) consultHandleError(ctx context.Context, stageName string, cause error, state spec.UserState) (spec.ErrorDecision, spec.UserState, error) {
	class := string(agenterrors.ClassOf(cause))
	if e.Hooks.HandleError == nil {
		// Default policy (spec §7): external errors retry, everything
		// else stops.
		if class == string(agenterrors.ClassExternal) {
			return spec.DecisionRetry, state, nil
		}
		return spec.DecisionStop, state, nil
	}
	return e.Hooks.HandleError(spec.ErrorContext{SessionID: sessionIDFromContext(ctx), StageName: stageName, Class: class, Cause: cause}, state)
}

// sessionIDFromContext recovers the session id carried in ctx for
// HandleError's context argument. Run does not set it: the caller
// annotates ctx with WithSessionID before calling Run (session.Start
// does), and the id is "" when ctx carries none.
func sessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

type sessionIDKey struct{}

// WithSessionID annotates ctx with a session id for HandleError's
// ErrorContext.SessionID field.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}
