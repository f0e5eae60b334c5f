// Package telemetry wires the five named span/metric pairs of spec §6
// (agent_execution, dag_planning, stage_execution, llm_call,
// tool_execution) through OpenTelemetry and Prometheus, grounded on the
// teacher's pkg/observability/manager.go, tracer.go and metrics.go.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/flowstack/agentgraph"

// Manager bundles a tracer and the Prometheus collectors every span
// pairs with, matching the teacher's observability.Manager{tracer,
// metrics} shape.
type Manager struct {
	tracer           trace.Tracer
	callDuration     *prometheus.HistogramVec
	callTotal        *prometheus.CounterVec
	stageFailures    *prometheus.CounterVec
}

// NewManager builds a Manager registered against reg. Pass
// prometheus.DefaultRegisterer for production use, or a fresh
// prometheus.NewRegistry() in tests to avoid cross-test collisions.
func NewManager(reg prometheus.Registerer) *Manager {
	m := &Manager{
		tracer: otel.Tracer(instrumentationName),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "agentgraph_call_duration_seconds",
			Help: "Duration of instrumented calls (every event started via Start).",
		}, []string{"event", "agent", "status"}),
		callTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgraph_call_total",
			Help: "Count of instrumented calls by event and outcome status.",
		}, []string{"event", "agent", "status"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgraph_stage_failures_total",
			Help: "Count of stage failures by class.",
		}, []string{"agent", "class"}),
	}
	reg.MustRegister(m.callDuration, m.callTotal, m.stageFailures)
	return m
}

// Span is a started, in-flight span; callers fill in status/attributes
// in Stop, matching the spec's "stop is emitted exactly once per start,
// along every code path" invariant.
type Span struct {
	span  trace.Span
	timer *prometheus.Timer
	event string
	agent string
	m     *Manager
}

// Start begins an event span with the given start-metadata attributes
// (spec §6's telemetry table).
func (m *Manager) Start(ctx context.Context, event, agent string, attrs map[string]string) (context.Context, *Span) {
	kvs := make([]attribute.KeyValue, 0, len(attrs)+2)
	kvs = append(kvs, attribute.String("event", event), attribute.String("agent", agent))
	for k, v := range attrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	ctx, span := m.tracer.Start(ctx, event, trace.WithAttributes(kvs...))
	timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
		m.callDuration.WithLabelValues(event, agent, "pending").Observe(v)
	}))
	return ctx, &Span{span: span, timer: timer, event: event, agent: agent, m: m}
}

// Stop ends the span with the given status ("ok", "error", etc.) and
// stop-metadata attributes.
func (s *Span) Stop(status string, attrs map[string]string) {
	defer s.span.End()
	kvs := make([]attribute.KeyValue, 0, len(attrs)+1)
	kvs = append(kvs, attribute.String("status", status))
	for k, v := range attrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	s.span.SetAttributes(kvs...)
	if status == "error" {
		s.span.SetStatus(codes.Error, "")
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.timer.ObserveDuration()
	s.m.callTotal.WithLabelValues(s.event, s.agent, status).Inc()
}

// RecordError annotates the current span with err without ending it,
// matching the teacher's span.RecordError pattern for mid-flight errors
// that don't themselves end the call (e.g. a retried tool invocation).
func (s *Span) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

// RecordStageFailure increments the stage-failure counter, independent
// of any span, so dashboards can chart failure-class distribution.
func (m *Manager) RecordStageFailure(agent, class string) {
	m.stageFailures.WithLabelValues(agent, class).Inc()
}

// PlanningSpan is the dag_planning half of the five-event telemetry
// table (spec §6): one span per planning cycle, carrying the
// ready/planned/effective-ready counts the orchestrator computes.
type PlanningSpan struct {
	span *Span
}

// StartPlanning begins a dag_planning span (spec §6 start metadata:
// agent, session_id, completed_count, total). Implements
// orchestrator.PlanningSpanner via the thin adapter in the session
// package.
func (m *Manager) StartPlanning(ctx context.Context, agent, sessionID string, completedCount, total int) *PlanningSpan {
	attrs := map[string]string{
		"session_id":      sessionID,
		"completed_count": itoa(completedCount),
		"total":           itoa(total),
	}
	_, span := m.Start(ctx, "dag_planning", agent, attrs)
	return &PlanningSpan{span: span}
}

// Stop ends the planning span with the stop metadata spec §6 requires:
// ready_from_dag, planned, effective_ready, status.
func (p *PlanningSpan) Stop(readyFromDAG, planned, effectiveReady int, status string) {
	p.span.Stop(status, map[string]string{
		"ready_from_dag":  itoa(readyFromDAG),
		"planned":         itoa(planned),
		"effective_ready": itoa(effectiveReady),
	})
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
