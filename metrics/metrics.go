// Package metrics exposes Prometheus instrumentation for Commander.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsProcessed counts call turns handled by the turn processor.
	TurnsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commander_turns_processed_total",
		Help: "Number of call turns processed.",
	})

	// LLMFallbacks counts deterministic fallbacks taken when an LLM call
	// timed out or failed, labeled by stage (reply, extract, analysis).
	LLMFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commander_llm_fallbacks_total",
		Help: "Number of deterministic fallbacks taken on LLM failure.",
	}, []string{"stage"})

	// EventsProcessed counts overseer events handled by Commander workers.
	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commander_events_processed_total",
		Help: "Number of overseer events processed.",
	})

	// DirectivesStaged counts directives staged for calls, by type.
	DirectivesStaged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commander_directives_staged_total",
		Help: "Number of directives staged for active calls.",
	}, []string{"type"})

	// DirectivesDropped counts directives skipped because their target call
	// was no longer active.
	DirectivesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commander_directives_dropped_total",
		Help: "Number of directives dropped because the target call ended.",
	})

	// AnalysisFailures counts Commander LLM analysis steps that failed and
	// were skipped (deterministic updates were still persisted).
	AnalysisFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commander_analysis_failures_total",
		Help: "Number of failed (skipped) LLM analysis steps.",
	})
)
