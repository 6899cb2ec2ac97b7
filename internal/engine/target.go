package engine

import (
	"context"

	"threadsweep/internal/action"
	"threadsweep/internal/batch"
	"threadsweep/internal/collector"
	"threadsweep/internal/mangle"
	"threadsweep/internal/thread"
)

// Target is one live conversation surface.
type Target interface {
	Site() string
	Surface() collector.Surface
	Actions() action.Adapter
	Messages() MessageSource
}

// MessageSource loads the rendered messages of one conversation.
type MessageSource interface {
	Messages(ctx context.Context, threadID string) ([]thread.Message, error)
}

// TargetProvider resolves the surface the engine should act on.
type TargetProvider interface {
	Active(ctx context.Context) (Target, error)
}

// FactSink receives derived facts about scans and outcomes.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Ledger persists scan snapshots and per-id outcomes.
type Ledger interface {
	RecordScan(ctx context.Context, runID, site string, records []thread.Record) error
	RecordOutcome(ctx context.Context, runID string, p batch.Progress) error
}

// Tracer records every published event.
type Tracer interface {
	Log(eventType, sessionID string, data interface{})
}

// Deps are optional collaborators. Nil members are skipped.
type Deps struct {
	Facts  FactSink
	Ledger Ledger
	Tracer Tracer
}
