// Package action runs the guarded per-conversation action sequence: find the
// row, open it, reveal its controls, trigger the action and confirm it. Each
// interactive stage is retried with exponential backoff and reports a
// stage-specific failure when it runs out of attempts.
package action

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"threadsweep/internal/halt"
)

// State is a position in the action sequence.
type State int

const (
	Idle State = iota
	Locating
	Opening
	RevealingControls
	Triggering
	Confirming
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Locating:
		return "locating"
	case Opening:
		return "opening"
	case RevealingControls:
		return "revealing_controls"
	case Triggering:
		return "triggering"
	case Confirming:
		return "confirming"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Edge is a scroll target for the conversation list.
type Edge int

const (
	EdgeStart Edge = iota
	EdgeEnd
)

// Adapter performs the surface-specific steps. Each call is a single attempt;
// retrying is the executor's job.
type Adapter interface {
	Locate(ctx context.Context, id string) (bool, error)
	ScrollTo(ctx context.Context, edge Edge) error
	Open(ctx context.Context, id string) error
	RevealControls(ctx context.Context, id string) error
	Trigger(ctx context.Context, id, intent string) error
	Confirm(ctx context.Context, id string) error
}

var (
	ErrNotFound       = errors.New("not found")
	ErrNotLoaded      = errors.New("did not load")
	ErrControlsHidden = errors.New("controls not revealed")
	ErrActionMissing  = errors.New("action control not found")
	ErrConfirmMissing = errors.New("confirm control not found")
)

// StageError reports the stage an action died in. Error returns only the
// stage reason; Cause keeps the last adapter error for logs.
type StageError struct {
	ID    string
	Stage State
	Err   error
	Cause error
}

func (e *StageError) Error() string { return e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// Policy tunes locating and stage retries.
type Policy struct {
	Attempts     int
	BaseDelay    time.Duration
	Factor       float64
	Jitter       float64
	MaxDelay     time.Duration
	LocateRounds int
	LocateWait   time.Duration
	Intent       string
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:     3,
		BaseDelay:    400 * time.Millisecond,
		Factor:       2,
		Jitter:       0.25,
		MaxDelay:     5 * time.Second,
		LocateRounds: 6,
		LocateWait:   300 * time.Millisecond,
		Intent:       "Delete",
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.LocateRounds <= 0 {
		p.LocateRounds = d.LocateRounds
	}
	if p.LocateWait < 0 {
		p.LocateWait = 0
	}
	if p.Intent == "" {
		p.Intent = d.Intent
	}
	return p
}

// Result is the outcome of one action.
type Result struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	DryRun  bool            `json:"dryRun"`
	Err     error           `json:"-"`
	Error   string          `json:"error,omitempty"`
	Stages  []State         `json:"stages"`
	Retries []time.Duration `json:"retries,omitempty"`
}

// Exclusive is implemented by adapters whose jobs share one page. The
// executor holds the returned release from locating through confirming, so
// the menu and dialog a job opens are the ones it acts on.
type Exclusive interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Executor drives an Adapter through the action sequence.
type Executor struct {
	adapter Adapter
	policy  Policy
	// OnTransition, when set, observes every state change.
	OnTransition func(id string, s State)
}

func NewExecutor(adapter Adapter, policy Policy) *Executor {
	return &Executor{adapter: adapter, policy: policy.normalized()}
}

func (e *Executor) Policy() Policy { return e.policy }

// Execute runs the sequence for id. A dry run succeeds without touching the
// adapter.
func (e *Executor) Execute(ctx context.Context, id string, dryRun bool) Result {
	res := Result{ID: id, DryRun: dryRun}
	if dryRun {
		res.OK = true
		e.transition(id, Done)
		return res
	}

	if ex, ok := e.adapter.(Exclusive); ok {
		release, err := ex.Acquire(ctx)
		if err != nil {
			return e.fail(res, fmt.Errorf("waiting for page: %w", err))
		}
		defer release()
	}

	if err := e.locate(ctx, id); err != nil {
		return e.fail(res, err)
	}
	res.Stages = append(res.Stages, Locating)

	stages := []struct {
		state State
		fail  error
		run   func(context.Context) error
	}{
		{Opening, ErrNotLoaded, func(ctx context.Context) error { return e.adapter.Open(ctx, id) }},
		{RevealingControls, ErrControlsHidden, func(ctx context.Context) error { return e.adapter.RevealControls(ctx, id) }},
		{Triggering, ErrActionMissing, func(ctx context.Context) error { return e.adapter.Trigger(ctx, id, e.policy.Intent) }},
		{Confirming, ErrConfirmMissing, func(ctx context.Context) error { return e.adapter.Confirm(ctx, id) }},
	}
	for _, st := range stages {
		e.transition(id, st.state)
		delays, err := e.retry(ctx, st.run)
		res.Retries = append(res.Retries, delays...)
		if err != nil {
			return e.fail(res, &StageError{ID: id, Stage: st.state, Err: st.fail, Cause: err})
		}
		res.Stages = append(res.Stages, st.state)
	}

	e.transition(id, Done)
	res.OK = true
	return res
}

func (e *Executor) locate(ctx context.Context, id string) error {
	e.transition(id, Locating)
	var lastErr error
	for round := 0; round < e.policy.LocateRounds; round++ {
		found, err := e.adapter.Locate(ctx, id)
		if err != nil {
			lastErr = err
		}
		if found {
			return nil
		}
		edge := EdgeStart
		if round%2 == 1 {
			edge = EdgeEnd
		}
		if err := e.adapter.ScrollTo(ctx, edge); err != nil {
			lastErr = err
		}
		if err := halt.Sleep(ctx, nil, e.policy.LocateWait); err != nil {
			return &StageError{ID: id, Stage: Locating, Err: ErrNotFound, Cause: err}
		}
	}
	return &StageError{ID: id, Stage: Locating, Err: ErrNotFound, Cause: lastErr}
}

// retry runs op up to Attempts times and returns every delay it waited.
func (e *Executor) retry(ctx context.Context, op func(context.Context) error) ([]time.Duration, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.policy.BaseDelay
	b.Multiplier = e.policy.Factor
	b.RandomizationFactor = e.policy.Jitter
	b.MaxInterval = e.policy.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var delays []time.Duration
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.policy.Attempts-1)), ctx)
	err := backoff.RetryNotify(
		func() error { return op(ctx) },
		policy,
		func(_ error, d time.Duration) { delays = append(delays, d) },
	)
	return delays, err
}

func (e *Executor) fail(res Result, err error) Result {
	res.OK = false
	res.Err = err
	res.Error = err.Error()
	var se *StageError
	if errors.As(err, &se) && se.Cause != nil {
		log.Printf("[delete] %s failed while %s: %s (%v)", res.ID, se.Stage, se.Err, se.Cause)
	}
	e.transition(res.ID, Failed)
	return res
}

func (e *Executor) transition(id string, s State) {
	if e.OnTransition != nil {
		e.OnTransition(id, s)
	}
}
