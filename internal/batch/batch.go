// Package batch runs the action executor over a list of ids with a bounded
// number of jobs in flight.
package batch

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"

	"threadsweep/internal/action"
	"threadsweep/internal/halt"
)

// DefaultMaxConcurrency caps parallel actions against a single tab.
const DefaultMaxConcurrency = 3

// Executor acts on one id.
type Executor interface {
	Execute(ctx context.Context, id string, dryRun bool) action.Result
}

// Progress is reported once per finished job.
type Progress struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	DryRun bool   `json:"dryRun,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Summary is reported once when the run ends.
type Summary struct {
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Halted    bool            `json:"halted"`
	Results   []action.Result `json:"-"`
}

// Hooks receive run events. Calls are serialized.
type Hooks struct {
	OnProgress func(Progress)
	OnComplete func(Summary)
}

// Runner admits jobs as slots free up.
type Runner struct {
	exec           Executor
	MaxConcurrency int
	Label          string
}

func NewRunner(exec Executor) *Runner {
	return &Runner{exec: exec, MaxConcurrency: DefaultMaxConcurrency}
}

// Clamp bounds a requested concurrency to 1..max.
func Clamp(n, max int) int {
	if max <= 0 {
		max = DefaultMaxConcurrency
	}
	if n < 1 {
		return 1
	}
	if n > max {
		return max
	}
	return n
}

// Run processes ids with at most concurrency jobs in flight. Once tok fires
// no further job is admitted; jobs already running finish and report.
func (r *Runner) Run(ctx context.Context, ids []string, concurrency int, dryRun bool, tok *halt.Token, hooks Hooks) Summary {
	slots := Clamp(concurrency, r.MaxConcurrency)
	sem := semaphore.NewWeighted(int64(slots))

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		summary Summary
	)

	admitted := 0
	for _, id := range ids {
		if tok.Requested() {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if tok.Requested() {
			sem.Release(1)
			break
		}
		admitted++
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)

			res := r.exec.Execute(ctx, id, dryRun)

			mu.Lock()
			defer mu.Unlock()
			summary.Results = append(summary.Results, res)
			if res.OK {
				summary.Succeeded++
			} else {
				summary.Failed++
			}
			if hooks.OnProgress != nil {
				hooks.OnProgress(Progress{ID: id, OK: res.OK, DryRun: dryRun, Error: res.Error})
			}
		}(id)
	}
	wg.Wait()

	summary.Skipped = len(ids) - admitted
	summary.Halted = tok.Requested() && summary.Skipped > 0
	log.Printf("[delete:%s] done: %d ok, %d failed, %d skipped (dry run %v)",
		r.Label, summary.Succeeded, summary.Failed, summary.Skipped, dryRun)
	if hooks.OnComplete != nil {
		hooks.OnComplete(summary)
	}
	return summary
}
