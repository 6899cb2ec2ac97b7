// Package engine owns the run state shared by the scan, filter and delete
// operations and turns their progress into controller events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"threadsweep/internal/action"
	"threadsweep/internal/batch"
	"threadsweep/internal/collector"
	"threadsweep/internal/extract"
	"threadsweep/internal/halt"
	"threadsweep/internal/mangle"
	"threadsweep/internal/thread"
)

// Precondition errors. These are returned to the caller and no work starts.
var (
	ErrBusy            = errors.New("a run is already in progress")
	ErrNoTarget        = errors.New("no messenger tab available")
	ErrNothingSelected = errors.New("nothing selected")
	ErrInvalidFilter   = thread.ErrInvalidFilter
	ErrUnknownThread   = errors.New("unknown thread")
)

// Status is the run status shown to controllers.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusScanning Status = "scanning"
	StatusDeleting Status = "deleting"
)

// Progress counters never decrease within a run.
type Progress struct {
	Scanned       int `json:"scanned"`
	Deleted       int `json:"deleted"`
	TotalToDelete int `json:"totalToDelete"`
}

// Snapshot is the controller-visible run state.
type Snapshot struct {
	RunID       string            `json:"runId"`
	Status      Status            `json:"status"`
	Site        string            `json:"site"`
	Filters     thread.FilterSpec `json:"filters"`
	Threads     []thread.Record   `json:"threads"`
	SelectedIDs []string          `json:"selectedIds"`
	Progress    Progress          `json:"progress"`
	Errors      []string          `json:"errors"`
	ErrorCount  int               `json:"errorCount"`
	DryRun      bool              `json:"dryRun"`
}

// Options configure the engine and the components it drives.
type Options struct {
	Collector      collector.Options
	Policy         action.Policy
	MaxConcurrency int
	DisplayErrors  int
	EventBuffer    int
	SelfToken      string
	GroupThreshold int
}

func DefaultOptions() Options {
	return Options{
		Collector:      collector.DefaultOptions(),
		Policy:         action.DefaultPolicy(),
		MaxConcurrency: batch.DefaultMaxConcurrency,
		DisplayErrors:  5,
		EventBuffer:    DefaultEventBuffer,
		SelfToken:      extract.DefaultSelfToken,
		GroupThreshold: thread.DefaultGroupThreshold,
	}
}

// Engine coordinates one run at a time against the active target.
type Engine struct {
	opts      Options
	targets   TargetProvider
	deps      Deps
	extractor *extract.Extractor
	events    *EventQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	runID      string
	status     Status
	site       string
	filters    thread.FilterSpec
	threads    []thread.Record
	index      map[string]int
	selected   []string
	progress   Progress
	errs       []string
	dryRun     bool
	stopScan   *halt.Token
	stopDelete *halt.Token
	// previews counts message reads holding the tab.
	previews int
}

func New(targets TargetProvider, opts Options, deps Deps) *Engine {
	if opts.DisplayErrors <= 0 {
		opts.DisplayErrors = 5
	}
	if opts.GroupThreshold <= 0 {
		opts.GroupThreshold = thread.DefaultGroupThreshold
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = batch.DefaultMaxConcurrency
	}
	opts.Collector.GroupThreshold = opts.GroupThreshold

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:      opts,
		targets:   targets,
		deps:      deps,
		extractor: extract.New(opts.SelfToken, opts.GroupThreshold),
		events:    NewEventQueue(opts.EventBuffer),
		ctx:       ctx,
		cancel:    cancel,
		runID:     uuid.NewString(),
		status:    StatusIdle,
		index:     make(map[string]int),
	}
}

// Events is the queue controllers drain.
func (e *Engine) Events() *EventQueue { return e.events }

// Close stops any running work and waits for it to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	e.stopScan.Request()
	e.stopDelete.Request()
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

// Wait blocks until background runs finish. Intended for tests and shutdown.
func (e *Engine) Wait() { e.wg.Wait() }

func validateFilters(spec thread.FilterSpec) error {
	if spec.GroupOnly && spec.OneToOneOnly {
		return fmt.Errorf("%w: groupOnly and oneToOneOnly are mutually exclusive", ErrInvalidFilter)
	}
	_, err := thread.Compile(spec)
	return err
}

// ScanStart begins a new run: previous threads, selection, progress and
// errors are cleared. When filters is nil the current filters are kept.
func (e *Engine) ScanStart(ctx context.Context, filters *thread.FilterSpec) error {
	if filters != nil {
		if err := validateFilters(*filters); err != nil {
			return err
		}
	}

	e.mu.Lock()
	if e.status != StatusIdle || e.previews > 0 {
		e.mu.Unlock()
		return ErrBusy
	}
	e.status = StatusScanning
	e.mu.Unlock()

	target, err := e.targets.Active(ctx)
	if err != nil || target == nil {
		e.setStatus(StatusIdle)
		if err == nil {
			return ErrNoTarget
		}
		return fmt.Errorf("%w: %v", ErrNoTarget, err)
	}

	tok := halt.New()
	e.mu.Lock()
	e.runID = uuid.NewString()
	e.site = target.Site()
	if filters != nil {
		e.filters = *filters
	}
	e.threads = nil
	e.index = make(map[string]int)
	e.selected = nil
	e.progress = Progress{}
	e.errs = nil
	e.stopScan = tok
	runID := e.runID
	e.mu.Unlock()

	log.Printf("[scan:%s] starting on %s", runID, target.Site())
	e.publishState()

	e.wg.Add(1)
	go e.runScan(runID, target, tok)
	return nil
}

func (e *Engine) runScan(runID string, target Target, tok *halt.Token) {
	defer e.wg.Done()

	opts := e.opts.Collector
	opts.Label = runID
	col := collector.New(opts, e.extractor)

	res, err := col.Run(e.ctx, target.Surface(), tok, func(chunk []thread.Record) {
		scanned := e.mergeThreads(chunk)
		e.publish(EventScanProgress, ScanProgress{Threads: chunk, Scanned: scanned})
		e.addFacts(threadFacts(target.Site(), chunk))
	})
	if err != nil {
		e.appendError(fmt.Sprintf("scan: %v", err))
	}

	e.mu.Lock()
	// Records from the final result win over streamed chunks.
	for _, rec := range res.Records {
		e.upsertLocked(rec)
	}
	e.progress.Scanned = maxInt(e.progress.Scanned, len(e.threads))
	e.reselectLocked()
	threads := append([]thread.Record(nil), e.threads...)
	site := e.site
	e.status = StatusIdle
	e.stopScan = nil
	e.mu.Unlock()

	reason := string(res.StopReason)
	if e.deps.Ledger != nil {
		if err := e.deps.Ledger.RecordScan(e.ctx, runID, site, threads); err != nil {
			log.Printf("[scan:%s] ledger: %v", runID, err)
		}
	}
	e.addFacts([]mangle.Fact{{
		Predicate: "scan_complete",
		Args:      []interface{}{runID, len(threads), reason},
		Timestamp: time.Now(),
	}})
	e.publish(EventScanComplete, ScanComplete{Count: len(threads), Reason: reason, Rounds: res.Rounds})
	e.publishState()
}

// ScanStop asks a running scan to stop at its next checkpoint.
func (e *Engine) ScanStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopScan.Request()
}

// ApplyFilters replaces the filters and recomputes the selection.
func (e *Engine) ApplyFilters(spec thread.FilterSpec) ([]string, error) {
	if err := validateFilters(spec); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.filters = spec
	e.reselectLocked()
	selected := append([]string(nil), e.selected...)
	e.mu.Unlock()

	e.addFacts(selectionFacts(e.currentRunID(), selected))
	e.publishState()
	return selected, nil
}

// Select replaces the selection with ids, keeping only known threads.
func (e *Engine) Select(ids []string) ([]string, error) {
	e.mu.Lock()
	if e.status == StatusDeleting {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	seen := make(map[string]struct{}, len(ids))
	selected := make([]string, 0, len(ids))
	var unknown []string
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := e.index[id]; !ok {
			unknown = append(unknown, id)
			continue
		}
		selected = append(selected, id)
	}
	e.selected = selected
	out := append([]string(nil), selected...)
	e.mu.Unlock()

	if len(unknown) > 0 {
		log.Printf("[engine] ignoring %d unknown ids in selection", len(unknown))
	}
	e.addFacts(selectionFacts(e.currentRunID(), out))
	e.publishState()
	return out, nil
}

// DeleteStart runs the guarded action once per distinct id in ids, or over
// the current selection when ids is empty. Dry runs never touch the target and do not
// require one.
func (e *Engine) DeleteStart(ctx context.Context, ids []string, dryRun bool, batchSize int) error {
	e.mu.Lock()
	if e.status != StatusIdle || (!dryRun && e.previews > 0) {
		e.mu.Unlock()
		return ErrBusy
	}
	if len(ids) == 0 {
		ids = e.selected
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		e.mu.Unlock()
		return ErrNothingSelected
	}
	e.status = StatusDeleting
	e.mu.Unlock()

	var adapter action.Adapter = noopAdapter{}
	if !dryRun {
		target, err := e.targets.Active(ctx)
		if err != nil || target == nil {
			e.setStatus(StatusIdle)
			if err == nil {
				return ErrNoTarget
			}
			return fmt.Errorf("%w: %v", ErrNoTarget, err)
		}
		adapter = target.Actions()
	}

	tok := halt.New()
	e.mu.Lock()
	e.dryRun = dryRun
	e.progress.TotalToDelete += len(ids)
	e.stopDelete = tok
	runID := e.runID
	e.mu.Unlock()

	concurrency := batch.Clamp(batchSize, e.opts.MaxConcurrency)
	log.Printf("[delete:%s] starting %d ids (dry run %v, concurrency %d)", runID, len(ids), dryRun, concurrency)
	e.publishState()

	e.wg.Add(1)
	go e.runDelete(runID, adapter, ids, dryRun, concurrency, tok)
	return nil
}

// uniqueIDs returns a fresh copy of ids without blanks or repeats, in first-seen
// order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (e *Engine) runDelete(runID string, adapter action.Adapter, ids []string, dryRun bool, concurrency int, tok *halt.Token) {
	defer e.wg.Done()

	exec := action.NewExecutor(adapter, e.opts.Policy)
	runner := batch.NewRunner(exec)
	runner.MaxConcurrency = e.opts.MaxConcurrency
	runner.Label = runID

	summary := runner.Run(e.ctx, ids, concurrency, dryRun, tok, batch.Hooks{
		OnProgress: func(p batch.Progress) {
			e.recordOutcome(runID, p)
			e.publish(EventDeleteProgress, p)
		},
	})

	e.mu.Lock()
	e.status = StatusIdle
	e.stopDelete = nil
	e.mu.Unlock()

	e.publish(EventDeleteComplete, DeleteComplete{
		Deleted: summary.Succeeded,
		Failed:  summary.Failed,
		Skipped: summary.Skipped,
		Halted:  summary.Halted,
		DryRun:  dryRun,
	})
	e.publishState()
}

func (e *Engine) recordOutcome(runID string, p batch.Progress) {
	e.mu.Lock()
	if p.OK {
		e.progress.Deleted++
		if !p.DryRun {
			e.removeLocked(p.ID)
		}
	} else {
		e.errs = append(e.errs, fmt.Sprintf("%s: %s", p.ID, p.Error))
	}
	e.mu.Unlock()

	if e.deps.Ledger != nil {
		if err := e.deps.Ledger.RecordOutcome(e.ctx, runID, p); err != nil {
			log.Printf("[delete:%s] ledger: %v", runID, err)
		}
	}
	e.addFacts([]mangle.Fact{{
		Predicate: "delete_result",
		Args:      []interface{}{runID, p.ID, p.OK, p.Error},
		Timestamp: time.Now(),
	}})
}

// DeleteStop stops admitting new ids; in-flight actions finish.
func (e *Engine) DeleteStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopDelete.Request()
}

// Reset clears the run. It fails while work is in progress.
func (e *Engine) Reset() error {
	e.mu.Lock()
	if e.status != StatusIdle {
		e.mu.Unlock()
		return ErrBusy
	}
	e.runID = uuid.NewString()
	e.threads = nil
	e.index = make(map[string]int)
	e.selected = nil
	e.progress = Progress{}
	e.errs = nil
	e.dryRun = false
	e.mu.Unlock()

	e.publishState()
	return nil
}

// State returns the current snapshot with the most recent errors only.
func (e *Engine) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Errors returns every error recorded in the run.
func (e *Engine) Errors() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.errs...)
}

// Thread returns the stored record for id.
func (e *Engine) Thread(id string) (thread.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, ok := e.index[id]
	if !ok {
		return thread.Record{}, false
	}
	return e.threads[i], true
}

// Threads returns every stored record, optionally only the selected ones.
func (e *Engine) Threads(selectedOnly bool) []thread.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !selectedOnly {
		return append([]thread.Record(nil), e.threads...)
	}
	out := make([]thread.Record, 0, len(e.selected))
	for _, id := range e.selected {
		if i, ok := e.index[id]; ok {
			out = append(out, e.threads[i])
		}
	}
	return out
}

func (e *Engine) snapshotLocked() Snapshot {
	errs := e.errs
	if len(errs) > e.opts.DisplayErrors {
		errs = errs[len(errs)-e.opts.DisplayErrors:]
	}
	return Snapshot{
		RunID:       e.runID,
		Status:      e.status,
		Site:        e.site,
		Filters:     e.filters,
		Threads:     append([]thread.Record{}, e.threads...),
		SelectedIDs: append([]string{}, e.selected...),
		Progress:    e.progress,
		Errors:      append([]string{}, errs...),
		ErrorCount:  len(e.errs),
		DryRun:      e.dryRun,
	}
}

func (e *Engine) mergeThreads(chunk []thread.Record) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range chunk {
		e.upsertLocked(rec)
	}
	e.progress.Scanned = maxInt(e.progress.Scanned, len(e.threads))
	return e.progress.Scanned
}

func (e *Engine) upsertLocked(rec thread.Record) {
	if i, ok := e.index[rec.ID]; ok {
		e.threads[i] = thread.Merge(e.threads[i], rec, e.opts.GroupThreshold)
		return
	}
	e.index[rec.ID] = len(e.threads)
	e.threads = append(e.threads, rec)
}

func (e *Engine) removeLocked(id string) {
	i, ok := e.index[id]
	if !ok {
		return
	}
	e.threads = append(e.threads[:i], e.threads[i+1:]...)
	e.index = make(map[string]int, len(e.threads))
	for j, t := range e.threads {
		e.index[t.ID] = j
	}
	kept := e.selected[:0]
	for _, s := range e.selected {
		if s != id {
			kept = append(kept, s)
		}
	}
	e.selected = kept
}

// reselectLocked recomputes the selection from the current filters. A
// filter that no longer compiles leaves the selection untouched.
func (e *Engine) reselectLocked() {
	pred, err := thread.Compile(e.filters)
	if err != nil {
		return
	}
	e.selected = thread.Select(e.threads, pred)
}

func (e *Engine) appendError(msg string) {
	e.mu.Lock()
	e.errs = append(e.errs, msg)
	e.mu.Unlock()
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *Engine) currentRunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

func (e *Engine) publish(kind EventKind, payload interface{}) {
	ev := Event{Kind: kind, RunID: e.currentRunID(), Time: time.Now(), Payload: payload}
	e.events.Publish(ev)
	if e.deps.Tracer != nil {
		e.deps.Tracer.Log(string(kind), ev.RunID, payload)
	}
}

func (e *Engine) publishState() {
	e.publish(EventState, e.State())
}

func (e *Engine) addFacts(facts []mangle.Fact) {
	if e.deps.Facts == nil || len(facts) == 0 {
		return
	}
	if err := e.deps.Facts.AddFacts(e.ctx, facts); err != nil {
		log.Printf("[engine] add facts: %v", err)
	}
}

func threadFacts(site string, recs []thread.Record) []mangle.Fact {
	now := time.Now()
	facts := make([]mangle.Fact, 0, len(recs)*3)
	for _, r := range recs {
		var ts int64
		if r.LastActivityTs != nil {
			ts = *r.LastActivityTs
		}
		facts = append(facts, mangle.Fact{
			Predicate: "thread",
			Args:      []interface{}{r.ID, site, r.IsGroup, r.Unread, ts},
			Timestamp: now,
		})
		for _, p := range r.Participants {
			facts = append(facts, mangle.Fact{Predicate: "participant", Args: []interface{}{r.ID, p}, Timestamp: now})
		}
		if r.HasAttachments {
			facts = append(facts, mangle.Fact{Predicate: "has_attachments", Args: []interface{}{r.ID}, Timestamp: now})
		}
	}
	return facts
}

func selectionFacts(runID string, ids []string) []mangle.Fact {
	now := time.Now()
	facts := make([]mangle.Fact, 0, len(ids))
	for _, id := range ids {
		facts = append(facts, mangle.Fact{Predicate: "selected", Args: []interface{}{runID, id}, Timestamp: now})
	}
	return facts
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// noopAdapter backs dry runs, which never call it.
type noopAdapter struct{}

func (noopAdapter) Locate(context.Context, string) (bool, error)  { return false, nil }
func (noopAdapter) ScrollTo(context.Context, action.Edge) error   { return nil }
func (noopAdapter) Open(context.Context, string) error            { return nil }
func (noopAdapter) RevealControls(context.Context, string) error  { return nil }
func (noopAdapter) Trigger(context.Context, string, string) error { return nil }
func (noopAdapter) Confirm(context.Context, string) error         { return nil }
