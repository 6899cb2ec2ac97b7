package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"threadsweep/internal/action"
	"threadsweep/internal/collector"
	"threadsweep/internal/extract"
	"threadsweep/internal/mangle"
	"threadsweep/internal/thread"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type row struct {
	id     string
	label  string
	unread bool
}

type fakeSurface struct {
	rows  []row
	block chan struct{}
}

func (s *fakeSurface) EnumerateVisibleItems(context.Context) ([]collector.ItemHandle, error) {
	out := make([]collector.ItemHandle, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, collector.ItemHandle{Ref: r.id})
	}
	return out, nil
}

func (s *fakeSurface) SubscribeToAdditions(context.Context, func([]collector.ItemHandle)) (func(), error) {
	return func() {}, nil
}

func (s *fakeSurface) RequestMoreContent(ctx context.Context) error {
	if s.block == nil {
		return nil
	}
	select {
	case <-s.block:
	case <-ctx.Done():
	}
	return nil
}

func (s *fakeSurface) ExtractRaw(_ context.Context, h collector.ItemHandle) (extract.RawFields, error) {
	for _, r := range s.rows {
		if r.id == h.Ref {
			return extract.RawFields{Href: "/t/" + r.id, AriaLabel: r.label, Unread: r.unread}, nil
		}
	}
	return extract.RawFields{}, errors.New("gone")
}

type fakeActions struct {
	mu     sync.Mutex
	broken map[string]bool
	opened []string
}

func (a *fakeActions) Locate(context.Context, string) (bool, error) { return true, nil }
func (a *fakeActions) ScrollTo(context.Context, action.Edge) error  { return nil }
func (a *fakeActions) Open(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opened = append(a.opened, id)
	if a.broken[id] {
		return errors.New("timeout")
	}
	return nil
}
func (a *fakeActions) RevealControls(context.Context, string) error  { return nil }
func (a *fakeActions) Trigger(context.Context, string, string) error { return nil }
func (a *fakeActions) Confirm(context.Context, string) error         { return nil }

type fakeMessages struct {
	msgs    []thread.Message
	// When block is set, Messages signals entered and waits for block.
	entered chan struct{}
	block   chan struct{}
}

func (m fakeMessages) Messages(context.Context, string) ([]thread.Message, error) {
	if m.block != nil {
		m.entered <- struct{}{}
		<-m.block
	}
	return m.msgs, nil
}

type fakeTarget struct {
	surface  *fakeSurface
	actions  *fakeActions
	messages fakeMessages
}

func (t *fakeTarget) Site() string               { return "messenger" }
func (t *fakeTarget) Surface() collector.Surface { return t.surface }
func (t *fakeTarget) Actions() action.Adapter    { return t.actions }
func (t *fakeTarget) Messages() MessageSource    { return t.messages }

type provider struct {
	target Target
	err    error
}

func (p provider) Active(context.Context) (Target, error) { return p.target, p.err }

type recordingSink struct {
	mu    sync.Mutex
	facts []mangle.Fact
}

func (s *recordingSink) AddFacts(_ context.Context, facts []mangle.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts, facts...)
	return nil
}

func (s *recordingSink) count(pred string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.facts {
		if f.Predicate == pred {
			n++
		}
	}
	return n
}

func testOptions() Options {
	o := DefaultOptions()
	o.Collector.SettleWait = 0
	o.Policy = action.Policy{
		Attempts:     2,
		BaseDelay:    time.Millisecond,
		Factor:       2,
		MaxDelay:     2 * time.Millisecond,
		LocateRounds: 1,
	}
	return o
}

func scenarioTarget() *fakeTarget {
	return &fakeTarget{
		surface: &fakeSurface{rows: []row{
			{id: "a", label: "Alice, Bob", unread: true},
			{id: "b", label: "X, Y and Z"},
		}},
		actions: &fakeActions{broken: map[string]bool{}},
	}
}

func newEngine(t *testing.T, p TargetProvider, deps Deps) *Engine {
	t.Helper()
	e := New(p, testOptions(), deps)
	t.Cleanup(e.Close)
	return e
}

func drain(q *EventQueue) []Event {
	var out []Event
	for q.Len() > 0 {
		ev, err := q.Next(context.Background())
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

func TestScanWithoutTargetIsPrecondition(t *testing.T) {
	e := newEngine(t, provider{err: errors.New("no tab")}, Deps{})
	err := e.ScanStart(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoTarget)
	assert.Equal(t, StatusIdle, e.State().Status)
}

func TestScanThenFilterScenario(t *testing.T) {
	sink := &recordingSink{}
	e := newEngine(t, provider{target: scenarioTarget()}, Deps{Facts: sink})

	require.NoError(t, e.ScanStart(context.Background(), &thread.FilterSpec{UnreadOnly: true}))
	e.Wait()

	st := e.State()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, "messenger", st.Site)
	require.Len(t, st.Threads, 2)
	assert.Equal(t, 2, st.Progress.Scanned)
	assert.Equal(t, []string{"a"}, st.SelectedIDs)

	selected, err := e.ApplyFilters(thread.FilterSpec{GroupOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, selected)

	var complete *ScanComplete
	for _, ev := range drain(e.Events()) {
		if ev.Kind == EventScanComplete {
			c := ev.Payload.(ScanComplete)
			complete = &c
		}
	}
	require.NotNil(t, complete)
	assert.Equal(t, 2, complete.Count)
	assert.Equal(t, string(collector.StopSettled), complete.Reason)

	assert.Equal(t, 2, sink.count("thread"))
	assert.Equal(t, 1, sink.count("scan_complete"))
}

func TestConflictingFiltersAreRejected(t *testing.T) {
	e := newEngine(t, provider{target: scenarioTarget()}, Deps{})
	_, err := e.ApplyFilters(thread.FilterSpec{GroupOnly: true, OneToOneOnly: true})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	err = e.ScanStart(context.Background(), &thread.FilterSpec{FromDate: "not-a-date"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestBusyWhileScanningAndStop(t *testing.T) {
	target := scenarioTarget()
	target.surface.block = make(chan struct{})
	e := newEngine(t, provider{target: target}, Deps{})

	require.NoError(t, e.ScanStart(context.Background(), nil))
	assert.ErrorIs(t, e.ScanStart(context.Background(), nil), ErrBusy)
	assert.ErrorIs(t, e.DeleteStart(context.Background(), []string{"a"}, true, 1), ErrBusy)
	assert.ErrorIs(t, e.Reset(), ErrBusy)

	e.ScanStop()
	close(target.surface.block)
	e.Wait()

	st := e.State()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Len(t, st.Threads, 2, "seeded rows survive a stopped scan")

	var reason string
	for _, ev := range drain(e.Events()) {
		if ev.Kind == EventScanComplete {
			reason = ev.Payload.(ScanComplete).Reason
		}
	}
	assert.Equal(t, string(collector.StopHalted), reason)
}

func TestDeleteNeedsSelection(t *testing.T) {
	e := newEngine(t, provider{target: scenarioTarget()}, Deps{})
	assert.ErrorIs(t, e.DeleteStart(context.Background(), nil, false, 1), ErrNothingSelected)
}

func TestDryRunNeedsNoTarget(t *testing.T) {
	e := newEngine(t, provider{err: errors.New("no tab")}, Deps{})

	require.NoError(t, e.DeleteStart(context.Background(), []string{"x", "y"}, true, 2))
	e.Wait()

	st := e.State()
	assert.Equal(t, StatusIdle, st.Status)
	assert.True(t, st.DryRun)
	assert.Equal(t, Progress{Deleted: 2, TotalToDelete: 2}, st.Progress)
	assert.Empty(t, st.Errors)

	assert.ErrorIs(t, e.DeleteStart(context.Background(), []string{"x"}, false, 1), ErrNoTarget)
}

func TestDeleteRemovesSuccessesAndLogsFailures(t *testing.T) {
	target := scenarioTarget()
	target.actions.broken["b"] = true
	e := newEngine(t, provider{target: target}, Deps{})

	require.NoError(t, e.ScanStart(context.Background(), nil))
	e.Wait()
	_, err := e.Select([]string{"a", "b", "nope"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, e.State().SelectedIDs)

	require.NoError(t, e.DeleteStart(context.Background(), nil, false, 5))
	e.Wait()

	st := e.State()
	assert.Equal(t, StatusIdle, st.Status)
	require.Len(t, st.Threads, 1)
	assert.Equal(t, "b", st.Threads[0].ID)
	assert.Equal(t, []string{"b"}, st.SelectedIDs)
	assert.Equal(t, 1, st.Progress.Deleted)
	assert.Equal(t, 2, st.Progress.TotalToDelete)
	assert.Equal(t, []string{"b: did not load"}, st.Errors)

	var progress, complete int
	for _, ev := range drain(e.Events()) {
		switch ev.Kind {
		case EventDeleteProgress:
			progress++
		case EventDeleteComplete:
			complete++
			assert.Equal(t, DeleteComplete{Deleted: 1, Failed: 1}, ev.Payload)
		}
	}
	assert.Equal(t, 2, progress)
	assert.Equal(t, 1, complete)
}

func TestErrorsAreCappedForDisplayOnly(t *testing.T) {
	target := scenarioTarget()
	ids := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("bad%d", i)
		ids = append(ids, id)
		target.actions.broken[id] = true
	}
	e := newEngine(t, provider{target: target}, Deps{})

	require.NoError(t, e.DeleteStart(context.Background(), ids, false, 3))
	e.Wait()

	st := e.State()
	assert.Len(t, st.Errors, 5)
	assert.Equal(t, 7, st.ErrorCount)
	assert.Len(t, e.Errors(), 7)
	for _, msg := range e.Errors() {
		assert.True(t, strings.HasSuffix(msg, ": did not load"), msg)
	}
}

func TestResetClearsRun(t *testing.T) {
	e := newEngine(t, provider{target: scenarioTarget()}, Deps{})
	require.NoError(t, e.ScanStart(context.Background(), nil))
	e.Wait()
	before := e.State().RunID

	require.NoError(t, e.Reset())
	st := e.State()
	assert.Empty(t, st.Threads)
	assert.Empty(t, st.SelectedIDs)
	assert.Equal(t, Progress{}, st.Progress)
	assert.NotEqual(t, before, st.RunID)
}

func TestPreviewAndExport(t *testing.T) {
	target := scenarioTarget()
	base := time.Date(2023, 5, 1, 9, 0, 0, 0, time.Local).UnixMilli()
	target.messages = fakeMessages{msgs: []thread.Message{
		{ID: "1", Author: thread.AuthorMe, Text: "invoice attached", Timestamp: base},
		{ID: "2", Author: "them", Text: "thanks", Timestamp: base + 1000},
		{ID: "3", Author: thread.AuthorMe, Text: "second invoice", Timestamp: base + 2000},
	}}
	e := newEngine(t, provider{target: target}, Deps{})

	preview, err := e.PreviewMessages(context.Background(), "a", thread.MessageFilter{Keyword: "invoice"})
	require.NoError(t, err)
	assert.Equal(t, 2, preview.Count)
	assert.Equal(t, []thread.DayCount{{Date: "2023-05-01", Count: 2}}, preview.Histogram)

	var buf bytes.Buffer
	require.NoError(t, e.ExportMessagesCSV(context.Background(), &buf, "a", thread.MessageFilter{Keyword: "invoice"}))
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))

	_, err = e.PreviewMessages(context.Background(), "", thread.MessageFilter{})
	assert.ErrorIs(t, err, ErrUnknownThread)
}

func TestEventQueueDropsOldest(t *testing.T) {
	q := NewEventQueue(2)
	q.Publish(Event{Kind: EventState, RunID: "1"})
	q.Publish(Event{Kind: EventState, RunID: "2"})
	q.Publish(Event{Kind: EventState, RunID: "3"})

	assert.Equal(t, 1, q.Dropped())
	first, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2", first.RunID)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = q.Next(ctx)
	require.NoError(t, err)
	cancel()
	_, err = q.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPreviewRefusedWhileScanning(t *testing.T) {
	target := scenarioTarget()
	target.surface.block = make(chan struct{})
	e := newEngine(t, provider{target: target}, Deps{})

	require.NoError(t, e.ScanStart(context.Background(), nil))
	require.Equal(t, StatusScanning, e.State().Status)

	_, err := e.PreviewMessages(context.Background(), "a", thread.MessageFilter{})
	assert.ErrorIs(t, err, ErrBusy)
	var buf bytes.Buffer
	assert.ErrorIs(t, e.ExportMessagesCSV(context.Background(), &buf, "a", thread.MessageFilter{}), ErrBusy)
	assert.Zero(t, buf.Len())

	e.ScanStop()
	close(target.surface.block)
	e.Wait()

	_, err = e.PreviewMessages(context.Background(), "a", thread.MessageFilter{})
	assert.NoError(t, err)
}

func TestRunsWaitForPreviewToFinish(t *testing.T) {
	target := scenarioTarget()
	target.messages = fakeMessages{entered: make(chan struct{}), block: make(chan struct{})}
	e := newEngine(t, provider{target: target}, Deps{})

	done := make(chan error, 1)
	go func() {
		_, err := e.PreviewMessages(context.Background(), "a", thread.MessageFilter{})
		done <- err
	}()
	<-target.messages.entered

	assert.ErrorIs(t, e.ScanStart(context.Background(), nil), ErrBusy)
	assert.ErrorIs(t, e.DeleteStart(context.Background(), []string{"a"}, false, 1), ErrBusy)

	close(target.messages.block)
	require.NoError(t, <-done)

	require.NoError(t, e.ScanStart(context.Background(), nil))
	e.Wait()
}

func TestDeleteRunsOncePerID(t *testing.T) {
	target := scenarioTarget()
	e := newEngine(t, provider{target: target}, Deps{})

	require.NoError(t, e.DeleteStart(context.Background(), []string{"a", "a", "", "b", "a"}, false, 3))
	e.Wait()

	target.actions.mu.Lock()
	opened := append([]string(nil), target.actions.opened...)
	target.actions.mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, opened)
	assert.Equal(t, Progress{Deleted: 2, TotalToDelete: 2}, e.State().Progress)

	assert.ErrorIs(t, e.DeleteStart(context.Background(), []string{"", ""}, true, 1), ErrNothingSelected)
}
