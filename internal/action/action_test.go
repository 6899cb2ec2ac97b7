package action

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

// scriptedAdapter fails each stage a configured number of times before
// succeeding. A negative count fails forever.
type scriptedAdapter struct {
	mu         sync.Mutex
	calls      map[string]int
	failures   map[string]int
	foundAt    int
	scrolls    []Edge
	lastIntent string
}

func newScripted() *scriptedAdapter {
	return &scriptedAdapter{calls: map[string]int{}, failures: map[string]int{}, foundAt: 1}
}

func (a *scriptedAdapter) step(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[name]++
	limit := a.failures[name]
	if limit < 0 || a.calls[name] <= limit {
		return errors.New(name + " unavailable")
	}
	return nil
}

func (a *scriptedAdapter) count(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[name]
}

func (a *scriptedAdapter) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		n += c
	}
	return n + len(a.scrolls)
}

func (a *scriptedAdapter) Locate(context.Context, string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls["locate"]++
	return a.foundAt > 0 && a.calls["locate"] >= a.foundAt, nil
}

func (a *scriptedAdapter) ScrollTo(_ context.Context, edge Edge) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scrolls = append(a.scrolls, edge)
	return nil
}

func (a *scriptedAdapter) Open(context.Context, string) error           { return a.step("open") }
func (a *scriptedAdapter) RevealControls(context.Context, string) error { return a.step("reveal") }
func (a *scriptedAdapter) Trigger(_ context.Context, _ string, intent string) error {
	a.mu.Lock()
	a.lastIntent = intent
	a.mu.Unlock()
	return a.step("trigger")
}
func (a *scriptedAdapter) Confirm(context.Context, string) error { return a.step("confirm") }

func fastPolicy() Policy {
	return Policy{
		Attempts:     3,
		BaseDelay:    time.Millisecond,
		Factor:       2,
		Jitter:       0,
		MaxDelay:     10 * time.Millisecond,
		LocateRounds: 4,
		LocateWait:   0,
		Intent:       "Delete",
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	a := newScripted()
	res := NewExecutor(a, fastPolicy()).Execute(context.Background(), "t1", true)
	assert.True(t, res.OK)
	assert.True(t, res.DryRun)
	assert.Zero(t, a.total())
}

func TestHappyPathPassesEveryStage(t *testing.T) {
	a := newScripted()
	var seen []State
	ex := NewExecutor(a, fastPolicy())
	ex.OnTransition = func(_ string, s State) { seen = append(seen, s) }

	res := ex.Execute(context.Background(), "t1", false)
	require.True(t, res.OK, res.Error)
	assert.Equal(t, []State{Locating, Opening, RevealingControls, Triggering, Confirming}, res.Stages)
	assert.Equal(t, []State{Locating, Opening, RevealingControls, Triggering, Confirming, Done}, seen)
	assert.Empty(t, res.Retries)
	assert.Equal(t, "Delete", a.lastIntent)
}

func TestStageSucceedsOnThirdAttempt(t *testing.T) {
	a := newScripted()
	a.failures["open"] = 2

	res := NewExecutor(a, fastPolicy()).Execute(context.Background(), "t1", false)
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 3, a.count("open"))
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, res.Retries)
}

func TestExhaustedStagesReportTheirReason(t *testing.T) {
	cases := []struct {
		stage string
		state State
		want  error
		msg   string
	}{
		{"open", Opening, ErrNotLoaded, "did not load"},
		{"reveal", RevealingControls, ErrControlsHidden, "controls not revealed"},
		{"trigger", Triggering, ErrActionMissing, "action control not found"},
		{"confirm", Confirming, ErrConfirmMissing, "confirm control not found"},
	}
	for _, tc := range cases {
		t.Run(tc.stage, func(t *testing.T) {
			a := newScripted()
			a.failures[tc.stage] = -1

			res := NewExecutor(a, fastPolicy()).Execute(context.Background(), "t9", false)
			assert.False(t, res.OK)
			assert.ErrorIs(t, res.Err, tc.want)
			assert.Equal(t, tc.msg, res.Error)
			assert.Equal(t, 3, a.count(tc.stage))
			assert.Len(t, res.Retries, 2)

			var se *StageError
			require.True(t, errors.As(res.Err, &se))
			assert.Equal(t, tc.state, se.Stage)
			assert.Equal(t, "t9", se.ID)
			assert.NotContains(t, res.Stages, tc.state)
		})
	}
}

func TestLocateAlternatesEdgesThenGivesUp(t *testing.T) {
	a := newScripted()
	a.foundAt = 0

	res := NewExecutor(a, fastPolicy()).Execute(context.Background(), "gone", false)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrNotFound)
	assert.Equal(t, "not found", res.Error)
	assert.Equal(t, 4, a.count("locate"))
	assert.Equal(t, []Edge{EdgeStart, EdgeEnd, EdgeStart, EdgeEnd}, a.scrolls)
	assert.Zero(t, a.count("open"))
}

func TestLocateFindsAfterScrolling(t *testing.T) {
	a := newScripted()
	a.foundAt = 3

	res := NewExecutor(a, fastPolicy()).Execute(context.Background(), "later", false)
	require.True(t, res.OK, res.Error)
	assert.Equal(t, []Edge{EdgeStart, EdgeEnd}, a.scrolls)
}

func TestCancelledContextStopsRetries(t *testing.T) {
	a := newScripted()
	a.failures["open"] = -1
	p := fastPolicy()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res := NewExecutor(a, p).Execute(ctx, "t1", false)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrNotLoaded)
	assert.Equal(t, 1, a.count("open"))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "revealing_controls", RevealingControls.String())
	assert.Equal(t, "failed", Failed.String())
	text, err := Confirming.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "confirming", string(text))
}

// sharedPage models one tab: a single open menu and a single open dialog,
// whoever opened them. A job acting on controls it did not open is a misfire.
type sharedPage struct {
	lock *semaphore.Weighted

	mu        sync.Mutex
	holders   int
	maxHeld   int
	menuFor   string
	dialogFor string
	deleted   []string
	misfires  []string
}

func newSharedPage() *sharedPage {
	return &sharedPage{lock: semaphore.NewWeighted(1)}
}

func (p *sharedPage) Acquire(ctx context.Context) (func(), error) {
	if err := p.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.holders++
	if p.holders > p.maxHeld {
		p.maxHeld = p.holders
	}
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.holders--
		p.mu.Unlock()
		p.lock.Release(1)
	}, nil
}

func (p *sharedPage) Locate(context.Context, string) (bool, error) { return true, nil }
func (p *sharedPage) ScrollTo(context.Context, Edge) error         { return nil }
func (p *sharedPage) Open(context.Context, string) error {
	time.Sleep(time.Millisecond)
	return nil
}

func (p *sharedPage) RevealControls(_ context.Context, id string) error {
	p.mu.Lock()
	p.menuFor = id
	p.mu.Unlock()
	time.Sleep(time.Millisecond)
	return nil
}

func (p *sharedPage) Trigger(_ context.Context, id, _ string) error {
	p.mu.Lock()
	if p.menuFor != id {
		p.misfires = append(p.misfires, id+" triggered menu of "+p.menuFor)
	}
	p.dialogFor, p.menuFor = p.menuFor, ""
	p.mu.Unlock()
	time.Sleep(time.Millisecond)
	return nil
}

func (p *sharedPage) Confirm(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dialogFor != id {
		p.misfires = append(p.misfires, id+" confirmed dialog of "+p.dialogFor)
	}
	p.deleted = append(p.deleted, p.dialogFor)
	p.dialogFor = ""
	return nil
}

func TestConcurrentJobsOnOneTabNeverCrossControls(t *testing.T) {
	page := newSharedPage()
	ex := NewExecutor(page, fastPolicy())
	ids := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	results := make([]Result, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = ex.Execute(context.Background(), id, false)
		}(i, id)
	}
	wg.Wait()

	for _, res := range results {
		assert.True(t, res.OK, res.Error)
	}
	assert.Empty(t, page.misfires)
	assert.ElementsMatch(t, ids, page.deleted)
	assert.Equal(t, 1, page.maxHeld)
}

func TestWaitingForBusyTabHonoursContext(t *testing.T) {
	page := newSharedPage()
	release, err := page.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := NewExecutor(page, fastPolicy()).Execute(ctx, "a", false)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Empty(t, page.deleted)
}
