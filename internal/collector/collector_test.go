package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"threadsweep/internal/extract"
	"threadsweep/internal/halt"
	"threadsweep/internal/thread"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeList grows by perRound rows for each of the first growRounds requests.
type fakeList struct {
	mu           sync.Mutex
	items        []string
	perRound     int
	growRounds   int
	requests     int
	unsubscribed bool
	broken       map[string]bool
	onRequest    func(n int)
	subscriber   func([]ItemHandle)
	// lastDrain is delivered from inside unsubscribe, like a poll that
	// fires while the subscription is being torn down.
	lastDrain    []ItemHandle
	retained     func([]ItemHandle)
}

func newFakeList(initial, perRound, growRounds int) *fakeList {
	f := &fakeList{perRound: perRound, growRounds: growRounds, broken: map[string]bool{}}
	for i := 0; i < initial; i++ {
		f.items = append(f.items, fmt.Sprintf("t%d", i))
	}
	return f
}

func (f *fakeList) EnumerateVisibleItems(context.Context) ([]ItemHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ItemHandle, 0, len(f.items))
	for _, id := range f.items {
		out = append(out, ItemHandle{Ref: id})
	}
	return out, nil
}

func (f *fakeList) SubscribeToAdditions(_ context.Context, cb func([]ItemHandle)) (func(), error) {
	f.mu.Lock()
	f.subscriber = cb
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubscribed = true
		f.subscriber = nil
		f.retained = cb
		last := f.lastDrain
		f.lastDrain = nil
		f.mu.Unlock()
		if len(last) > 0 {
			cb(last)
		}
	}, nil
}

func (f *fakeList) RequestMoreContent(context.Context) error {
	f.mu.Lock()
	f.requests++
	n := f.requests
	if n <= f.growRounds {
		start := len(f.items)
		for i := 0; i < f.perRound; i++ {
			f.items = append(f.items, fmt.Sprintf("t%d", start+i))
		}
	}
	hook := f.onRequest
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakeList) ExtractRaw(_ context.Context, item ItemHandle) (extract.RawFields, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken[item.Ref] {
		return extract.RawFields{}, errors.New("detached node")
	}
	return extract.RawFields{
		Href:      "https://www.messenger.com/t/" + item.Ref + "/",
		AriaLabel: "Person " + item.Ref,
	}, nil
}

func (f *fakeList) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func testOptions() Options {
	o := DefaultOptions()
	o.SettleWait = 0
	o.Label = "test"
	return o
}

func collect(t *testing.T, c *Collector, f *fakeList, tok *halt.Token) (Result, [][]thread.Record) {
	t.Helper()
	var batches [][]thread.Record
	res, err := c.Run(context.Background(), f, tok, func(b []thread.Record) {
		batches = append(batches, append([]thread.Record(nil), b...))
	})
	require.NoError(t, err)
	return res, batches
}

func TestRunStopsAfterSettleRounds(t *testing.T) {
	f := newFakeList(3, 4, 2)
	c := New(testOptions(), extract.New("You", thread.DefaultGroupThreshold))

	res, batches := collect(t, c, f, nil)
	assert.Equal(t, StopSettled, res.StopReason)
	assert.Equal(t, 5, f.requestCount(), "two growing rounds then three empty ones")
	assert.Equal(t, 5, res.Rounds)
	require.Len(t, res.Records, 11)
	assert.Equal(t, "t0", res.Records[0].ID)
	assert.Equal(t, "t10", res.Records[10].ID)
	assert.True(t, f.unsubscribed)

	total := 0
	for _, b := range batches {
		assert.LessOrEqual(t, len(b), 15)
		total += len(b)
	}
	assert.Equal(t, 11, total)
}

func TestRunFlushesInFixedChunks(t *testing.T) {
	f := newFakeList(40, 0, 0)
	c := New(testOptions(), extract.New("You", thread.DefaultGroupThreshold))

	res, batches := collect(t, c, f, nil)
	require.Len(t, res.Records, 40)
	sizes := make([]int, 0, len(batches))
	for _, b := range batches {
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{15, 15, 10}, sizes)
}

func TestRunRespectsMaxRounds(t *testing.T) {
	f := newFakeList(1, 1, 1000)
	opts := testOptions()
	opts.MaxRounds = 7
	c := New(opts, extract.New("You", thread.DefaultGroupThreshold))

	res, _ := collect(t, c, f, nil)
	assert.Equal(t, StopMaxRounds, res.StopReason)
	assert.Equal(t, 7, res.Rounds)
	assert.Len(t, res.Records, 8)
}

func TestRunStopsOnHalt(t *testing.T) {
	tok := halt.New()
	f := newFakeList(2, 2, 1000)
	f.onRequest = func(n int) {
		if n == 3 {
			tok.Request()
		}
	}
	c := New(testOptions(), extract.New("You", thread.DefaultGroupThreshold))

	res, _ := collect(t, c, f, tok)
	assert.Equal(t, StopHalted, res.StopReason)
	assert.Equal(t, 3, f.requestCount())
	assert.True(t, f.unsubscribed)
}

func TestExtractionFailuresAreSkipped(t *testing.T) {
	f := newFakeList(5, 0, 0)
	f.broken["t2"] = true
	c := New(testOptions(), extract.New("You", thread.DefaultGroupThreshold))

	res, _ := collect(t, c, f, nil)
	ids := make([]string, 0, len(res.Records))
	for _, r := range res.Records {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"t0", "t1", "t3", "t4"}, ids)
}

func TestSubscriptionAdditionsAreIngested(t *testing.T) {
	f := newFakeList(1, 0, 0)
	f.onRequest = func(n int) {
		if n != 1 {
			return
		}
		f.mu.Lock()
		cb := f.subscriber
		f.mu.Unlock()
		require.NotNil(t, cb)
		cb([]ItemHandle{{Ref: "pushed"}})
	}
	c := New(testOptions(), extract.New("You", thread.DefaultGroupThreshold))

	res, _ := collect(t, c, f, nil)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "pushed", res.Records[1].ID)
}

func TestNothingIsFlushedAfterTheFinalBatch(t *testing.T) {
	f := newFakeList(2, 0, 0)
	f.lastDrain = []ItemHandle{{Ref: "late"}}
	c := New(testOptions(), extract.New("You", thread.DefaultGroupThreshold))

	var mu sync.Mutex
	var delivered []string
	res, err := c.Run(context.Background(), f, nil, func(b []thread.Record) {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range b {
			delivered = append(delivered, r.ID)
		}
	})
	require.NoError(t, err)

	ids := make([]string, 0, len(res.Records))
	for _, r := range res.Records {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"t0", "t1", "late"}, ids)

	f.mu.Lock()
	cb := f.retained
	f.mu.Unlock()
	require.NotNil(t, cb)
	cb([]ItemHandle{{Ref: "after"}})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, delivered)
}

func TestSessionMergesDuplicates(t *testing.T) {
	s := NewSession(thread.DefaultGroupThreshold)
	first := thread.Record{ID: "a", Unread: true}
	first.SetParticipants([]string{"Ann"}, thread.DefaultGroupThreshold)
	assert.True(t, s.Ingest(first))

	snippet := "latest"
	assert.False(t, s.Ingest(thread.Record{ID: "a", LastSnippet: &snippet}))
	assert.False(t, s.Ingest(thread.Record{}))

	assert.Equal(t, 1, s.Seen())
	assert.Equal(t, 1, s.Pending())
	drained := s.Drain(0)
	require.Len(t, drained, 1)
	assert.Equal(t, []string{"Ann"}, drained[0].Participants)
	assert.Equal(t, "latest", *drained[0].LastSnippet)
	assert.Zero(t, s.Pending())
}
