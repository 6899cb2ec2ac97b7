// Package collector drives a lazily-populated conversation list until it
// stops producing new items, extracting every row it sees along the way.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"threadsweep/internal/extract"
	"threadsweep/internal/halt"
	"threadsweep/internal/thread"
)

// ItemHandle is an opaque reference to one visible list row.
type ItemHandle struct {
	Ref string `json:"ref"`
}

// Surface is the list the collector scrolls. Subscription callbacks may run
// on any goroutine.
type Surface interface {
	EnumerateVisibleItems(ctx context.Context) ([]ItemHandle, error)
	SubscribeToAdditions(ctx context.Context, cb func([]ItemHandle)) (unsubscribe func(), err error)
	RequestMoreContent(ctx context.Context) error
	ExtractRaw(ctx context.Context, item ItemHandle) (extract.RawFields, error)
}

// RecordExtractor turns raw fields into a thread record.
type RecordExtractor interface {
	Extract(raw extract.RawFields) (thread.Record, error)
}

// StopReason explains why a run ended.
type StopReason string

const (
	StopSettled   StopReason = "settled"
	StopMaxRounds StopReason = "max_rounds"
	StopHalted    StopReason = "halted"
	StopCancelled StopReason = "cancelled"
)

// Options tune the scroll loop.
type Options struct {
	SettleRounds   int
	MaxRounds      int
	FlushSize      int
	SettleWait     time.Duration
	GroupThreshold int
	// Label prefixes log lines, usually the run id.
	Label string
}

func DefaultOptions() Options {
	return Options{
		SettleRounds:   3,
		MaxRounds:      100,
		FlushSize:      15,
		SettleWait:     900 * time.Millisecond,
		GroupThreshold: thread.DefaultGroupThreshold,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.SettleRounds <= 0 {
		o.SettleRounds = d.SettleRounds
	}
	if o.MaxRounds <= 0 {
		o.MaxRounds = d.MaxRounds
	}
	if o.FlushSize <= 0 {
		o.FlushSize = d.FlushSize
	}
	if o.SettleWait < 0 {
		o.SettleWait = 0
	}
	if o.GroupThreshold <= 0 {
		o.GroupThreshold = d.GroupThreshold
	}
	return o
}

// Result is the outcome of one run.
type Result struct {
	Records    []thread.Record `json:"records"`
	Rounds     int             `json:"rounds"`
	StopReason StopReason      `json:"stopReason"`
}

// Collector scans a Surface.
type Collector struct {
	opts      Options
	extractor RecordExtractor
}

func New(opts Options, extractor RecordExtractor) *Collector {
	return &Collector{opts: opts.normalized(), extractor: extractor}
}

// Run seeds from the visible rows, then requests more content round after
// round until SettleRounds consecutive rounds find nothing new, MaxRounds is
// reached, or the halt token fires. onBatch receives records in chunks of at
// most FlushSize plus one final partial chunk; calls never overlap.
func (c *Collector) Run(ctx context.Context, surface Surface, tok *halt.Token, onBatch func([]thread.Record)) (Result, error) {
	opts := c.opts
	sess := NewSession(opts.GroupThreshold)
	sess.setStatus(StatusScanning)
	defer sess.setStatus(StatusIdle)

	var flushMu sync.Mutex
	flush := func(force bool) {
		flushMu.Lock()
		defer flushMu.Unlock()
		for {
			n := sess.Pending()
			if n == 0 || (!force && n < opts.FlushSize) {
				return
			}
			batch := sess.Drain(opts.FlushSize)
			if onBatch != nil {
				onBatch(batch)
			}
		}
	}

	// Subscription callbacks that arrive after closed is set are dropped so
	// nothing reaches onBatch after the final flush.
	var ingestMu sync.Mutex
	closed := false
	ingest := func(handles []ItemHandle) {
		ingestMu.Lock()
		defer ingestMu.Unlock()
		if closed {
			return
		}
		for _, h := range handles {
			raw, err := surface.ExtractRaw(ctx, h)
			if err != nil {
				log.Printf("[scan:%s] extract %s: %v", opts.Label, h.Ref, err)
				continue
			}
			rec, err := c.extractor.Extract(raw)
			if err != nil {
				if !errors.Is(err, extract.ErrNoIdentity) {
					log.Printf("[scan:%s] skip %s: %v", opts.Label, h.Ref, err)
				}
				continue
			}
			sess.Ingest(rec)
		}
		flush(false)
	}

	seed, err := surface.EnumerateVisibleItems(ctx)
	if err != nil {
		return Result{StopReason: StopCancelled}, fmt.Errorf("enumerate visible items: %w", err)
	}
	ingest(seed)

	unsubscribe, err := surface.SubscribeToAdditions(ctx, ingest)
	if err != nil {
		log.Printf("[scan:%s] subscribe failed, polling only: %v", opts.Label, err)
		unsubscribe = func() {}
	}
	var unsubOnce sync.Once
	stop := func() {
		unsubOnce.Do(unsubscribe)
		ingestMu.Lock()
		closed = true
		ingestMu.Unlock()
	}
	defer stop()

	reason := StopMaxRounds
	rounds := 0
	streak := 0
	lastSeen := sess.Seen()

	for rounds < opts.MaxRounds {
		if tok.Requested() {
			reason = StopHalted
			break
		}
		rounds++
		if err := surface.RequestMoreContent(ctx); err != nil {
			log.Printf("[scan:%s] round %d: request more content: %v", opts.Label, rounds, err)
		}
		if err := halt.Sleep(ctx, tok, opts.SettleWait); err != nil {
			reason = stopReasonFor(err)
			break
		}

		handles, err := surface.EnumerateVisibleItems(ctx)
		if err != nil {
			log.Printf("[scan:%s] round %d: enumerate: %v", opts.Label, rounds, err)
		} else {
			ingest(handles)
		}

		seen := sess.Seen()
		if seen > lastSeen {
			streak = 0
			lastSeen = seen
		} else {
			streak++
		}
		if streak >= opts.SettleRounds {
			reason = StopSettled
			break
		}
	}

	stop()
	flush(true)
	log.Printf("[scan:%s] finished after %d rounds: %s (%d threads)", opts.Label, rounds, reason, sess.Seen())
	return Result{Records: sess.Records(), Rounds: rounds, StopReason: reason}, nil
}

func stopReasonFor(err error) StopReason {
	if errors.Is(err, halt.ErrRequested) {
		return StopHalted
	}
	return StopCancelled
}
