package engine

import (
	"context"
	"sync"
	"time"

	"threadsweep/internal/thread"
)

// EventKind names an event sent to controllers.
type EventKind string

const (
	EventScanProgress   EventKind = "scanProgress"
	EventScanComplete   EventKind = "scanComplete"
	EventDeleteProgress EventKind = "deleteProgress"
	EventDeleteComplete EventKind = "deleteComplete"
	EventState          EventKind = "state"
)

// Event is one controller notification.
type Event struct {
	Kind    EventKind   `json:"type"`
	RunID   string      `json:"runId"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}

type ScanProgress struct {
	Threads []thread.Record `json:"threads"`
	Scanned int             `json:"scanned"`
}

type ScanComplete struct {
	Count  int    `json:"count"`
	Reason string `json:"reason"`
	Rounds int    `json:"rounds"`
}

type DeleteComplete struct {
	Deleted int  `json:"deleted"`
	Failed  int  `json:"failed"`
	Skipped int  `json:"skipped"`
	Halted  bool `json:"halted"`
	DryRun  bool `json:"dryRun"`
}

// DefaultEventBuffer is the queue capacity when none is configured.
const DefaultEventBuffer = 256

// EventQueue is a bounded FIFO. When full, Publish drops the oldest event so
// producers never block on a slow consumer.
type EventQueue struct {
	mu      sync.Mutex
	buf     []Event
	limit   int
	dropped int
	notify  chan struct{}
}

func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = DefaultEventBuffer
	}
	return &EventQueue{
		buf:    make([]Event, 0, capacity),
		limit:  capacity,
		notify: make(chan struct{}, 1),
	}
}

func (q *EventQueue) Publish(ev Event) {
	q.mu.Lock()
	if len(q.buf) == q.limit {
		copy(q.buf, q.buf[1:])
		q.buf = q.buf[:len(q.buf)-1]
		q.dropped++
	}
	q.buf = append(q.buf, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available or ctx ends.
func (q *EventQueue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			ev := q.buf[0]
			copy(q.buf, q.buf[1:])
			q.buf = q.buf[:len(q.buf)-1]
			q.mu.Unlock()
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped counts events discarded because the queue was full.
func (q *EventQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
