package collector

import (
	"reflect"
	"sync"

	"threadsweep/internal/thread"
)

// Status is the lifecycle of a scan session.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusScanning Status = "scanning"
)

// Session accumulates records for one scan. The seen set only grows, records
// keep first-discovery order, and a record re-reported for a known id is
// merged rather than duplicated.
type Session struct {
	mu         sync.Mutex
	status     Status
	threshold  int
	seen       map[string]struct{}
	records    map[string]thread.Record
	order      []string
	pending    []string
	pendingSet map[string]struct{}
}

func NewSession(groupThreshold int) *Session {
	return &Session{
		status:     StatusIdle,
		threshold:  groupThreshold,
		seen:       make(map[string]struct{}),
		records:    make(map[string]thread.Record),
		pendingSet: make(map[string]struct{}),
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Ingest stores rec and queues it for the next flush unless it changed
// nothing. It reports whether the id was seen for the first time.
func (s *Session) Ingest(rec thread.Record) bool {
	if rec.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, known := s.seen[rec.ID]
	if known {
		merged := thread.Merge(s.records[rec.ID], rec, s.threshold)
		if reflect.DeepEqual(merged, s.records[rec.ID]) {
			return false
		}
		s.records[rec.ID] = merged
	} else {
		s.seen[rec.ID] = struct{}{}
		s.records[rec.ID] = rec
		s.order = append(s.order, rec.ID)
	}
	if _, queued := s.pendingSet[rec.ID]; !queued {
		s.pendingSet[rec.ID] = struct{}{}
		s.pending = append(s.pending, rec.ID)
	}
	return !known
}

// Pending is the number of records waiting to be flushed.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Drain removes up to max pending records, oldest first, and returns their
// current merged values. A non-positive max drains everything.
func (s *Session) Drain(max int) []thread.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}
	out := make([]thread.Record, 0, n)
	for _, id := range s.pending[:n] {
		out = append(out, s.records[id])
		delete(s.pendingSet, id)
	}
	s.pending = append([]string(nil), s.pending[n:]...)
	return out
}

// Seen is the number of distinct ids discovered so far.
func (s *Session) Seen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Records returns every record in first-discovery order.
func (s *Session) Records() []thread.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]thread.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}
