// Package recorder writes every engine event of a run to a JSONL trace file
// and keeps only the newest few traces on disk.
package recorder

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultKeep = 3
	TraceDir    = "data/traces"
)

// Event is one line of a trace file.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	RunID     string      `json:"run_id,omitempty"`
	Data      interface{} `json:"data"`
}

// Recorder appends events to the trace of the current run. The first event
// of a new run id opens a fresh trace file.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	runID    string
	basePath string
	keep     int
}

// NewRecorder ensures basePath exists. keep <= 0 uses DefaultKeep.
func NewRecorder(basePath string, keep int) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{basePath: basePath, keep: keep}, nil
}

// Start closes the current trace, prunes old ones and opens a trace for runID.
func (r *Recorder) Start(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked(runID)
}

func (r *Recorder) startLocked(runID string) error {
	r.closeLocked()

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("run_%s_%d.jsonl", runID, time.Now().UnixMilli())
	f, err := os.Create(filepath.Join(r.basePath, name))
	if err != nil {
		return err
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	r.runID = runID
	return nil
}

// Log writes one event. It satisfies the engine's tracer.
func (r *Recorder) Log(eventType, runID string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil || runID != r.runID {
		if err := r.startLocked(runID); err != nil {
			log.Printf("[trace] open trace for %s: %v", runID, err)
			return
		}
	}

	evt := Event{
		Timestamp: time.Now(),
		Type:      eventType,
		RunID:     runID,
		Data:      data,
	}
	if err := r.encoder.Encode(evt); err != nil {
		log.Printf("[trace] write %s: %v", eventType, err)
	}
}

// Files lists trace files, newest first.
func (r *Recorder) Files() ([]string, error) {
	traces, err := r.traces()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(traces))
	for i, t := range traces {
		out[i] = filepath.Join(r.basePath, t.name)
	}
	return out, nil
}

type trace struct {
	name string
	mod  time.Time
}

func (r *Recorder) traces() ([]trace, error) {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return nil, err
	}
	var out []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" || !strings.HasPrefix(e.Name(), "run_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, trace{e.Name(), info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].mod.Equal(out[j].mod) {
			return out[i].name > out[j].name
		}
		return out[i].mod.After(out[j].mod)
	})
	return out, nil
}

// rotate leaves room for one new trace within the keep limit.
func (r *Recorder) rotate() error {
	traces, err := r.traces()
	if err != nil {
		return err
	}
	for i := r.keep - 1; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

func (r *Recorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	r.runID = ""
	return err
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}
