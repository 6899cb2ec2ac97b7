package mcp

import (
	"context"
	"fmt"

	"threadsweep/internal/collector"
	"threadsweep/internal/engine"
	"threadsweep/internal/thread"
)

func filterSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"description": "Conversation filter; every set clause must hold",
		"properties": map[string]interface{}{
			"fromDate":            map[string]interface{}{"type": "string", "description": "YYYY-MM-DD, inclusive"},
			"toDate":              map[string]interface{}{"type": "string", "description": "YYYY-MM-DD, inclusive (whole day)"},
			"unreadOnly":          map[string]interface{}{"type": "boolean"},
			"includeParticipants": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"excludeParticipants": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"keywords":            map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"groupOnly":           map[string]interface{}{"type": "boolean"},
			"oneToOneOnly":        map[string]interface{}{"type": "boolean"},
			"minSize":             map[string]interface{}{"type": "integer", "minimum": 0},
			"maxSize":             map[string]interface{}{"type": "integer", "minimum": 0},
		},
	}
}

func decodeFilters(args map[string]interface{}) (*thread.FilterSpec, error) {
	var spec thread.FilterSpec
	ok, err := decodeObjectArg(args, "filters", &spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidFilter, err)
	}
	if !ok {
		return nil, nil
	}
	return &spec, nil
}

// ScanStartTool begins a new scan run.
type ScanStartTool struct {
	engine *engine.Engine
}

func (t *ScanStartTool) Name() string { return "scan-start" }
func (t *ScanStartTool) Description() string {
	return `Start scanning the conversation list of the active messenger tab.

WHAT IT DOES:
- Starts a new run: previous threads, selection and errors are cleared
- Scrolls the list until no new conversations appear, streaming them in
- Keeps the current filters unless "filters" is passed

Runs in the background. Poll get-state or listen for
notifications/threadsweep/scanProgress and scanComplete.

Returns: {status: "scanning", run_id}`
}
func (t *ScanStartTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"filters": filterSchema(),
		},
	}
}
func (t *ScanStartTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	filters, err := decodeFilters(args)
	if err != nil {
		return nil, err
	}
	if err := t.engine.ScanStart(ctx, filters); err != nil {
		return nil, err
	}
	st := t.engine.State()
	return map[string]interface{}{
		"status": st.Status,
		"run_id": st.RunID,
	}, nil
}

// ScanStopTool halts the running scan.
type ScanStopTool struct {
	engine *engine.Engine
}

func (t *ScanStopTool) Name() string { return "scan-stop" }
func (t *ScanStopTool) Description() string {
	return fmt.Sprintf(`Stop the running scan. Conversations collected so far are kept and a
scanComplete event with reason %q follows. No-op when idle.`, collector.StopHalted)
}
func (t *ScanStopTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ScanStopTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	t.engine.ScanStop()
	return map[string]interface{}{"status": "stop_requested"}, nil
}

// ApplyFiltersTool replaces the filters and recomputes the selection.
type ApplyFiltersTool struct {
	engine *engine.Engine
}

func (t *ApplyFiltersTool) Name() string { return "apply-filters" }
func (t *ApplyFiltersTool) Description() string {
	return `Replace the filters and select every scanned conversation that passes.

Participant and keyword matching is case-insensitive substring matching.
Conversations with an unknown date or size are never excluded by those
clauses. groupOnly and oneToOneOnly cannot both be set.

Returns: {selected_ids, count}`
}
func (t *ApplyFiltersTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"filters": filterSchema(),
		},
		"required": []string{"filters"},
	}
}
func (t *ApplyFiltersTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	filters, err := decodeFilters(args)
	if err != nil {
		return nil, err
	}
	if filters == nil {
		return nil, fmt.Errorf("filters is required")
	}
	ids, err := t.engine.ApplyFilters(*filters)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"selected_ids": ids,
		"count":        len(ids),
	}, nil
}

// SelectThreadsTool sets the selection explicitly.
type SelectThreadsTool struct {
	engine *engine.Engine
}

func (t *SelectThreadsTool) Name() string { return "select-threads" }
func (t *SelectThreadsTool) Description() string {
	return `Replace the selection with explicit conversation ids.

Unknown ids are ignored. Pass an empty list to clear the selection.

Returns: {selected_ids, count}`
}
func (t *SelectThreadsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ids": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
		"required": []string{"ids"},
	}
}
func (t *SelectThreadsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	ids, err := t.engine.Select(getStringSliceArg(args, "ids"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"selected_ids": ids,
		"count":        len(ids),
	}, nil
}

// DeleteStartTool runs the delete action over the selection.
type DeleteStartTool struct {
	engine *engine.Engine
}

func (t *DeleteStartTool) Name() string { return "delete-start" }
func (t *DeleteStartTool) Description() string {
	return `Delete conversations through the page UI, one guarded action per id.

WHAT IT DOES:
- Acts on "ids" when given, otherwise on the current selection
- Runs at most batch_size actions at once (1..3)
- Each step (open, reveal menu, trigger, confirm) is retried with backoff
- dry_run=true reports success for every id without touching the page

ALWAYS try dry_run first. Progress arrives as deleteProgress events or
through get-state; failures are listed by get-errors.

Returns: {status: "deleting", total}`
}
func (t *DeleteStartTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ids": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Conversation ids (default: current selection)",
			},
			"dry_run": map[string]interface{}{
				"type":        "boolean",
				"description": "Simulate without touching the page (default: false)",
			},
			"batch_size": map[string]interface{}{
				"type":        "integer",
				"description": "Concurrent actions, clamped to 1..3 (default: 1)",
				"minimum":     1,
				"maximum":     3,
			},
		},
	}
}
func (t *DeleteStartTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	ids := getStringSliceArg(args, "ids")
	dryRun := getBoolArg(args, "dry_run", false)
	batchSize := getIntArg(args, "batch_size", 1)

	if err := t.engine.DeleteStart(ctx, ids, dryRun, batchSize); err != nil {
		return nil, err
	}
	st := t.engine.State()
	return map[string]interface{}{
		"status":  st.Status,
		"run_id":  st.RunID,
		"total":   st.Progress.TotalToDelete,
		"dry_run": dryRun,
	}, nil
}

// DeleteStopTool stops admitting new deletions.
type DeleteStopTool struct {
	engine *engine.Engine
}

func (t *DeleteStopTool) Name() string { return "delete-stop" }
func (t *DeleteStopTool) Description() string {
	return `Stop the running delete. Actions already in flight finish and report;
no further ids are started. No-op when idle.`
}
func (t *DeleteStopTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *DeleteStopTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	t.engine.DeleteStop()
	return map[string]interface{}{"status": "stop_requested"}, nil
}

// ResetRunTool clears the run.
type ResetRunTool struct {
	engine *engine.Engine
}

func (t *ResetRunTool) Name() string { return "reset-run" }
func (t *ResetRunTool) Description() string {
	return `Clear scanned threads, selection, progress and errors and start a fresh
run id. Filters are kept. Fails while a scan or delete is running.`
}
func (t *ResetRunTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ResetRunTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := t.engine.Reset(); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "reset",
		"run_id": t.engine.State().RunID,
	}, nil
}

// GetStateTool returns the run snapshot.
type GetStateTool struct {
	engine *engine.Engine
}

func (t *GetStateTool) Name() string { return "get-state" }
func (t *GetStateTool) Description() string {
	return `Return the run snapshot: status, progress counters, filters, selection
and the most recent errors.

Threads are omitted unless include_threads=true; set selected_only=true to
return only selected conversations.`
}
func (t *GetStateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"include_threads": map[string]interface{}{
				"type":        "boolean",
				"description": "Include thread records (default: false)",
			},
			"selected_only": map[string]interface{}{
				"type":        "boolean",
				"description": "With include_threads, only selected threads",
			},
		},
	}
}
func (t *GetStateTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	st := t.engine.State()
	threadCount := len(st.Threads)
	switch {
	case !getBoolArg(args, "include_threads", false):
		st.Threads = nil
	case getBoolArg(args, "selected_only", false):
		st.Threads = t.engine.Threads(true)
	}
	return map[string]interface{}{
		"state":        st,
		"thread_count": threadCount,
		"queued":       t.engine.Events().Len(),
	}, nil
}

// GetErrorsTool returns every error of the run.
type GetErrorsTool struct {
	engine *engine.Engine
}

func (t *GetErrorsTool) Name() string { return "get-errors" }
func (t *GetErrorsTool) Description() string {
	return `Return every per-conversation error recorded in the current run
(get-state only shows the most recent few).`
}
func (t *GetErrorsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *GetErrorsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	errs := t.engine.Errors()
	if errs == nil {
		errs = []string{}
	}
	return map[string]interface{}{
		"errors": errs,
		"count":  len(errs),
	}, nil
}
