package mcp

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"threadsweep/internal/engine"
	"threadsweep/internal/thread"
)

func messageFilterSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"description": "Message filter; every set clause must hold",
		"properties": map[string]interface{}{
			"fromDate": map[string]interface{}{"type": "string", "description": "YYYY-MM-DD, inclusive"},
			"toDate":   map[string]interface{}{"type": "string", "description": "YYYY-MM-DD, inclusive (whole day)"},
			"timeWindow": map[string]interface{}{
				"type":        "object",
				"description": "Time of day window in minutes after midnight; may wrap past midnight",
				"properties": map[string]interface{}{
					"startMinutes": map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 1439},
					"endMinutes":   map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 1439},
				},
			},
			"keyword":  map[string]interface{}{"type": "string"},
			"textOnly": map[string]interface{}{"type": "boolean"},
			"author":   map[string]interface{}{"type": "string", "description": "me, them or a name substring"},
		},
	}
}

func decodeMessageFilter(args map[string]interface{}) (thread.MessageFilter, error) {
	var f thread.MessageFilter
	if _, err := decodeObjectArg(args, "filter", &f); err != nil {
		return f, fmt.Errorf("%w: %v", engine.ErrInvalidFilter, err)
	}
	return f, nil
}

// PreviewMessagesTool summarizes the messages of one conversation.
type PreviewMessagesTool struct {
	engine *engine.Engine
}

func (t *PreviewMessagesTool) Name() string { return "preview-messages" }
func (t *PreviewMessagesTool) Description() string {
	return `Open one conversation and preview the messages a filter matches.

Read-only: messages are never deleted. The conversation is opened in the
active tab, so do not call this while a scan or delete is running.

Returns: {count, histogram: [{day, count}], samples: [...]}`
}
func (t *PreviewMessagesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"thread_id": map[string]interface{}{
				"type":        "string",
				"description": "Conversation id from get-state",
			},
			"filter": messageFilterSchema(),
		},
		"required": []string{"thread_id"},
	}
}
func (t *PreviewMessagesTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	threadID := getStringArg(args, "thread_id")
	if threadID == "" {
		return nil, fmt.Errorf("thread_id is required")
	}
	f, err := decodeMessageFilter(args)
	if err != nil {
		return nil, err
	}
	preview, err := t.engine.PreviewMessages(ctx, threadID, f)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"thread_id": threadID,
		"preview":   preview,
	}, nil
}

// ExportCSVTool writes threads or messages as CSV.
type ExportCSVTool struct {
	engine *engine.Engine
}

func (t *ExportCSVTool) Name() string { return "export-csv" }
func (t *ExportCSVTool) Description() string {
	return `Export scanned conversations or one conversation's messages as CSV.

kind=threads  (default) exports stored threads; selected_only limits to the selection
kind=messages exports the messages of thread_id that match "filter"

With "path" the CSV is written to that file; otherwise it is returned inline.
An empty result produces no output at all.

Returns: {kind, rows, path} or {kind, rows, csv}`
}
func (t *ExportCSVTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kind": map[string]interface{}{
				"type": "string",
				"enum": []string{"threads", "messages"},
			},
			"selected_only": map[string]interface{}{
				"type":        "boolean",
				"description": "threads only: export the selection (default: false)",
			},
			"thread_id": map[string]interface{}{
				"type":        "string",
				"description": "messages only: conversation to export",
			},
			"filter": messageFilterSchema(),
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Optional output file",
			},
		},
	}
}
func (t *ExportCSVTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	kind := getStringArg(args, "kind")
	if kind == "" {
		kind = "threads"
	}

	var buf bytes.Buffer
	switch kind {
	case "threads":
		if err := t.engine.ExportThreadsCSV(&buf, getBoolArg(args, "selected_only", false)); err != nil {
			return nil, err
		}
	case "messages":
		threadID := getStringArg(args, "thread_id")
		if threadID == "" {
			return nil, fmt.Errorf("thread_id is required for kind=messages")
		}
		f, err := decodeMessageFilter(args)
		if err != nil {
			return nil, err
		}
		if err := t.engine.ExportMessagesCSV(ctx, &buf, threadID, f); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown kind %q (want threads or messages)", kind)
	}

	rows, err := countRows(buf.Bytes())
	if err != nil {
		return nil, err
	}

	path := getStringArg(args, "path")
	if path == "" {
		return map[string]interface{}{
			"kind": kind,
			"rows": rows,
			"csv":  buf.String(),
		}, nil
	}
	if buf.Len() == 0 {
		return map[string]interface{}{
			"kind": kind,
			"rows": 0,
			"note": "nothing to export; no file written",
		}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create export dir: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write export: %w", err)
	}
	return map[string]interface{}{
		"kind": kind,
		"rows": rows,
		"path": path,
	}, nil
}

// countRows counts data records, excluding the header.
func countRows(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return 0, fmt.Errorf("reread export: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	return len(records) - 1, nil
}
