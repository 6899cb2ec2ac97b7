package engine

import (
	"context"
	"fmt"
	"io"

	"threadsweep/internal/export"
	"threadsweep/internal/thread"
)

// PreviewMessages loads one conversation's rendered messages and summarizes
// the ones the filter matches. Messages are only previewed, never deleted.
// Reading navigates the tab, so it is refused while a scan or delete runs.
func (e *Engine) PreviewMessages(ctx context.Context, threadID string, f thread.MessageFilter) (thread.Preview, error) {
	if _, err := thread.CompileMessages(f); err != nil {
		return thread.Preview{}, err
	}
	if threadID == "" {
		return thread.Preview{}, fmt.Errorf("%w: empty id", ErrUnknownThread)
	}

	e.mu.Lock()
	if e.status != StatusIdle {
		e.mu.Unlock()
		return thread.Preview{}, ErrBusy
	}
	e.previews++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.previews--
		e.mu.Unlock()
	}()

	msgs, err := e.loadMessages(ctx, threadID)
	if err != nil {
		return thread.Preview{}, err
	}
	return thread.BuildPreview(msgs, f)
}

// ExportThreadsCSV writes the stored threads, or only the selected ones.
func (e *Engine) ExportThreadsCSV(w io.Writer, selectedOnly bool) error {
	return export.Threads(w, e.Threads(selectedOnly))
}

// ExportMessagesCSV writes every message of threadID that matches f.
func (e *Engine) ExportMessagesCSV(ctx context.Context, w io.Writer, threadID string, f thread.MessageFilter) error {
	preview, err := e.PreviewMessages(ctx, threadID, f)
	if err != nil {
		return err
	}
	return export.Messages(w, preview.Matched)
}

func (e *Engine) loadMessages(ctx context.Context, threadID string) ([]thread.Message, error) {
	target, err := e.targets.Active(ctx)
	if err != nil || target == nil {
		if err == nil {
			return nil, ErrNoTarget
		}
		return nil, fmt.Errorf("%w: %v", ErrNoTarget, err)
	}
	src := target.Messages()
	if src == nil {
		return nil, fmt.Errorf("%w: site %s cannot read messages", ErrNoTarget, target.Site())
	}
	msgs, err := src.Messages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", threadID, err)
	}
	return msgs, nil
}
