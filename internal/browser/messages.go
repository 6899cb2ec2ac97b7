package browser

import (
	"context"
	"fmt"
	"log"
	"time"

	"threadsweep/internal/engine"
	"threadsweep/internal/extract"
	"threadsweep/internal/thread"

	"github.com/go-rod/rod"
)

// Messages reads the rendered messages of a conversation.
type Messages struct {
	page       *rod.Page
	site       string
	timeout    time.Duration
	navTimeout time.Duration
	actions    *Actions
}

// NewMessages reads through actions, sharing its tab lock.
func NewMessages(page *rod.Page, site string, navTimeout time.Duration, actions *Actions) *Messages {
	return &Messages{
		page:       page,
		site:       site,
		timeout:    actions.timeout,
		navTimeout: navTimeout,
		actions:    actions,
	}
}

var _ engine.MessageSource = (*Messages)(nil)

// readMessagesJS marks end-aligned bubbles, which are the user's own on both
// surfaces, and returns each message row's HTML.
const readMessagesJS = `() => {
	const main = document.querySelector('[role="main"]') || document.body;
	const box = main.getBoundingClientRect();
	const center = box.left + box.width / 2;
	const rows = main.querySelectorAll('[role="row"], [data-message-id]');
	const out = [];
	rows.forEach((row, i) => {
		const bubble = row.querySelector('[dir="auto"]') || row;
		const r = bubble.getBoundingClientRect();
		if (r.width > 0 && r.left + r.width / 2 > center) {
			row.setAttribute('data-threadsweep-end', '');
		}
		out.push({ id: row.getAttribute('data-message-id') || ('m' + i), html: row.outerHTML });
	});
	return out;
}`

// Messages opens threadID (clicking its row when listed, navigating
// otherwise) and parses the messages currently rendered. Rows without a
// readable timestamp are skipped.
func (m *Messages) Messages(ctx context.Context, threadID string) ([]thread.Message, error) {
	release, err := m.actions.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.open(ctx, threadID); err != nil {
		return nil, err
	}

	var rows []struct {
		ID   string `json:"id"`
		HTML string `json:"html"`
	}
	if err := evalJSON(ctx, m.page, m.timeout, readMessagesJS, &rows); err != nil {
		return nil, fmt.Errorf("read messages of %s: %w", threadID, err)
	}

	msgs := make([]thread.Message, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		raw, err := extract.ParseMessageHTML(row.ID, row.HTML)
		if err != nil {
			skipped++
			continue
		}
		msg, ok := extract.ExtractMessage(raw)
		if !ok {
			skipped++
			continue
		}
		msgs = append(msgs, msg)
	}
	if skipped > 0 {
		log.Printf("[messages:%s] skipped %d of %d rows without a timestamp", threadID, skipped, len(rows))
	}
	return msgs, nil
}

func (m *Messages) open(ctx context.Context, threadID string) error {
	if found, err := m.actions.Locate(ctx, threadID); err == nil && found {
		if err := m.actions.Open(ctx, threadID); err == nil {
			return nil
		}
	}
	page := m.page.Context(ctx).Timeout(m.navTimeout)
	if err := page.Navigate(ThreadURL(m.site, threadID)); err != nil {
		return fmt.Errorf("navigate to %s: %w", threadID, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("load %s: %w", threadID, err)
	}
	if _, err := page.Element(`[role="main"]`); err != nil {
		return fmt.Errorf("conversation %s: %w", threadID, err)
	}
	return nil
}
