package browser

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"threadsweep/internal/action"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/sync/semaphore"
)

// Actions performs single attempts of each action stage on one tab. Jobs on
// the same tab take turns through lock.
type Actions struct {
	page    *rod.Page
	timeout time.Duration
	lock    *semaphore.Weighted
}

// NewActions binds page. A nil lock gives the actions a lock of their own.
func NewActions(page *rod.Page, timeout time.Duration, lock *semaphore.Weighted) *Actions {
	if lock == nil {
		lock = semaphore.NewWeighted(1)
	}
	return &Actions{page: page, timeout: timeout, lock: lock}
}

var (
	_ action.Adapter   = (*Actions)(nil)
	_ action.Exclusive = (*Actions)(nil)
)

// Acquire waits for the tab to be free.
func (a *Actions) Acquire(ctx context.Context) (func(), error) {
	if err := a.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { a.lock.Release(1) }, nil
}

// menuButtonJS finds the options button of a row, falling back to the
// conversation header once the conversation is open.
const menuButtonJS = `
	const a = sweep.find(id);
	const row = a ? sweep.rowOf(a) : null;
	const pick = (scope) => scope && scope.querySelector(
		'[aria-label*="More options"], [aria-label*="Menu"], [aria-label="Conversation actions"], [aria-haspopup="menu"]');
	return pick(row) || pick(document.querySelector('[role="main"]'));`

// jsRegex builds a case-insensitive rod ElementR pattern matching text.
func jsRegex(text string) string {
	return "/^\\s*" + regexp.QuoteMeta(text) + "/i"
}

func (a *Actions) Locate(ctx context.Context, id string) (bool, error) {
	var found bool
	err := evalJSON(ctx, a.page, a.timeout, script("id", `return !!sweep.find(id);`), &found, id)
	return found, err
}

func (a *Actions) ScrollTo(ctx context.Context, edge action.Edge) error {
	where := "start"
	if edge == action.EdgeEnd {
		where = "end"
	}
	return evalJSON(ctx, a.page, a.timeout, script("where", `
	const sc = sweep.scroller();
	sc.scrollTop = where === 'start' ? 0 : sc.scrollHeight;
	return true;`), nil, where)
}

// Open clicks the row and waits until the conversation pane shows it.
func (a *Actions) Open(ctx context.Context, id string) error {
	page := a.page.Context(ctx).Timeout(a.timeout)
	el, err := page.ElementByJS(rod.Eval(script("id", `return sweep.find(id);`), id))
	if err != nil {
		return fmt.Errorf("row %s: %w", id, err)
	}
	if err := el.ScrollIntoView(); err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click row %s: %w", id, err)
	}
	err = page.Wait(rod.Eval(`(id) => {
		const m = location.pathname.match(/\/t\/([^/?#]+)/);
		return !!m && decodeURIComponent(m[1]) === id && !!document.querySelector('[role="main"]');
	}`, id))
	if err != nil {
		return fmt.Errorf("conversation %s: %w", id, err)
	}
	return nil
}

// RevealControls hovers the row and opens its options menu.
func (a *Actions) RevealControls(ctx context.Context, id string) error {
	page := a.page.Context(ctx).Timeout(a.timeout)
	if row, err := page.ElementByJS(rod.Eval(script("id", `const a = sweep.find(id); return a ? sweep.rowOf(a) : null;`), id)); err == nil {
		_ = row.Hover()
	}
	btn, err := page.ElementByJS(rod.Eval(script("id", menuButtonJS), id))
	if err != nil {
		return fmt.Errorf("options button for %s: %w", id, err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	if _, err := page.Element(`[role="menu"]`); err != nil {
		return fmt.Errorf("options menu for %s: %w", id, err)
	}
	return nil
}

// Trigger clicks the menu item whose label starts with intent.
func (a *Actions) Trigger(ctx context.Context, id, intent string) error {
	page := a.page.Context(ctx).Timeout(a.timeout)
	item, err := page.ElementR(`[role="menu"] [role="menuitem"]`, jsRegex(intent))
	if err != nil {
		return fmt.Errorf("menu item %q for %s: %w", intent, id, err)
	}
	return item.Click(proto.InputMouseButtonLeft, 1)
}

// Confirm accepts the confirmation dialog and waits for the row to go away.
func (a *Actions) Confirm(ctx context.Context, id string) error {
	page := a.page.Context(ctx).Timeout(a.timeout)
	btn, err := page.ElementR(`[role="dialog"] [role="button"], [role="dialog"] button`, `/^\s*(delete|archive|confirm|ok|yes)\b/i`)
	if err != nil {
		return fmt.Errorf("confirm button for %s: %w", id, err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	err = page.Wait(rod.Eval(script("id", `return !sweep.find(id) && !document.querySelector('[role="dialog"]');`), id))
	if err != nil {
		return fmt.Errorf("row %s still present: %w", id, err)
	}
	return nil
}
