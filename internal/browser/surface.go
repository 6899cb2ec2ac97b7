package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"threadsweep/internal/collector"
	"threadsweep/internal/extract"

	"github.com/go-rod/rod"
)

// ErrStaleItem means a stamped row left the DOM before it was read.
var ErrStaleItem = errors.New("item no longer rendered")

// sweepJS installs window.__threadsweep once per document. Rows of the
// conversation list are stamped with data-threadsweep-ref so they can be
// addressed again after the list re-renders around them.
const sweepJS = `
const sweep = window.__threadsweep || (window.__threadsweep = {
	seq: 0,
	added: [],
	observer: null,
	root() {
		return document.querySelector('[role="navigation"] [role="grid"]') ||
			document.querySelector('[aria-label="Chats"]') ||
			document.querySelector('[aria-label="Thread list"]') ||
			document.querySelector('[role="navigation"]') ||
			document.body;
	},
	rowOf(a) {
		return a.closest('[role="row"], [role="listitem"], li') || a;
	},
	stamp(row) {
		if (row.hasAttribute('data-threadsweep-ref')) return false;
		this.seq += 1;
		row.setAttribute('data-threadsweep-ref', 'r' + this.seq);
		return true;
	},
	rows() {
		const out = [];
		const seen = new Set();
		for (const a of this.root().querySelectorAll('a[href*="/t/"]')) {
			const row = this.rowOf(a);
			if (seen.has(row)) continue;
			seen.add(row);
			out.push(row);
		}
		return out;
	},
	scroller() {
		let el = this.root();
		while (el && el !== document.body && el !== document.documentElement) {
			const style = getComputedStyle(el);
			if (/(auto|scroll)/.test(style.overflowY) && el.scrollHeight > el.clientHeight) return el;
			el = el.parentElement;
		}
		return document.scrollingElement || document.documentElement;
	},
	find(id) {
		for (const a of this.root().querySelectorAll('a[href*="/t/"]')) {
			const m = (a.getAttribute('href') || '').match(/\/t\/([^/?#]+)/);
			if (m && decodeURIComponent(m[1]) === id) return a;
		}
		return null;
	},
});
`

// script wraps body in a function of params with the sweep helpers in scope.
func script(params, body string) string {
	return "(" + params + ") => {\n" + sweepJS + body + "\n}"
}

// evalJSON runs js on page and decodes its by-value result into out.
func evalJSON(ctx context.Context, page *rod.Page, timeout time.Duration, js string, out interface{}, args ...interface{}) error {
	res, err := page.Context(ctx).Timeout(timeout).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return err
	}
	if out == nil || res == nil || res.Value.Nil() {
		return nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Surface is the conversation list of one messenger tab.
type Surface struct {
	page         *rod.Page
	site         string
	timeout      time.Duration
	pollInterval time.Duration
}

func NewSurface(page *rod.Page, site string, timeout, pollInterval time.Duration) *Surface {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &Surface{page: page, site: site, timeout: timeout, pollInterval: pollInterval}
}

var _ collector.Surface = (*Surface)(nil)

func (s *Surface) EnumerateVisibleItems(ctx context.Context) ([]collector.ItemHandle, error) {
	var refs []string
	err := evalJSON(ctx, s.page, s.timeout, script("", `
	const refs = [];
	for (const row of sweep.rows()) {
		sweep.stamp(row);
		refs.push(row.getAttribute('data-threadsweep-ref'));
	}
	return refs;`), &refs)
	if err != nil {
		return nil, fmt.Errorf("enumerate rows: %w", err)
	}
	return handles(refs), nil
}

// SubscribeToAdditions observes the list for new rows. The page buffers
// their refs; a goroutine drains the buffer every poll interval.
func (s *Surface) SubscribeToAdditions(ctx context.Context, cb func([]collector.ItemHandle)) (func(), error) {
	err := evalJSON(ctx, s.page, s.timeout, script("", `
	if (sweep.observer) sweep.observer.disconnect();
	sweep.added = [];
	sweep.observer = new MutationObserver(() => {
		for (const row of sweep.rows()) {
			if (sweep.stamp(row)) sweep.added.push(row.getAttribute('data-threadsweep-ref'));
		}
	});
	sweep.observer.observe(sweep.root(), { childList: true, subtree: true });
	return true;`), nil)
	if err != nil {
		return nil, fmt.Errorf("install observer: %w", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				var refs []string
				err := evalJSON(pollCtx, s.page, s.timeout, script("", `
	const out = sweep.added;
	sweep.added = [];
	return out;`), &refs)
				if err != nil {
					if pollCtx.Err() == nil {
						log.Printf("[surface:%s] drain additions: %v", s.site, err)
					}
					continue
				}
				if len(refs) > 0 {
					cb(handles(refs))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			_ = evalJSON(context.Background(), s.page, s.timeout, script("", `
	if (sweep.observer) sweep.observer.disconnect();
	sweep.observer = null;
	sweep.added = [];
	return true;`), nil)
		})
	}, nil
}

// RequestMoreContent scrolls the list to its end so the page loads more.
func (s *Surface) RequestMoreContent(ctx context.Context) error {
	return evalJSON(ctx, s.page, s.timeout, script("", `
	const rows = sweep.rows();
	if (rows.length) rows[rows.length - 1].scrollIntoView({ block: 'end' });
	const sc = sweep.scroller();
	sc.scrollTop = sc.scrollHeight;
	return true;`), nil)
}

func (s *Surface) ExtractRaw(ctx context.Context, item collector.ItemHandle) (extract.RawFields, error) {
	var html string
	err := evalJSON(ctx, s.page, s.timeout, script("ref", `
	const el = document.querySelector('[data-threadsweep-ref="' + CSS.escape(ref) + '"]');
	return el ? el.outerHTML : '';`), &html, item.Ref)
	if err != nil {
		return extract.RawFields{}, fmt.Errorf("read row %s: %w", item.Ref, err)
	}
	if html == "" {
		return extract.RawFields{}, fmt.Errorf("%w: %s", ErrStaleItem, item.Ref)
	}
	raw, err := extract.ParseItemHTML(html)
	if err != nil {
		return extract.RawFields{}, err
	}
	raw.Source = s.site
	return raw, nil
}

func handles(refs []string) []collector.ItemHandle {
	out := make([]collector.ItemHandle, 0, len(refs))
	for _, r := range refs {
		if r != "" {
			out = append(out, collector.ItemHandle{Ref: r})
		}
	}
	return out
}
