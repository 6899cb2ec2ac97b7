package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"threadsweep/internal/config"
)

func TestSiteFromURL(t *testing.T) {
	tests := []struct {
		url  string
		site string
		ok   bool
	}{
		{"https://www.messenger.com/t/100012345/", SiteMessenger, true},
		{"https://messenger.com/", SiteMessenger, true},
		{"https://www.facebook.com/messages/t/100012345", SiteFacebook, true},
		{"https://www.facebook.com/messages", SiteFacebook, true},
		{"https://www.facebook.com/marketplace", "", false},
		{"https://www.facebook.com/messagesfoo", "", false},
		{"https://evil-messenger.com/t/1", "", false},
		{"about:blank", "", false},
		{"::not a url", "", false},
	}
	for _, tt := range tests {
		site, ok := SiteFromURL(tt.url)
		if site != tt.site || ok != tt.ok {
			t.Errorf("SiteFromURL(%q) = %q, %v; want %q, %v", tt.url, site, ok, tt.site, tt.ok)
		}
	}
}

func TestThreadURL(t *testing.T) {
	if got := ThreadURL(SiteMessenger, "123"); got != "https://www.messenger.com/t/123/" {
		t.Errorf("messenger thread url = %q", got)
	}
	if got := ThreadURL(SiteFacebook, "123"); got != "https://www.facebook.com/messages/t/123/" {
		t.Errorf("facebook thread url = %q", got)
	}
	if got := ThreadURL(SiteMessenger, "a b"); got != "https://www.messenger.com/t/a%20b/" {
		t.Errorf("escaped thread url = %q", got)
	}
}

func TestJSRegexQuotesIntent(t *testing.T) {
	if got := jsRegex("Delete"); got != `/^\s*Delete/i` {
		t.Errorf("jsRegex(Delete) = %q", got)
	}
	if got := jsRegex("Delete chat?"); got != `/^\s*Delete chat\?/i` {
		t.Errorf("jsRegex with metachar = %q", got)
	}
}

func TestHandlesSkipsEmptyRefs(t *testing.T) {
	got := handles([]string{"r1", "", "r2"})
	if len(got) != 2 || got[0].Ref != "r1" || got[1].Ref != "r2" {
		t.Errorf("handles = %+v", got)
	}
}

func TestSessionManagerRequiresConnection(t *testing.T) {
	m := NewSessionManager(config.DefaultConfig().Browser, 10*time.Millisecond)
	ctx := context.Background()

	if m.IsConnected() {
		t.Fatal("new manager should not be connected")
	}
	if _, err := m.Active(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Active error = %v, want ErrNotConnected", err)
	}
	if _, err := m.Open(ctx, ""); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Open error = %v, want ErrNotConnected", err)
	}
	if _, err := m.Attach(ctx, "target"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Attach error = %v, want ErrNotConnected", err)
	}
	if _, err := m.Discover(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Discover error = %v, want ErrNotConnected", err)
	}
	if err := m.Activate("missing"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Activate error = %v, want ErrUnknownSession", err)
	}
	if len(m.List()) != 0 {
		t.Error("expected no sessions")
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown without browser: %v", err)
	}
}

func TestScriptWrapsHelpers(t *testing.T) {
	js := script("id", "return sweep.find(id);")
	if js[:7] != "(id) =>" {
		t.Errorf("unexpected prefix: %q", js[:7])
	}
}
