package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"threadsweep/internal/action"
	"threadsweep/internal/collector"
	"threadsweep/internal/config"
	"threadsweep/internal/engine"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	SiteMessenger = "messenger"
	SiteFacebook  = "facebook"
)

var (
	ErrNotConnected   = errors.New("browser not connected")
	ErrNoMessagesTab  = errors.New("no messenger.com or facebook.com/messages tab open")
	ErrUnknownSession = errors.New("unknown session")
)

// Session describes one tracked messenger tab.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Site       string    `json:"site,omitempty"`
	Status     string    `json:"status,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta Session
	page *rod.Page
	lock *semaphore.Weighted
}

// SessionManager owns the Chrome connection and the messenger tabs the
// engine can act on. It is the engine's target provider.
type SessionManager struct {
	cfg          config.BrowserConfig
	pollInterval time.Duration

	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	active     string
	controlURL string
}

func NewSessionManager(cfg config.BrowserConfig, pollInterval time.Duration) *SessionManager {
	return &SessionManager{
		cfg:          cfg,
		pollInterval: pollInterval,
		sessions:     make(map[string]*sessionRecord),
	}
}

// SiteFromURL classifies a tab URL. Only messenger.com and the
// facebook.com/messages area are supported surfaces.
func SiteFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "messenger.com" || strings.HasSuffix(host, ".messenger.com"):
		return SiteMessenger, true
	case host == "facebook.com" || strings.HasSuffix(host, ".facebook.com"):
		if u.Path == "/messages" || strings.HasPrefix(u.Path, "/messages/") {
			return SiteFacebook, true
		}
	}
	return "", false
}

// ThreadURL is the direct address of one conversation on site.
func ThreadURL(site, id string) string {
	id = url.PathEscape(id)
	if site == SiteFacebook {
		return "https://www.facebook.com/messages/t/" + id + "/"
	}
	return "https://www.messenger.com/t/" + id + "/"
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		log.Printf("[browser] stale connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.sessions = make(map[string]*sessionRecord)
		m.active = ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		launched, err := m.launch()
		if err != nil {
			return err
		}
		controlURL = launched
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	log.Printf("[browser] connected at %s", controlURL)
	return nil
}

func (m *SessionManager) launch() (string, error) {
	l := launcher.New().Headless(m.cfg.IsHeadless())
	if len(m.cfg.Launch) > 0 {
		l = l.Bin(m.cfg.Launch[0])
		for _, rawFlag := range m.cfg.Launch[1:] {
			name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
	}
	if m.cfg.UserDataDir != "" {
		l = l.UserDataDir(m.cfg.UserDataDir)
	}
	u, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("launch chrome: %w", err)
	}
	return u, nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown forgets tracked tabs and closes the connection. Tabs are left
// open: they belong to the user's profile.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions = make(map[string]*sessionRecord)
	m.active = ""

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	log.Printf("[browser] shutdown complete")
	return err
}

// List returns tracked sessions, oldest first.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for id, rec := range m.sessions {
		meta := rec.meta
		meta.Active = id == m.active
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Open navigates a new tab to target (the configured start URL when empty)
// and makes it the active session.
func (m *SessionManager) Open(ctx context.Context, target string) (*Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, ErrNotConnected
	}
	if target == "" {
		target = m.cfg.StartURL
	}
	site, ok := SiteFromURL(target)
	if !ok {
		return nil, fmt.Errorf("%s is not a messenger surface", target)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: target})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		log.Printf("[browser] failed to set viewport: %v", err)
	}
	if err := page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).WaitLoad(); err != nil {
		log.Printf("[browser] %s did not finish loading: %v", target, err)
	}

	meta := m.track(page, target, "", site, "active")
	return &meta, nil
}

// Attach binds to an existing tab by target id and makes it active.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, ErrNotConnected
	}

	page, err := browser.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}
	info, err := page.Context(ctx).Timeout(m.cfg.AttachTimeout()).Info()
	if err != nil {
		return nil, fmt.Errorf("read target %s: %w", targetID, err)
	}
	site, ok := SiteFromURL(info.URL)
	if !ok {
		return nil, fmt.Errorf("target %s (%s) is not a messenger surface", targetID, info.URL)
	}

	meta := m.track(page, info.URL, info.Title, site, "attached")
	return &meta, nil
}

// Discover tracks every open messenger tab not tracked yet.
func (m *SessionManager) Discover(ctx context.Context) ([]Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, ErrNotConnected
	}

	pages, err := browser.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	var found []Session
	for _, page := range pages {
		if m.tracked(string(page.TargetID)) {
			continue
		}
		info, err := page.Info()
		if err != nil {
			continue
		}
		site, ok := SiteFromURL(info.URL)
		if !ok {
			continue
		}
		found = append(found, m.track(page, info.URL, info.Title, site, "discovered"))
	}
	return found, nil
}

// Activate selects the session the engine acts on.
func (m *SessionManager) Activate(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.page == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	m.active = sessionID
	rec.meta.LastActive = time.Now()
	return nil
}

// Active returns the tab the engine should act on: the active session, or
// the first messenger tab found in the browser.
func (m *SessionManager) Active(ctx context.Context) (engine.Target, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	m.mu.Lock()
	rec, ok := m.sessions[m.active]
	if ok && rec.page != nil {
		rec.meta.LastActive = time.Now()
		page, site, lock := rec.page, rec.meta.Site, rec.lock
		m.mu.Unlock()
		return m.target(page, site, lock), nil
	}
	m.mu.Unlock()

	found, err := m.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNoMessagesTab
	}
	if err := m.Activate(found[0].ID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	rec, ok = m.sessions[found[0].ID]
	m.mu.RUnlock()
	if !ok || rec.page == nil {
		return nil, ErrNoMessagesTab
	}
	return m.target(rec.page, rec.meta.Site, rec.lock), nil
}

// GetSession returns the current session metadata when available.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	meta := rec.meta
	meta.Active = sessionID == m.active
	return meta, true
}

// target builds the engine's view of one tab. lock is the tab's own, so
// every target handed out for the tab serializes on it.
func (m *SessionManager) target(page *rod.Page, site string, lock *semaphore.Weighted) engine.Target {
	step := m.cfg.StepTimeoutDuration()
	actions := NewActions(page, step, lock)
	return &pageTarget{
		site:     site,
		surface:  NewSurface(page, site, step, m.pollInterval),
		actions:  actions,
		messages: NewMessages(page, site, m.cfg.NavigationTimeout(), actions),
	}
}

func (m *SessionManager) tracked(targetID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.sessions {
		if rec.meta.TargetID == targetID {
			return true
		}
	}
	return false
}

// track registers page; the first tracked session becomes active.
func (m *SessionManager) track(page *rod.Page, pageURL, title, site, status string) Session {
	now := time.Now()
	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        pageURL,
		Title:      title,
		Site:       site,
		Status:     status,
		CreatedAt:  now,
		LastActive: now,
	}

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page, lock: semaphore.NewWeighted(1)}
	if status != "discovered" || m.active == "" {
		m.active = meta.ID
	}
	meta.Active = m.active == meta.ID
	m.mu.Unlock()

	log.Printf("[session:%s] tracking %s tab %s", meta.ID, site, pageURL)
	return meta
}

// pageTarget adapts one tab to the engine.
type pageTarget struct {
	site     string
	surface  *Surface
	actions  *Actions
	messages *Messages
}

func (t *pageTarget) Site() string                   { return t.site }
func (t *pageTarget) Surface() collector.Surface     { return t.surface }
func (t *pageTarget) Actions() action.Adapter        { return t.actions }
func (t *pageTarget) Messages() engine.MessageSource { return t.messages }
