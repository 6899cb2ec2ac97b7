package mcp

import (
	"context"
	"fmt"

	"threadsweep/internal/browser"
)

// LaunchBrowserTool starts Chrome using the configured launch command.
type LaunchBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start (or connect to) the Chrome instance that holds your messenger login.

CALL THIS FIRST unless the server was started with auto_start.

WHAT IT DOES:
- Connects to browser.debugger_url when configured
- Otherwise launches Chrome with the configured profile directory
- Idempotent: safe to call if already running

TYPICAL WORKFLOW:
1. launch-browser        -> Chrome is up
2. attach-session        -> open or adopt a messenger.com tab
3. scan-start            -> collect conversations
4. apply-filters / select-threads
5. delete-start          -> try with dry_run first

Returns: {status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, fmt.Errorf("browser sessions unavailable")
	}
	if t.sessions.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": t.sessions.ControlURL(),
		}, nil
	}

	if err := t.sessions.Start(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "started",
		"control_url": t.sessions.ControlURL(),
	}, nil
}

// ShutdownBrowserTool drops the browser connection.
type ShutdownBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Disconnect from Chrome and forget tracked tabs.

Tabs are left open so the logged-in profile is not disturbed.
Stop any scan or delete run first; they need the tab.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, fmt.Errorf("browser sessions unavailable")
	}
	if err := t.sessions.Shutdown(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "stopped",
	}, nil
}

// ListSessionsTool lists tracked messenger tabs.
type ListSessionsTool struct {
	sessions *browser.SessionManager
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List the messenger tabs the server can act on.

Set discover=true to scan every open Chrome tab for messenger.com or
facebook.com/messages pages and start tracking them.

Returns: {sessions: [{id, url, title, site, active}], count}`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"discover": map[string]interface{}{
				"type":        "boolean",
				"description": "Scan open tabs for messenger pages first (default: false)",
			},
		},
	}
}
func (t *ListSessionsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, fmt.Errorf("browser sessions unavailable")
	}
	if getBoolArg(args, "discover", false) {
		if _, err := t.sessions.Discover(ctx); err != nil {
			return nil, err
		}
	}
	sessions := t.sessions.List()
	return map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	}, nil
}

// AttachSessionTool makes a tab the engine's target.
type AttachSessionTool struct {
	sessions *browser.SessionManager
}

func (t *AttachSessionTool) Name() string { return "attach-session" }
func (t *AttachSessionTool) Description() string {
	return `Choose the messenger tab that scans and deletes run against.

Exactly one of:
- session_id: activate an already tracked tab (see list-sessions)
- target_id:  adopt an existing Chrome tab by its CDP target id
- url:        open a new tab (defaults to browser.start_url when all are empty)

The tab must be on messenger.com or facebook.com/messages.

Returns: {session: {id, url, site, active}}`
}
func (t *AttachSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Tracked session to activate",
			},
			"target_id": map[string]interface{}{
				"type":        "string",
				"description": "Chrome target id of an open tab",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Messenger URL to open in a new tab",
			},
		},
	}
}
func (t *AttachSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, fmt.Errorf("browser sessions unavailable")
	}
	sessionID := getStringArg(args, "session_id")
	targetID := getStringArg(args, "target_id")
	url := getStringArg(args, "url")

	given := 0
	for _, v := range []string{sessionID, targetID, url} {
		if v != "" {
			given++
		}
	}
	if given > 1 {
		return nil, fmt.Errorf("pass only one of session_id, target_id or url")
	}

	switch {
	case sessionID != "":
		if err := t.sessions.Activate(sessionID); err != nil {
			return nil, err
		}
		sess, _ := t.sessions.GetSession(sessionID)
		return map[string]interface{}{"session": sess}, nil
	case targetID != "":
		sess, err := t.sessions.Attach(ctx, targetID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"session": sess}, nil
	default:
		sess, err := t.sessions.Open(ctx, url)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"session": sess}, nil
	}
}
