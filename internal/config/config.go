package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces the environment overrides.
const EnvPrefix = "THREADSWEEP_"

// Config captures all tunable settings for the threadsweep MCP server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	MCP      MCPConfig      `yaml:"mcp"`
	Mangle   MangleConfig   `yaml:"mangle"`
	Scan     ScanConfig     `yaml:"scan"`
	Action   ActionConfig   `yaml:"action"`
	Engine   EngineConfig   `yaml:"engine"`
	Store    StoreConfig    `yaml:"store"`
	Recorder RecorderConfig `yaml:"recorder"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command; the first element is the browser binary.
	Launch []string `yaml:"launch"`
	// AutoStart launches or attaches at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless defaults to false: the messenger login lives in a visible profile.
	Headless *bool `yaml:"headless"`
	// Profile directory so an existing login is reused.
	UserDataDir string `yaml:"user_data_dir"`
	// Page opened by launch-browser when no messenger tab exists.
	StartURL string `yaml:"start_url"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout when attaching to an existing target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Bound on every single DOM interaction made by an adapter.
	StepTimeout string `yaml:"step_timeout"`
	// Viewport for launched browsers.
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
	// Forward engine events to clients as notifications.
	Notify *bool `yaml:"notify"`
}

// MangleConfig controls the embedded deductive engine.
type MangleConfig struct {
	Enable bool `yaml:"enable"`
	// Optional schema replacing the builtin thread rules.
	SchemaPath      string `yaml:"schema_path"`
	DisableBuiltin  bool   `yaml:"disable_builtin_rules"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// ScanConfig tunes the incremental collector.
type ScanConfig struct {
	SettleRounds int    `yaml:"settle_rounds"`
	MaxRounds    int    `yaml:"max_rounds"`
	FlushSize    int    `yaml:"flush_size"`
	SettleWait   string `yaml:"settle_wait"`
	// How often buffered list additions are pulled from the page.
	PollInterval string `yaml:"poll_interval"`
}

// ActionConfig tunes the per-conversation action sequence.
type ActionConfig struct {
	Attempts     int     `yaml:"attempts"`
	BaseDelay    string  `yaml:"base_delay"`
	Factor       float64 `yaml:"factor"`
	Jitter       float64 `yaml:"jitter"`
	MaxDelay     string  `yaml:"max_delay"`
	LocateRounds int     `yaml:"locate_rounds"`
	LocateWait   string  `yaml:"locate_wait"`
	Intent       string  `yaml:"intent"`
}

type EngineConfig struct {
	MaxConcurrency int    `yaml:"max_concurrency"`
	DisplayErrors  int    `yaml:"display_errors"`
	EventBuffer    int    `yaml:"event_buffer"`
	SelfToken      string `yaml:"self_token"`
	GroupThreshold int    `yaml:"group_threshold"`
}

// StoreConfig configures the SQLite run ledger.
type StoreConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

// RecorderConfig configures JSONL run traces.
type RecorderConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
	Keep   int    `yaml:"keep"`
}

// DefaultConfig provides reasonable defaults for local use.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "threadsweep",
			Version: "0.3.0",
			LogFile: "threadsweep.log",
		},
		Browser: BrowserConfig{
			AutoStart:                false,
			StartURL:                 "https://www.messenger.com/",
			DefaultNavigationTimeout: "20s",
			DefaultAttachTimeout:     "10s",
			StepTimeout:              "5s",
			ViewportWidth:            1280,
			ViewportHeight:           900,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 4096,
		},
		Scan: ScanConfig{
			SettleRounds: 3,
			MaxRounds:    100,
			FlushSize:    15,
			SettleWait:   "900ms",
			PollInterval: "250ms",
		},
		Action: ActionConfig{
			Attempts:     3,
			BaseDelay:    "400ms",
			Factor:       2,
			Jitter:       0.25,
			MaxDelay:     "5s",
			LocateRounds: 6,
			LocateWait:   "300ms",
			Intent:       "Delete",
		},
		Engine: EngineConfig{
			MaxConcurrency: 3,
			DisplayErrors:  5,
			EventBuffer:    256,
			SelfToken:      "You",
			GroupThreshold: 2,
		},
		Store: StoreConfig{
			Enable: true,
			Path:   "data/threadsweep.db",
		},
		Recorder: RecorderConfig{
			Enable: true,
			Dir:    "data/traces",
			Keep:   3,
		},
	}
}

// Load layers DefaultConfig, the YAML file at path (optional) and
// THREADSWEEP_* environment variables, in that order. Variables from a .env
// file in the working directory are visible to the last layer.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("LOG_FILE", &c.Server.LogFile)
	str("DEBUGGER_URL", &c.Browser.DebuggerURL)
	str("USER_DATA_DIR", &c.Browser.UserDataDir)
	str("START_URL", &c.Browser.StartURL)
	flag("AUTO_START", &c.Browser.AutoStart)
	if v, ok := lookup(EnvPrefix + "HEADLESS"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%sHEADLESS: %w", EnvPrefix, err))
		} else {
			c.Browser.Headless = &b
		}
	}
	num("SSE_PORT", &c.MCP.SSEPort)
	str("SCHEMA_PATH", &c.Mangle.SchemaPath)
	num("MAX_CONCURRENCY", &c.Engine.MaxConcurrency)
	str("SELF_TOKEN", &c.Engine.SelfToken)
	str("DB_PATH", &c.Store.Path)
	flag("STORE_ENABLE", &c.Store.Enable)
	str("TRACE_DIR", &c.Recorder.Dir)
	flag("TRACE_ENABLE", &c.Recorder.Enable)

	return errors.Join(errs...)
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart && c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
		return errors.New("browser.debugger_url or browser.launch must be provided")
	}
	if c.Engine.MaxConcurrency < 1 || c.Engine.MaxConcurrency > 3 {
		return fmt.Errorf("engine.max_concurrency must be between 1 and 3, got %d", c.Engine.MaxConcurrency)
	}
	if c.Store.Enable && c.Store.Path == "" {
		return errors.New("store.path is required when the store is enabled")
	}
	if c.Action.Jitter < 0 || c.Action.Jitter >= 1 {
		return fmt.Errorf("action.jitter must be in [0, 1), got %v", c.Action.Jitter)
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 20*time.Second)
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDuration(b.DefaultAttachTimeout, 10*time.Second)
}

func (b BrowserConfig) StepTimeoutDuration() time.Duration {
	return parseDuration(b.StepTimeout, 5*time.Second)
}

// IsHeadless returns whether Chrome should run headless (default: false).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return false
	}
	return *b.Headless
}

func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 900
	}
	return b.ViewportHeight
}

// NotifyEnabled reports whether engine events are pushed to clients (default: true).
func (m MCPConfig) NotifyEnabled() bool {
	if m.Notify == nil {
		return true
	}
	return *m.Notify
}

func (s ScanConfig) SettleWaitDuration() time.Duration {
	return parseDuration(s.SettleWait, 900*time.Millisecond)
}

func (s ScanConfig) PollIntervalDuration() time.Duration {
	return parseDuration(s.PollInterval, 250*time.Millisecond)
}

func (a ActionConfig) BaseDelayDuration() time.Duration {
	return parseDuration(a.BaseDelay, 400*time.Millisecond)
}

func (a ActionConfig) MaxDelayDuration() time.Duration {
	return parseDuration(a.MaxDelay, 5*time.Second)
}

func (a ActionConfig) LocateWaitDuration() time.Duration {
	return parseDuration(a.LocateWait, 300*time.Millisecond)
}
