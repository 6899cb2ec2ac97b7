package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"threadsweep/internal/action"
	"threadsweep/internal/browser"
	"threadsweep/internal/collector"
	"threadsweep/internal/config"
	"threadsweep/internal/engine"
	"threadsweep/internal/mangle"
	mcpserver "threadsweep/internal/mcp"
	"threadsweep/internal/recorder"
	"threadsweep/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to the threadsweep config file (optional)")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		log.Fatalf("failed to load config: %v", err)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	// stdio mode: stderr output would interleave with the protocol stream
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}

	facts, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		log.Fatalf("failed to initialize mangle engine: %v", err)
	}

	deps := engine.Deps{Facts: facts}
	var history mcpserver.History
	if cfg.Store.Enable {
		ledger, err := store.NewSQLiteStore(ctx, cfg.Store.Path)
		if err != nil {
			log.Fatalf("failed to open run ledger: %v", err)
		}
		defer ledger.Close()
		deps.Ledger = ledger
		history = ledger
	}
	if cfg.Recorder.Enable {
		rec, err := recorder.NewRecorder(cfg.Recorder.Dir, cfg.Recorder.Keep)
		if err != nil {
			log.Fatalf("failed to initialize trace recorder: %v", err)
		}
		defer rec.Close()
		deps.Tracer = rec
	}

	sessionManager := browser.NewSessionManager(cfg.Browser, cfg.Scan.PollIntervalDuration())
	if cfg.Browser.AutoStart {
		if err := sessionManager.Start(ctx); err != nil {
			log.Fatalf("failed to initialize Rod session manager: %v", err)
		}
	} else {
		log.Printf("browser auto-start disabled; use launch-browser to connect later")
	}

	runEngine := engine.New(sessionManager, engineOptions(cfg), deps)
	defer runEngine.Close()

	server, err := mcpserver.NewServer(cfg, sessionManager, runEngine, facts, history)
	if err != nil {
		log.Fatalf("failed to initialize MCP server: %v", err)
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting threadsweep MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting threadsweep MCP stdio server")
		startErr = server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}

func engineOptions(cfg config.Config) engine.Options {
	return engine.Options{
		Collector: collector.Options{
			SettleRounds:   cfg.Scan.SettleRounds,
			MaxRounds:      cfg.Scan.MaxRounds,
			FlushSize:      cfg.Scan.FlushSize,
			SettleWait:     cfg.Scan.SettleWaitDuration(),
			GroupThreshold: cfg.Engine.GroupThreshold,
		},
		Policy: action.Policy{
			Attempts:     cfg.Action.Attempts,
			BaseDelay:    cfg.Action.BaseDelayDuration(),
			Factor:       cfg.Action.Factor,
			Jitter:       cfg.Action.Jitter,
			MaxDelay:     cfg.Action.MaxDelayDuration(),
			LocateRounds: cfg.Action.LocateRounds,
			LocateWait:   cfg.Action.LocateWaitDuration(),
			Intent:       cfg.Action.Intent,
		},
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		DisplayErrors:  cfg.Engine.DisplayErrors,
		EventBuffer:    cfg.Engine.EventBuffer,
		SelfToken:      cfg.Engine.SelfToken,
		GroupThreshold: cfg.Engine.GroupThreshold,
	}
}
