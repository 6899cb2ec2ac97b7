package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"threadsweep/internal/browser"
	"threadsweep/internal/config"
	"threadsweep/internal/engine"
	"threadsweep/internal/mangle"
	"threadsweep/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// notificationPrefix namespaces forwarded engine events.
const notificationPrefix = "notifications/threadsweep/"

// History is the read side of the run ledger.
type History interface {
	Runs(ctx context.Context, limit int) ([]store.Run, error)
	Outcomes(ctx context.Context, runID string) ([]store.Outcome, error)
}

// Server wires the MCP runtime to the run engine, the browser sessions, the
// fact store and the run ledger.
type Server struct {
	cfg       config.Config
	sessions  *browser.SessionManager
	engine    *engine.Engine
	facts     *mangle.Engine
	history   History
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the MCP server and registers all tools. history may
// be nil when the ledger is disabled.
func NewServer(cfg config.Config, sessions *browser.SessionManager, eng *engine.Engine, facts *mangle.Engine, history History) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("run engine is required")
	}

	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		sessions:  sessions,
		engine:    eng,
		facts:     facts,
		history:   history,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start launches the stdio server.
func (s *Server) Start(ctx context.Context) error {
	s.startEventPump(ctx)
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	s.startEventPump(ctx)
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("SSE server shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) startEventPump(ctx context.Context) {
	if !s.cfg.MCP.NotifyEnabled() {
		log.Printf("[events] client notifications disabled; poll get-state instead")
		return
	}
	go s.pumpEvents(ctx, s.notify)
}

// pumpEvents drains the engine's queue until ctx ends, handing every event
// to send in publish order.
func (s *Server) pumpEvents(ctx context.Context, send func(engine.Event)) {
	queue := s.engine.Events()
	for {
		ev, err := queue.Next(ctx)
		if err != nil {
			if dropped := queue.Dropped(); dropped > 0 {
				log.Printf("[events] pump stopped; %d events were dropped by the queue", dropped)
			}
			return
		}
		send(ev)
	}
}

func (s *Server) notify(ev engine.Event) {
	s.mcpServer.SendNotificationToAllClients(notificationPrefix+string(ev.Kind), eventParams(ev))
}

// eventParams flattens an event into notification params.
func eventParams(ev engine.Event) map[string]any {
	params := map[string]any{
		"runId": ev.RunID,
		"time":  ev.Time.UnixMilli(),
	}
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		params["error"] = fmt.Sprintf("unencodable payload: %v", err)
		return params
	}
	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err == nil {
		params["payload"] = payload
	}
	return params
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(context.Background(), args)
}

func (s *Server) registerAllTools() {
	// Browser and tab management
	s.registerTool(&LaunchBrowserTool{sessions: s.sessions})
	s.registerTool(&ShutdownBrowserTool{sessions: s.sessions})
	s.registerTool(&ListSessionsTool{sessions: s.sessions})
	s.registerTool(&AttachSessionTool{sessions: s.sessions})

	// Run control
	s.registerTool(&ScanStartTool{engine: s.engine})
	s.registerTool(&ScanStopTool{engine: s.engine})
	s.registerTool(&ApplyFiltersTool{engine: s.engine})
	s.registerTool(&SelectThreadsTool{engine: s.engine})
	s.registerTool(&DeleteStartTool{engine: s.engine})
	s.registerTool(&DeleteStopTool{engine: s.engine})
	s.registerTool(&ResetRunTool{engine: s.engine})
	s.registerTool(&GetStateTool{engine: s.engine})
	s.registerTool(&GetErrorsTool{engine: s.engine})

	// Messages and export
	s.registerTool(&PreviewMessagesTool{engine: s.engine})
	s.registerTool(&ExportCSVTool{engine: s.engine})

	// Facts and history
	s.registerTool(&QueryFactsTool{facts: s.facts})
	s.registerTool(&RunHistoryTool{history: s.history})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
