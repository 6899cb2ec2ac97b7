package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"threadsweep/internal/mangle"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"threadsweep://about",
			"threadsweep About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info and the safe order of operations."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"threadsweep://state",
			"Run State",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Current run snapshot without thread records."),
		),
		s.handleStateResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"threadsweep://facts/{predicate}{?limit}",
			"Recent Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Most recent buffered facts of one predicate, oldest first."),
		),
		s.handleFactsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"notes": []string{
			"Order: launch-browser, attach-session, scan-start, apply-filters or select-threads, delete-start.",
			"Run delete-start with dry_run=true first; a dry run never touches the page.",
			"Only one scan or delete runs at a time; get-state shows which.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonResource(request.Params.URI, payload)
}

func (s *Server) handleStateResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	st := s.engine.State()
	count := len(st.Threads)
	st.Threads = nil
	return jsonResource(request.Params.URI, map[string]interface{}{
		"state":        st,
		"thread_count": count,
	})
}

func (s *Server) handleFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.facts == nil {
		return nil, fmt.Errorf("fact store unavailable")
	}

	predicate := argString(request.Params.Arguments["predicate"])
	if predicate == "" {
		return nil, fmt.Errorf("missing predicate")
	}
	limit := asInt(request.Params.Arguments["limit"])
	if limit <= 0 {
		limit = 25
	}
	if limit > 500 {
		limit = 500
	}

	facts := recentFacts(s.facts, predicate, limit)
	return jsonResource(request.Params.URI, map[string]interface{}{
		"predicate": predicate,
		"limit":     limit,
		"count":     len(facts),
		"facts":     facts,
	})
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func recentFacts(engine *mangle.Engine, predicate string, limit int) []mangle.Fact {
	if engine == nil || predicate == "" || limit <= 0 {
		return []mangle.Fact{}
	}
	source := engine.FactsByPredicate(predicate)
	if len(source) > limit {
		source = source[len(source)-limit:]
	}
	return source
}

// Template arguments arrive as strings or single-element slices.
func argString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		if len(val) > 0 {
			return val[0]
		}
	case []interface{}:
		if len(val) > 0 {
			return fmt.Sprintf("%v", val[0])
		}
	}
	return ""
}

func asInt(v interface{}) int {
	switch val := v.(type) {
	case int:
		return val
	case float64:
		return int(val)
	case string:
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	case []string:
		if len(val) > 0 {
			return asInt(val[0])
		}
	case []interface{}:
		if len(val) > 0 {
			return asInt(val[0])
		}
	}
	return 0
}
