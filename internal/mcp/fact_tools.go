package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"threadsweep/internal/mangle"
)

// QueryFactsTool queries the fact store.
type QueryFactsTool struct {
	facts *mangle.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Ask questions about scanned conversations and delete outcomes.

Pass either:
- query:     a single atom, e.g. failed_delete(Run, Id, Err). or participant(Id, "Ana").
- predicate: return every fact of one predicate, derived ones included
- rule:      extra rules to load first, e.g.
             Decl big_group(Id). big_group(Id) :- group_thread(Id), has_attachments(Id).

BUILT-IN PREDICATES:
- thread(Id, Site, IsGroup, Unread, LastActivity), participant(Id, Name)
- has_attachments(Id), selected(Run, Id), delete_result(Run, Id, Ok, Error)
- scan_complete(Run, Count, Reason)
- group_thread(Id), direct_thread(Id), unread_thread(Id), thread_with(Id, Name)
- deleted(Run, Id), failed_delete(Run, Id, Error), pending_delete(Run, Id)

With nothing passed, lists the declared predicates and their arity.`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Single atom query ending with a period",
			},
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name to evaluate",
			},
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle declarations and rules to add before querying",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum rows returned (default: 200)",
			},
		},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.facts == nil {
		return nil, fmt.Errorf("fact store unavailable")
	}
	limit := getIntArg(args, "limit", 200)
	if limit <= 0 {
		limit = 200
	}

	if rule := getStringArg(args, "rule"); rule != "" {
		if err := t.facts.AddRule(rule); err != nil {
			return nil, err
		}
	}

	if query := getStringArg(args, "query"); query != "" {
		if !strings.HasSuffix(strings.TrimSpace(query), ".") {
			query = strings.TrimSpace(query) + "."
		}
		results, err := t.facts.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		total := len(results)
		if total > limit {
			results = results[:limit]
		}
		return map[string]interface{}{
			"query":     query,
			"results":   results,
			"count":     total,
			"truncated": total > limit,
		}, nil
	}

	if predicate := getStringArg(args, "predicate"); predicate != "" {
		facts, err := t.facts.Evaluate(ctx, predicate)
		if err != nil {
			return nil, err
		}
		total := len(facts)
		if total > limit {
			facts = facts[:limit]
		}
		rows := make([][]interface{}, len(facts))
		for i, f := range facts {
			rows[i] = f.Args
		}
		return map[string]interface{}{
			"predicate": predicate,
			"rows":      rows,
			"count":     total,
			"truncated": total > limit,
		}, nil
	}

	preds := t.facts.Predicates()
	names := make([]string, 0, len(preds))
	for name := range preds {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]map[string]interface{}, len(names))
	for i, name := range names {
		out[i] = map[string]interface{}{"name": name, "arity": preds[name]}
	}
	return map[string]interface{}{
		"predicates": out,
		"buffered":   len(t.facts.Facts()),
	}, nil
}

// RunHistoryTool reads past runs from the ledger.
type RunHistoryTool struct {
	history History
}

func (t *RunHistoryTool) Name() string { return "run-history" }
func (t *RunHistoryTool) Description() string {
	return `Read past runs from the local ledger (store.enable must be on).

Without run_id: newest runs first with thread, deleted and failed totals.
With run_id:    every recorded outcome of that run, oldest first.`
}
func (t *RunHistoryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"run_id": map[string]interface{}{
				"type":        "string",
				"description": "Run to list outcomes for",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum runs listed (default: 20)",
			},
		},
	}
}
func (t *RunHistoryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.history == nil {
		return nil, fmt.Errorf("run ledger disabled (set store.enable)")
	}

	if runID := getStringArg(args, "run_id"); runID != "" {
		outcomes, err := t.history.Outcomes(ctx, runID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"run_id":   runID,
			"outcomes": outcomes,
			"count":    len(outcomes),
		}, nil
	}

	runs, err := t.history.Runs(ctx, getIntArg(args, "limit", 20))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	}, nil
}
