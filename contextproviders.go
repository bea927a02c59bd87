package clubchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// defaultContextBudget caps the combined context text handed to workers.
const defaultContextBudget = 3000

// maxQueriesPerProvider bounds how many plan queries each provider runs.
const maxQueriesPerProvider = 2

// Tool names the web and rag providers expect on their servers.
const (
	webSearchTool   = "web_search"
	ragRetrieveTool = "rag_retrieve"
)

// ContextProvider gathers context for a plan. Failures never surface as
// errors: a failed lookup becomes a low-relevance item carrying an error
// note, so workers always receive a usable (possibly empty) context.
type ContextProvider interface {
	Gather(ctx context.Context, plan ExecutionPlan) GatheredContext
}

// ClubResult is one scored row from the club knowledge index.
type ClubResult struct {
	Content  string
	Score    float64
	Metadata map[string]string
}

// ClubSearcher is the narrow retrieval capability the club provider
// needs. The knowledge package provides the real implementation.
type ClubSearcher interface {
	Search(ctx context.Context, query, category string, topK int) ([]ClubResult, error)
}

// --- WebProvider ---

// WebProvider gathers factual context from the web tool server.
type WebProvider struct {
	invoker ToolInvoker
	server  string
	logger  *slog.Logger
}

// NewWebProvider creates a web context provider routed at the named
// tool server.
func NewWebProvider(invoker ToolInvoker, server string, logger *slog.Logger) *WebProvider {
	if logger == nil {
		logger = nopLogger
	}
	return &WebProvider{invoker: invoker, server: server, logger: logger}
}

var _ ContextProvider = (*WebProvider)(nil)

func (p *WebProvider) Gather(ctx context.Context, plan ExecutionPlan) GatheredContext {
	items := searchViaTool(ctx, p.invoker, p.server, webSearchTool, plan.SearchQueries,
		ContextWeb, 0.9, 1000, p.logger)
	return GatheredContext{Items: items, Combined: combineItems(items, defaultContextBudget)}
}

// --- RagProvider ---

// RagProvider gathers context from the user-document rag tool server.
type RagProvider struct {
	invoker ToolInvoker
	server  string
	logger  *slog.Logger
}

// NewRagProvider creates a rag context provider routed at the named
// tool server.
func NewRagProvider(invoker ToolInvoker, server string, logger *slog.Logger) *RagProvider {
	if logger == nil {
		logger = nopLogger
	}
	return &RagProvider{invoker: invoker, server: server, logger: logger}
}

var _ ContextProvider = (*RagProvider)(nil)

func (p *RagProvider) Gather(ctx context.Context, plan ExecutionPlan) GatheredContext {
	items := searchViaTool(ctx, p.invoker, p.server, ragRetrieveTool, plan.RagQueries,
		ContextRag, 0.85, 1500, p.logger)
	return GatheredContext{Items: items, Combined: combineItems(items, defaultContextBudget)}
}

// searchViaTool runs up to maxQueriesPerProvider queries against one
// tool and wraps each outcome as a ContextItem. Success carries the
// provider's relevance; failure carries 0.1 and an error note.
func searchViaTool(ctx context.Context, invoker ToolInvoker, server, tool string, queries []string, source string, relevance float64, limit int, logger *slog.Logger) []ContextItem {
	var items []ContextItem
	for _, q := range capQueries(queries) {
		args, _ := json.Marshal(map[string]string{"query": q})
		raw, err := invoker.Invoke(ctx, server, tool, args)
		if err != nil {
			logger.Warn("context lookup failed", "source", source, "query", q, "err", err)
			items = append(items, ContextItem{
				Source:    source,
				Content:   fmt.Sprintf("%s search failed for: %s. Error: %s", source, q, truncate(err.Error(), 200)),
				Relevance: 0.1,
				Metadata:  map[string]string{"query": q, "error": err.Error()},
			})
			continue
		}
		items = append(items, ContextItem{
			Source:    source,
			Content:   truncate(rawToText(raw), limit),
			Relevance: relevance,
			Metadata:  map[string]string{"query": q, "server": server},
		})
	}
	return items
}

// --- ClubProvider ---

// clubCategories the classifier may choose; "general" means unfiltered.
var clubCategories = map[string]bool{
	"events": true, "announcements": true, "coordinators": true, "general": true,
}

// ClubProvider gathers context from the curated club knowledge index.
// Before searching it asks the model which category the query targets
// and uses that as a metadata filter.
type ClubProvider struct {
	provider Provider
	searcher ClubSearcher
	topK     int
	logger   *slog.Logger
}

// NewClubProvider creates a club context provider.
func NewClubProvider(provider Provider, searcher ClubSearcher, logger *slog.Logger) *ClubProvider {
	if logger == nil {
		logger = nopLogger
	}
	return &ClubProvider{provider: provider, searcher: searcher, topK: 3, logger: logger}
}

var _ ContextProvider = (*ClubProvider)(nil)

func (p *ClubProvider) Gather(ctx context.Context, plan ExecutionPlan) GatheredContext {
	var items []ContextItem
	for _, q := range capQueries(plan.ClubQueries) {
		items = append(items, p.search(ctx, q))
	}
	return GatheredContext{Items: items, Combined: combineItems(items, defaultContextBudget)}
}

func (p *ClubProvider) search(ctx context.Context, query string) ContextItem {
	category := p.classify(ctx, query)

	filter := category
	if category == "general" {
		filter = ""
	}
	results, err := p.searcher.Search(ctx, query, filter, p.topK)
	if err != nil {
		p.logger.Warn("club search failed", "query", query, "err", err)
		return ContextItem{
			Source:    ContextClub,
			Content:   fmt.Sprintf("Club search failed for: %s. Error: %s", query, truncate(err.Error(), 100)),
			Relevance: 0.1,
			Metadata:  map[string]string{"query": query, "error": err.Error(), "category": category},
		}
	}
	if len(results) == 0 {
		return ContextItem{
			Source:    ContextClub,
			Content:   "No club information found for this query.",
			Relevance: 0,
			Metadata:  map[string]string{"query": query, "category": category, "results_count": "0"},
		}
	}

	// Fold all rows into one item; its relevance is the mean row score.
	var b strings.Builder
	var total float64
	for i, r := range results {
		fmt.Fprintf(&b, "Result %d (Relevance: %.2f):\n%s\n\n", i+1, r.Score, r.Content)
		total += r.Score
	}
	return ContextItem{
		Source:    ContextClub,
		Content:   strings.TrimSpace(b.String()),
		Relevance: total / float64(len(results)),
		Metadata: map[string]string{
			"query":         query,
			"category":      category,
			"results_count": fmt.Sprintf("%d", len(results)),
		},
	}
}

// classify asks the model for a single-word category, validated against
// the allowed set. Anything else (including model failure) is "general".
func (p *ClubProvider) classify(ctx context.Context, query string) string {
	resp, err := p.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		UserMessage("Define the category from the following query for club knowledge search.\n" +
			"The category should be one of these: events, announcements, coordinators, general.\n" +
			"Answer with the single category word only.\n\nQuery: " + query + "\n\nCategory:"),
	}})
	if err != nil {
		p.logger.Warn("club category classification failed", "err", err)
		return "general"
	}
	category := strings.ToLower(strings.TrimSpace(resp.Content))
	if !clubCategories[category] {
		return "general"
	}
	return category
}

// --- MixedProvider ---

// MixedProvider runs web, rag, and club in that order for every query
// list the plan filled, merges the items, and re-sorts by relevance.
// The gathering order doubles as the tie-break: a stable sort keeps
// web before rag before club (and earlier queries first) on equal
// relevance.
type MixedProvider struct {
	web  ContextProvider
	rag  ContextProvider
	club ContextProvider
}

// NewMixedProvider composes the three single-source providers.
func NewMixedProvider(web, rag, club ContextProvider) *MixedProvider {
	return &MixedProvider{web: web, rag: rag, club: club}
}

var _ ContextProvider = (*MixedProvider)(nil)

func (p *MixedProvider) Gather(ctx context.Context, plan ExecutionPlan) GatheredContext {
	var items []ContextItem
	if len(plan.SearchQueries) > 0 && p.web != nil {
		items = append(items, p.web.Gather(ctx, plan).Items...)
	}
	if len(plan.RagQueries) > 0 && p.rag != nil {
		items = append(items, p.rag.Gather(ctx, plan).Items...)
	}
	if len(plan.ClubQueries) > 0 && p.club != nil {
		items = append(items, p.club.Gather(ctx, plan).Items...)
	}
	return GatheredContext{Items: items, Combined: combineItems(items, defaultContextBudget)}
}

// --- combination ---

var sourceLabels = map[string]string{
	ContextWeb:  "Web Search",
	ContextRag:  "RAG Search",
	ContextClub: "Club Search",
}

// combineItems renders items in relevance-descending order with
// per-item headers and truncates the result at the budget. The sort is
// stable so insertion order breaks ties.
func combineItems(items []ContextItem, budget int) string {
	sorted := make([]ContextItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Relevance > sorted[j].Relevance
	})

	var b strings.Builder
	for i, item := range sorted {
		if i > 0 {
			b.WriteString("\n\n")
		}
		label := sourceLabels[item.Source]
		if label == "" {
			label = item.Source
		}
		query := item.Metadata["query"]
		if query == "" {
			query = "unknown"
		}
		fmt.Fprintf(&b, "[%s: '%s']\n%s", label, query, item.Content)
	}
	return truncate(b.String(), budget)
}

// capQueries limits a query list to maxQueriesPerProvider entries.
func capQueries(queries []string) []string {
	if len(queries) > maxQueriesPerProvider {
		return queries[:maxQueriesPerProvider]
	}
	return queries
}

// rawToText converts a tool-server result value to display text: a JSON
// string decodes to its value, an object prefers a "content", "text" or
// "result" string field, anything else renders as compact JSON.
func rawToText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"content", "text", "result"} {
			if v, ok := obj[key]; ok {
				if err := json.Unmarshal(v, &s); err == nil {
					return s
				}
			}
		}
	}
	return string(raw)
}
