package clubchat

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CannedRefusal is returned verbatim when the gate trips. Callers must
// not alter it; end-to-end behavior compares it byte-for-byte.
const CannedRefusal = `I cannot assist with that request. I'm here to help with robotics club activities like:

• Answering technical questions about robotics, programming, and control systems
• Searching for code examples and research papers
• Finding relevant repositories and documentation
• Scheduling meetings and workshops
• Managing email communication and calendar events

How can I help you with these tasks?`

// defaultRedFlagPatterns match obviously destructive requests. All are
// applied case-insensitively to the normalized query.
var defaultRedFlagPatterns = []string{
	`\bdelete\s+(all|everything|files?|repos?|emails?)\b`,
	`\bremove\s+(all|everything)\b`,
	`\bdestroy\b`,
	`\bwipe\s+out\b`,
}

// defaultSoftKeywords gate the optional LLM confirmation stage. A match
// alone never trips the flag; it only makes the gate ask the model.
var defaultSoftKeywords = []string{
	"hack", "exploit", "bypass", "cheat", "steal", "plagiarize", "illegal",
}

// zeroWidthChars are Unicode zero-width and invisible characters used
// for obfuscation, stripped before matching.
var zeroWidthChars = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // zero-width no-break space (BOM)
	"\u2060", "", // word joiner
	"\u00ad", "", // soft hyphen
)

// GateResult is the safety gate's verdict on a query.
type GateResult struct {
	RedFlag  bool
	Response string
}

// SafetyGate is a two-stage filter over the user query. Stage one is a
// synchronous regex pass over destructive patterns. Stage two, entered
// only when a soft keyword is present and a provider is configured,
// asks the model a yes/no question; a "YES" prefix trips the flag.
// Safe for concurrent use.
type SafetyGate struct {
	patterns []*regexp.Regexp
	keywords []string
	provider Provider
	response string
	logger   *slog.Logger
}

// GateOption configures a SafetyGate.
type GateOption func(*SafetyGate)

// GatePatterns replaces the built-in destructive patterns. Each pattern
// is compiled case-insensitively; invalid patterns panic at startup.
func GatePatterns(patterns ...string) GateOption {
	return func(g *SafetyGate) {
		g.patterns = compilePatterns(patterns)
	}
}

// GateKeywords replaces the soft keywords that trigger the LLM stage.
func GateKeywords(keywords ...string) GateOption {
	return func(g *SafetyGate) {
		lower := make([]string, len(keywords))
		for i, k := range keywords {
			lower[i] = strings.ToLower(k)
		}
		g.keywords = lower
	}
}

// GateProvider enables the LLM confirmation stage. Without a provider
// the gate is pattern-only.
func GateProvider(p Provider) GateOption {
	return func(g *SafetyGate) { g.provider = p }
}

// GateResponse sets the canned refusal. Default: CannedRefusal.
func GateResponse(msg string) GateOption {
	return func(g *SafetyGate) { g.response = msg }
}

// GateLogger sets the structured logger. Tripped queries are logged at
// WARN with the matching stage.
func GateLogger(l *slog.Logger) GateOption {
	return func(g *SafetyGate) { g.logger = l }
}

// NewSafetyGate creates a gate with the built-in patterns and keywords.
func NewSafetyGate(opts ...GateOption) *SafetyGate {
	g := &SafetyGate{
		patterns: compilePatterns(defaultRedFlagPatterns),
		keywords: append([]string{}, defaultSoftKeywords...),
		response: CannedRefusal,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = nopLogger
	}
	return g
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// Check runs both stages over the query. The pattern stage never does
// I/O; the LLM stage degrades open on model failure (a broken model must
// not block legitimate traffic — the patterns already caught the
// unambiguous cases).
func (g *SafetyGate) Check(ctx context.Context, query string) GateResult {
	cleaned := zeroWidthChars.Replace(query)
	cleaned = norm.NFKC.String(cleaned)
	lower := strings.ToLower(cleaned)

	for _, re := range g.patterns {
		if re.MatchString(cleaned) {
			g.logger.Warn("red flag tripped", "stage", "pattern", "pattern", re.String())
			return GateResult{RedFlag: true, Response: g.response}
		}
	}

	if g.provider == nil {
		return GateResult{}
	}

	for _, kw := range g.keywords {
		if !strings.Contains(lower, kw) {
			continue
		}
		resp, err := g.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
			UserMessage("Is this query requesting something unethical or harmful?\nQuery: " +
				query + "\n\nAnswer with just \"YES\" or \"NO\" and a brief reason."),
		}})
		if err != nil {
			g.logger.Error("gate llm check failed", "err", err)
			break
		}
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(resp.Content)), "YES") {
			g.logger.Warn("red flag tripped", "stage", "llm", "keyword", kw)
			return GateResult{RedFlag: true, Response: g.response}
		}
		break
	}

	return GateResult{}
}
