package classify

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"
)

// Classification is the routing decision produced for one prompt.
type Classification struct {
	ComplexityScore     float64  `json:"complexity_score"`
	Domains             []string `json:"domains"`
	SuggestedAgentTypes []string `json:"suggested_agent_types"`
	RequiresDelegation  bool     `json:"requires_delegation"`
}

// Agent role labels, ordered from foundational to final.
const (
	AgentTypeExplorer    = "explorer"
	AgentTypeImplementer = "implementer"
	AgentTypeReviewer    = "reviewer"
)

var domainKeywords = map[string][]string{
	"auth":     {"auth", "login", "oauth", "token", "session", "password"},
	"storage":  {"database", "sql", "sqlite", "schema", "migration", "cache"},
	"network":  {"http", "grpc", "websocket", "api", "endpoint", "request"},
	"frontend": {"ui", "css", "react", "component", "render", "browser"},
	"testing":  {"test", "coverage", "flaky", "assert", "mock"},
	"build":    {"build", "compile", "ci", "pipeline", "release", "deploy"},
}

var complexityMarkers = []string{
	"refactor", "redesign", "migrate", "rewrite", "architecture",
	"concurrent", "race", "deadlock", "performance", "across",
}

// Heuristic scores prompts from lexical signals alone. It is always
// available and serves as the fallback for the LLM-backed classifier.
type Heuristic struct{}

func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

func (h *Heuristic) Classify(ctx context.Context, prompt string) (Classification, error) {
	_ = ctx
	lower := strings.ToLower(prompt)

	score := float64(utf8.RuneCountInString(prompt)) / 400.0
	for _, marker := range complexityMarkers {
		if strings.Contains(lower, marker) {
			score += 0.25
		}
	}
	if score > 1 {
		score = 1
	}

	domains := make([]string, 0, 2)
	for domain, words := range domainKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				domains = append(domains, domain)
				break
			}
		}
	}
	sort.Strings(domains)

	c := Classification{
		ComplexityScore: score,
		Domains:         domains,
	}
	switch {
	case score >= 0.5:
		c.SuggestedAgentTypes = []string{AgentTypeExplorer, AgentTypeImplementer, AgentTypeReviewer}
		c.RequiresDelegation = true
	case score >= 0.2:
		c.SuggestedAgentTypes = []string{AgentTypeImplementer, AgentTypeReviewer}
	default:
		c.SuggestedAgentTypes = []string{AgentTypeImplementer}
	}
	return c, nil
}
