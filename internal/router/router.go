// Package router picks an executing agent for a task label. It only reads
// the warm tier, and only to enrich its reasoning; the table lookup alone
// decides the agent.
package router

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/novamind/recall/internal/knowledge"
)

// Strategy describes how routed subtasks should be executed. Parallel and
// consult exist as values but are never produced by this router; callers
// depending on them must set strategies themselves.
type Strategy string

const (
	StrategySingle     Strategy = "single"
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyConsult    Strategy = "consult"
)

// Agent categories used by the default table.
const (
	AgentCode     = "CODE"
	AgentData     = "DATA"
	AgentInfra    = "INFRA"
	AgentResearch = "RESEARCH"
	AgentGeneral  = "GENERAL"
)

// Decision is the routing outcome for one task or task group.
type Decision struct {
	Strategy        Strategy `json:"strategy"`
	PrimaryAgent    string   `json:"primary_agent"`
	SecondaryAgents []string `json:"secondary_agents,omitempty"`
	Reasoning       string   `json:"reasoning"`
	Confidence      float64  `json:"confidence"`
}

// Registry maps task labels and payload keywords to agent categories. It is
// an explicit instance owned by the host process and passed by reference;
// there are no package-level tables.
type Registry struct {
	exact    map[string]string
	patterns []patternRule
	keywords []keywordRule
	fallback string
}

type patternRule struct {
	pattern string
	agent   string
}

type keywordRule struct {
	keyword string
	agent   string
}

// NewRegistry creates an empty registry with the given fallback agent.
func NewRegistry(fallback string) *Registry {
	if fallback == "" {
		fallback = AgentGeneral
	}
	return &Registry{
		exact:    map[string]string{},
		fallback: fallback,
	}
}

// Register maps a task label to an agent. The label also participates in
// prefix/substring matching.
func (r *Registry) Register(label, agent string) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || agent == "" {
		return
	}
	if _, exists := r.exact[label]; !exists {
		r.patterns = append(r.patterns, patternRule{pattern: label, agent: agent})
	}
	r.exact[label] = agent
}

// RegisterKeyword maps a payload keyword to an agent for the content scan.
func (r *Registry) RegisterKeyword(keyword, agent string) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" || agent == "" {
		return
	}
	r.keywords = append(r.keywords, keywordRule{keyword: keyword, agent: agent})
}

// Fallback returns the default agent.
func (r *Registry) Fallback() string { return r.fallback }

// DefaultRegistry seeds the table with the built-in task taxonomy. Labels
// register in a fixed order so pattern priority is stable across restarts.
func DefaultRegistry(fallback string) *Registry {
	r := NewRegistry(fallback)
	for _, rule := range []patternRule{
		{"git_commit", AgentCode},
		{"git_push", AgentCode},
		{"code_review", AgentCode},
		{"refactor", AgentCode},
		{"write_tests", AgentCode},
		{"debug", AgentCode},
		{"sql_query", AgentData},
		{"data_migration", AgentData},
		{"etl", AgentData},
		{"analyze_data", AgentData},
		{"docker_build", AgentInfra},
		{"docker_deploy", AgentInfra},
		{"nginx_config", AgentInfra},
		{"ssl_renew", AgentInfra},
		{"provision", AgentInfra},
		{"web_research", AgentResearch},
		{"summarize", AgentResearch},
	} {
		r.Register(rule.pattern, rule.agent)
	}
	// Ordered keyword hints for payload scanning.
	for _, kw := range []keywordRule{
		{"function", AgentCode}, {"compile", AgentCode}, {"stack trace", AgentCode}, {"refactor", AgentCode},
		{"dataset", AgentData}, {"schema", AgentData}, {"query", AgentData}, {"pipeline", AgentData},
		{"deploy", AgentInfra}, {"container", AgentInfra}, {"server", AgentInfra}, {"certificate", AgentInfra},
	} {
		r.RegisterKeyword(kw.keyword, kw.agent)
	}
	return r
}

// WarmSearcher is the optional warm-tier read used to annotate decisions.
type WarmSearcher interface {
	Search(ctx context.Context, query string, limit int, scoreThreshold float64, f knowledge.Filter) ([]knowledge.SearchHit, error)
}

// Router resolves task labels to agents via its registry.
type Router struct {
	reg              *Registry
	warm             WarmSearcher
	contextThreshold float64
	logger           *log.Logger
}

// New builds a router. warm may be nil; decisions then omit memory context.
func New(reg *Registry, warm WarmSearcher, contextThreshold float64, logger *log.Logger) *Router {
	if reg == nil {
		reg = DefaultRegistry("")
	}
	if contextThreshold <= 0 {
		contextThreshold = 0.5
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ROUTER] ", log.LstdFlags)
	}
	return &Router{reg: reg, warm: warm, contextThreshold: contextThreshold, logger: logger}
}

// Route picks an agent for a single task label. Matching order: exact table
// hit, then prefix/substring, then a keyword scan of payload contents, then
// the fallback agent.
func (r *Router) Route(ctx context.Context, taskType string, payload map[string]interface{}) Decision {
	agent, confidence, reason := r.match(taskType, payload)
	d := Decision{
		Strategy:     StrategySingle,
		PrimaryAgent: agent,
		Reasoning:    reason,
		Confidence:   confidence,
	}
	r.annotate(ctx, taskType, &d)
	return d
}

// RouteAll routes each subtask independently. One distinct agent yields a
// single strategy; more than one yields sequential with the first distinct
// agent as primary and the rest as secondary.
func (r *Router) RouteAll(ctx context.Context, taskType string, subtasks []string) Decision {
	if len(subtasks) == 0 {
		return r.Route(ctx, taskType, nil)
	}
	var distinct []string
	seen := map[string]bool{}
	minConfidence := 1.0
	var reasons []string
	for _, sub := range subtasks {
		agent, confidence, reason := r.match(sub, nil)
		if confidence < minConfidence {
			minConfidence = confidence
		}
		reasons = append(reasons, fmt.Sprintf("%s -> %s (%s)", sub, agent, reason))
		if !seen[agent] {
			seen[agent] = true
			distinct = append(distinct, agent)
		}
	}

	d := Decision{
		PrimaryAgent: distinct[0],
		Reasoning:    strings.Join(reasons, "; "),
		Confidence:   minConfidence,
	}
	if len(distinct) == 1 {
		d.Strategy = StrategySingle
	} else {
		d.Strategy = StrategySequential
		d.SecondaryAgents = distinct[1:]
	}
	r.annotate(ctx, taskType, &d)
	return d
}

func (r *Router) match(taskType string, payload map[string]interface{}) (agent string, confidence float64, reason string) {
	label := strings.ToLower(strings.TrimSpace(taskType))
	if agent, ok := r.reg.exact[label]; ok {
		return agent, 0.9, fmt.Sprintf("exact match for %q", label)
	}
	for _, rule := range r.reg.patterns {
		if strings.HasPrefix(label, rule.pattern) || strings.Contains(label, rule.pattern) {
			return rule.agent, 0.9, fmt.Sprintf("label %q matches pattern %q", label, rule.pattern)
		}
	}
	if text := payloadText(payload); text != "" {
		for _, rule := range r.reg.keywords {
			if strings.Contains(text, rule.keyword) {
				return rule.agent, 0.7, fmt.Sprintf("payload mentions %q", rule.keyword)
			}
		}
	}
	return r.reg.fallback, 0.5, fmt.Sprintf("no match for %q, using fallback", label)
}

// annotate appends warm-tier context to the reasoning; routing never fails
// on a memory error.
func (r *Router) annotate(ctx context.Context, taskType string, d *Decision) {
	if r.warm == nil || strings.TrimSpace(taskType) == "" {
		return
	}
	hits, err := r.warm.Search(ctx, taskType, 3, r.contextThreshold, knowledge.Filter{})
	if err != nil {
		r.logger.Printf("warn: warm context lookup for %q failed: %v", taskType, err)
		return
	}
	if len(hits) == 0 {
		return
	}
	d.Reasoning = fmt.Sprintf("%s; %d related learnings in memory", d.Reasoning, len(hits))
}

func payloadText(payload map[string]interface{}) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(strings.ToLower(k))
		b.WriteByte(' ')
		if s, ok := payload[k].(string); ok {
			b.WriteString(strings.ToLower(s))
			b.WriteByte(' ')
		}
	}
	return b.String()
}
