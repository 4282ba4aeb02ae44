package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/novamind/recall/internal/knowledge"
)

const globalBucket = "global"

// patternPhase mines execution outcomes for cross-cutting regularities.
// Buckets with enough successes yield one meta_pattern learning; buckets
// with enough failures yield one anti_pattern learning.
func (c *Consolidator) patternPhase(ctx context.Context, rep *Report) (int, error) {
	outcomes, err := c.scrollAll(ctx, knowledge.Filter{Category: knowledge.CategoryExecutionOutcome})
	if err != nil {
		return 0, fmt.Errorf("fetch outcomes: %w", err)
	}
	if len(outcomes) == 0 {
		outcomes, err = c.scrollAll(ctx, knowledge.Filter{Category: knowledge.CategoryPlanCompletion})
		if err != nil {
			return 0, fmt.Errorf("fetch plan completions: %w", err)
		}
	}
	if len(outcomes) == 0 {
		return 0, nil
	}

	buckets := map[string][]knowledge.Learning{}
	for _, l := range outcomes {
		if strings.TrimSpace(l.Content) == "" {
			c.logger.Printf("warn: skipping learning %s with empty content during pattern extraction", l.ID)
			continue
		}
		key := l.ProjectID
		if key == "" {
			key = globalBucket
		}
		buckets[key] = append(buckets[key], l)
	}

	projects := make([]string, 0, len(buckets))
	for p := range buckets {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	created := 0
	for _, project := range projects {
		if ctx.Err() != nil {
			break
		}
		var successes, failures []knowledge.Learning
		for _, l := range buckets[project] {
			switch classifyOutcome(l) {
			case outcomeSuccess:
				successes = append(successes, l)
			case outcomeFailure:
				failures = append(failures, l)
			}
		}
		if len(successes) >= 3 {
			if err := c.writeMetaPattern(ctx, project, successes); err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("patterns: project %q: meta pattern: %v", project, err))
			} else {
				created++
			}
		}
		if len(failures) >= 3 {
			if err := c.writeAntiPattern(ctx, project, failures); err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("patterns: project %q: anti pattern: %v", project, err))
			} else {
				created++
			}
		}
	}
	return created, nil
}

type outcomeClass int

const (
	outcomeUnknown outcomeClass = iota
	outcomeSuccess
	outcomeFailure
)

func classifyOutcome(l knowledge.Learning) outcomeClass {
	if l.Category == knowledge.CategoryAntiPattern || strings.Contains(l.Category, "error") {
		return outcomeFailure
	}
	if raw, ok := l.Metadata["success"]; ok {
		if b, ok := raw.(bool); ok {
			if b {
				return outcomeSuccess
			}
			return outcomeFailure
		}
	}
	switch strings.ToLower(stringFromMeta(l.Metadata, "outcome", "status", "result")) {
	case "success", "succeeded", "completed":
		return outcomeSuccess
	case "partial", "mostly_failed", "failed", "failure":
		return outcomeFailure
	}
	return outcomeUnknown
}

func (c *Consolidator) writeMetaPattern(ctx context.Context, project string, successes []knowledge.Learning) error {
	fileTypes := topTokens(collectFileTypes(successes), 3)
	avgSteps := meanOfMeta(successes, "steps", "step_count", "avg_steps")
	avgIterations := meanOfMeta(successes, "iterations", "iteration_count", "avg_iterations")

	dominant := "mixed"
	if len(fileTypes) > 0 {
		dominant = fileTypes[0]
	}
	content := fmt.Sprintf(
		"Successful tasks in %s predominantly touch %s files, averaging %.1f steps and %.1f iterations per task.",
		projectLabel(project), dominant, avgSteps, avgIterations)

	scope := knowledge.ScopeProject
	projectID := project
	if project == globalBucket {
		scope = knowledge.ScopeGlobal
		projectID = ""
	}
	pattern := knowledge.Learning{
		Content:      content,
		Phase:        knowledge.PhaseLearn,
		Category:     knowledge.CategoryMetaPattern,
		Scope:        scope,
		ProjectID:    projectID,
		AgentType:    "consolidator",
		Confidence:   0.85,
		UtilityScore: 0.7,
		Metadata: map[string]interface{}{
			"common_file_types": fileTypes,
			"avg_steps":         avgSteps,
			"avg_iterations":    avgIterations,
			"sample_size":       len(successes),
			"source":            "consolidation",
		},
	}
	if _, err := c.warm.Upsert(ctx, pattern); err != nil {
		return err
	}
	return nil
}

func (c *Consolidator) writeAntiPattern(ctx context.Context, project string, failures []knowledge.Learning) error {
	steps := map[string]int{}
	for _, l := range failures {
		step := stringFromMeta(l.Metadata, "failed_step", "failing_step", "step")
		if step == "" {
			continue
		}
		steps[step]++
	}
	topSteps := topTokens(steps, 3)
	worst := "an unidentified step"
	if len(topSteps) > 0 {
		worst = fmt.Sprintf("%q", topSteps[0])
	}
	content := fmt.Sprintf(
		"Tasks in %s fail most often at %s; add a verification checkpoint before that step and retry with a narrower scope.",
		projectLabel(project), worst)

	scope := knowledge.ScopeProject
	projectID := project
	if project == globalBucket {
		scope = knowledge.ScopeGlobal
		projectID = ""
	}
	pattern := knowledge.Learning{
		Content:      content,
		Phase:        knowledge.PhaseLearn,
		Category:     knowledge.CategoryAntiPattern,
		Scope:        scope,
		ProjectID:    projectID,
		AgentType:    "consolidator",
		Confidence:   0.8,
		UtilityScore: 0.65,
		Metadata: map[string]interface{}{
			"failing_steps": topSteps,
			"sample_size":   len(failures),
			"source":        "consolidation",
		},
	}
	if _, err := c.warm.Upsert(ctx, pattern); err != nil {
		return err
	}
	return nil
}

func projectLabel(project string) string {
	if project == globalBucket {
		return "all projects"
	}
	return fmt.Sprintf("project %q", project)
}

// collectFileTypes gathers extension tokens from outcome metadata. Accepts
// explicit file_types lists and falls back to extracting extensions from
// file path lists.
func collectFileTypes(items []knowledge.Learning) map[string]int {
	counts := map[string]int{}
	for _, l := range items {
		for _, token := range metaStrings(l.Metadata, "file_types", "file_type") {
			token = strings.ToLower(strings.TrimSpace(token))
			if token == "" {
				continue
			}
			if !strings.HasPrefix(token, ".") {
				token = "." + token
			}
			counts[token]++
		}
		for _, file := range metaStrings(l.Metadata, "files", "touched_files") {
			if ext := strings.ToLower(filepath.Ext(file)); ext != "" {
				counts[ext]++
			}
		}
	}
	return counts
}

// topTokens returns the k most frequent tokens, count descending with
// lexicographic order as the deterministic tie-break.
func topTokens(counts map[string]int, k int) []string {
	tokens := make([]string, 0, len(counts))
	for t := range counts {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if counts[tokens[i]] != counts[tokens[j]] {
			return counts[tokens[i]] > counts[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})
	if len(tokens) > k {
		tokens = tokens[:k]
	}
	return tokens
}

func meanOfMeta(items []knowledge.Learning, keys ...string) float64 {
	var sum float64
	var n int
	for _, l := range items {
		for _, key := range keys {
			if v, ok := extractFloat(l.Metadata[key]); ok {
				sum += v
				n++
				break
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func stringFromMeta(meta map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if raw, ok := meta[key]; ok {
			if s, ok := raw.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return ""
}

func metaStrings(meta map[string]interface{}, keys ...string) []string {
	var out []string
	for _, key := range keys {
		switch v := meta[key].(type) {
		case []string:
			out = append(out, v...)
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		case string:
			if v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func extractFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}
