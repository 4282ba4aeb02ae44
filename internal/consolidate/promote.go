package consolidate

import (
	"context"
	"fmt"
	"strings"

	"github.com/novamind/recall/internal/knowledge"
	"github.com/novamind/recall/internal/skills"
)

const (
	promoteMinUtility     = 0.8
	promoteMinAccessCount = 3
	promoteMinSuccessRate = 0.5
)

// promotePhase turns proven techniques into reusable skills. Without a
// configured sink the phase is a no-op. An already-applicable skill makes
// promotion a silent skip, not an error.
func (c *Consolidator) promotePhase(ctx context.Context, rep *Report) (int, error) {
	if c.sink == nil {
		return 0, nil
	}
	techniques, err := c.scrollAll(ctx, knowledge.Filter{Category: knowledge.CategoryTechnique})
	if err != nil {
		return 0, fmt.Errorf("fetch techniques: %w", err)
	}

	created := 0
	for _, l := range techniques {
		if ctx.Err() != nil {
			break
		}
		if l.UtilityScore < promoteMinUtility || l.AccessCount < promoteMinAccessCount {
			continue
		}
		if strings.TrimSpace(l.Content) == "" {
			c.logger.Printf("warn: skipping learning %s with empty content during promotion", l.ID)
			continue
		}

		existing, err := c.sink.FindApplicable(ctx, l.Content, "", promoteMinSuccessRate, 1)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("promote: find applicable for %s: %v", l.ID, err))
			continue
		}
		if len(existing) > 0 {
			continue
		}

		skill := skills.Skill{
			Name:        skillName(l.Content),
			Description: l.Content,
			Steps:       []string{l.Content},
			SuccessRate: l.UtilityScore,
			Tags:        appendUnique(l.Tags, "auto-learned"),
		}
		if err := c.sink.Store(ctx, skill); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("promote: store skill for %s: %v", l.ID, err))
			continue
		}
		created++
	}
	return created, nil
}

// skillName derives a short name from the first sentence of the technique.
func skillName(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.IndexAny(content, ".\n"); idx > 0 {
		content = content[:idx]
	}
	if r := []rune(content); len(r) > 80 {
		content = strings.TrimSpace(string(r[:80]))
	}
	return content
}

func appendUnique(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	out := make([]string, 0, len(tags)+1)
	out = append(out, tags...)
	return append(out, tag)
}
