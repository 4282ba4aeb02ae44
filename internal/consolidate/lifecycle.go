package consolidate

import (
	"context"
	"fmt"
)

// decayPhase lowers the utility of learnings untouched for the configured
// staleness window. The batch cap bounds a single run's cost; the next run
// picks up the remainder.
func (c *Consolidator) decayPhase(ctx context.Context, rep *Report) (int, error) {
	cutoff := c.now().UTC().Add(-c.cfg.StaleAfter)
	stale, err := c.warm.FetchStale(ctx, cutoff, c.cfg.DecayBatch)
	if err != nil {
		return 0, fmt.Errorf("fetch stale learnings: %w", err)
	}

	decayed := 0
	for _, l := range stale {
		if ctx.Err() != nil {
			break
		}
		if _, err := c.scorer.Decay(ctx, l.ID, c.cfg.DecayAmount); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("decay: %v", err))
			continue
		}
		decayed++
	}
	return decayed, nil
}

// prunePhase deletes low-utility learnings past the grace period, archiving
// each one to the cold tier first. Knowledge younger than the grace period
// survives regardless of score so it has a chance to be used.
func (c *Consolidator) prunePhase(ctx context.Context, rep *Report) (int, error) {
	candidates, err := c.warm.FetchLowUtility(ctx, c.cfg.PruneMaxUtility, c.cfg.PruneBatch)
	if err != nil {
		return 0, fmt.Errorf("fetch low-utility learnings: %w", err)
	}

	graceCutoff := c.now().UTC().Add(-c.cfg.PruneGrace)
	pruned := 0
	for _, l := range candidates {
		if ctx.Err() != nil {
			break
		}
		if l.CreatedAt.After(graceCutoff) {
			continue
		}
		if c.cold != nil {
			summary := fmt.Sprintf("pruned at utility %.2f", l.UtilityScore)
			if err := c.cold.Archive(ctx, l, summary); err != nil {
				c.logger.Printf("warn: archive pruned learning %s: %v", l.ID, err)
			}
		}
		if err := c.warm.Delete(ctx, l.ID); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("prune: delete %s: %v", l.ID, err))
			continue
		}
		pruned++
	}
	return pruned, nil
}
