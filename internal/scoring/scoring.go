// Package scoring owns the utility-score lifecycle: scores rise on reuse
// (boost) and fall on staleness (decay), always clamped to [0,1].
package scoring

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// UtilityStore is the slice of the warm tier the engine mutates. The store
// applies the delta atomically and returns the clamped result.
type UtilityStore interface {
	AdjustUtility(ctx context.Context, id string, delta float64, markAccess bool) (float64, error)
}

// Engine applies boost and decay mutations to learnings.
type Engine struct {
	store  UtilityStore
	logger *log.Logger
}

// NewEngine builds a scoring engine over the warm tier.
func NewEngine(store UtilityStore, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCORE] ", log.LstdFlags)
	}
	return &Engine{store: store, logger: logger}
}

// Boost raises a learning's utility by amount and counts one access.
func (e *Engine) Boost(ctx context.Context, id string, amount float64) (float64, error) {
	if strings.TrimSpace(id) == "" {
		return 0, fmt.Errorf("learning id required")
	}
	if amount < 0 {
		return 0, fmt.Errorf("boost amount must be >= 0")
	}
	score, err := e.store.AdjustUtility(ctx, id, amount, true)
	if err != nil {
		return 0, fmt.Errorf("boost %s: %w", id, err)
	}
	return score, nil
}

// Decay lowers a learning's utility by amount without touching access state.
func (e *Engine) Decay(ctx context.Context, id string, amount float64) (float64, error) {
	if strings.TrimSpace(id) == "" {
		return 0, fmt.Errorf("learning id required")
	}
	if amount < 0 {
		return 0, fmt.Errorf("decay amount must be >= 0")
	}
	score, err := e.store.AdjustUtility(ctx, id, -amount, false)
	if err != nil {
		return 0, fmt.Errorf("decay %s: %w", id, err)
	}
	return score, nil
}
