// Package knowledge defines the learning data model shared by every storage
// tier and by the consolidation pipeline.
package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Phase identifies the agent loop stage that produced a learning.
type Phase string

const (
	PhaseObserve Phase = "observe"
	PhaseThink   Phase = "think"
	PhasePlan    Phase = "plan"
	PhaseBuild   Phase = "build"
	PhaseExecute Phase = "execute"
	PhaseVerify  Phase = "verify"
	PhaseLearn   Phase = "learn"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseObserve, PhaseThink, PhasePlan, PhaseBuild, PhaseExecute, PhaseVerify, PhaseLearn:
		return true
	}
	return false
}

// Scope controls visibility filtering for a learning.
type Scope string

const (
	ScopeTask    Scope = "task"
	ScopeSession Scope = "session"
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
)

// Categories with meaning to the consolidation pipeline. Category stays a
// free-form string; these are the values the pipeline itself reads or writes.
const (
	CategoryTechnique        = "technique"
	CategoryExecutionOutcome = "execution_outcome"
	CategoryPlanCompletion   = "plan_completion"
	CategoryMetaPattern      = "meta_pattern"
	CategoryAntiPattern      = "anti_pattern"
)

// DefaultUtility is the starting utility score when no confidence is reported.
const DefaultUtility = 0.5

// Learning is a unit of durable knowledge produced by an agent.
type Learning struct {
	ID             string                 `json:"id"`
	Content        string                 `json:"content"`
	Phase          Phase                  `json:"phase"`
	Category       string                 `json:"category"`
	Tags           []string               `json:"tags,omitempty"`
	Scope          Scope                  `json:"scope"`
	ProjectID      string                 `json:"project_id,omitempty"`
	AgentType      string                 `json:"agent_type"`
	Confidence     float64                `json:"confidence"`
	UtilityScore   float64                `json:"utility_score"`
	AccessCount    int                    `json:"access_count"`
	CreatedAt      time.Time              `json:"created_at"`
	LastAccessedAt *time.Time             `json:"last_accessed_at,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Normalize trims content, fills defaults and clamps scores. Returns an error
// when the learning has no usable content.
func (l *Learning) Normalize() error {
	l.Content = strings.TrimSpace(l.Content)
	if l.Content == "" {
		return fmt.Errorf("learning content must not be empty")
	}
	if l.Phase == "" {
		l.Phase = PhaseLearn
	}
	if !l.Phase.Valid() {
		return fmt.Errorf("unknown phase %q", l.Phase)
	}
	if l.Scope == "" {
		l.Scope = ScopeGlobal
	}
	if l.Scope != ScopeProject {
		l.ProjectID = ""
	}
	l.Confidence = clamp01(l.Confidence)
	if l.UtilityScore == 0 {
		l.UtilityScore = InitialUtility(l.Confidence)
	}
	l.UtilityScore = clamp01(l.UtilityScore)
	if l.AccessCount < 0 {
		l.AccessCount = 0
	}
	return nil
}

// LastTouched returns the most recent access time, falling back to creation.
func (l Learning) LastTouched() time.Time {
	if l.LastAccessedAt != nil && !l.LastAccessedAt.IsZero() {
		return *l.LastAccessedAt
	}
	return l.CreatedAt
}

// ClampUtility confines a utility score to [0,1]. Out-of-range mutations are
// clamped, never rejected.
func ClampUtility(v float64) float64 { return clamp01(v) }

// InitialUtility maps a producer confidence in (0,1] to the starting utility
// band [0.4, 0.7]. Missing or zero confidence yields DefaultUtility.
func InitialUtility(confidence float64) float64 {
	if confidence <= 0 {
		return DefaultUtility
	}
	return clamp01(0.4 + clamp01(confidence)*0.3)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// TaskTrace is a hot-tier-only record of a single agent step for one task.
// Traces expire with their TTL and are never promoted individually.
type TaskTrace struct {
	TaskID     string                 `json:"task_id"`
	Phase      Phase                  `json:"phase"`
	Data       map[string]interface{} `json:"data,omitempty"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// Filter narrows warm-tier search and scroll operations.
type Filter struct {
	Category  string
	Scope     Scope
	ProjectID string
	AgentType string
}

// SearchHit is a ranked warm-tier search result. Score is a similarity value
// where higher means more similar; the exact scale belongs to the store.
type SearchHit struct {
	ID       string
	Score    float64
	Learning Learning
}

// PartialUpdate names the learning fields a caller may patch in place.
// Metadata keys are merged into the stored map, not replaced wholesale.
type PartialUpdate struct {
	UtilityScore   *float64
	AccessCount    *int
	LastAccessedAt *time.Time
	Metadata       map[string]interface{}
}

// HotStore is the ephemeral per-task trace buffer. Appends are ordered by
// arrival; expiry is the backend's responsibility.
type HotStore interface {
	Append(ctx context.Context, taskID string, phase Phase, data map[string]interface{}) error
	Traces(ctx context.Context, taskID string) ([]TaskTrace, error)
}

// WarmStore is the durable, semantically searchable working set.
type WarmStore interface {
	Upsert(ctx context.Context, l Learning) (string, error)
	Search(ctx context.Context, query string, limit int, scoreThreshold float64, f Filter) ([]SearchHit, error)
	Scroll(ctx context.Context, f Filter, limit, offset int) ([]Learning, error)
	Delete(ctx context.Context, id string) error
	SetFields(ctx context.Context, id string, upd PartialUpdate) error
}

// ColdStore is the append-only archive for retired knowledge. Nothing in this
// system ever updates or deletes an archived record.
type ColdStore interface {
	Archive(ctx context.Context, l Learning, summary string) error
}
