// Package skills receives reusable procedures promoted out of the warm tier.
package skills

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/novamind/recall/provider"
)

// Skill is a reusable procedure with a tracked success rate.
type Skill struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Steps       []string  `json:"steps"`
	SuccessRate float64   `json:"success_rate"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Sink is the collaborator that owns promoted skills.
type Sink interface {
	FindApplicable(ctx context.Context, goal, taskContext string, minSuccessRate float64, limit int) ([]Skill, error)
	Store(ctx context.Context, s Skill) error
}

// PGSink keeps skills in Postgres with a semantic index over name and
// description, so promotion can detect an already-applicable skill.
type PGSink struct {
	DB       *sql.DB
	Embedder provider.Embedder
	Logger   *log.Logger
}

// NewPGSink wraps an open database handle.
func NewPGSink(db *sql.DB, embedder provider.Embedder, logger *log.Logger) *PGSink {
	if logger == nil {
		logger = log.New(log.Writer(), "[SKILLS] ", log.LstdFlags)
	}
	return &PGSink{DB: db, Embedder: embedder, Logger: logger}
}

// FindApplicable returns skills semantically matching the goal with at least
// the requested success rate, best match first.
func (p *PGSink) FindApplicable(ctx context.Context, goal, taskContext string, minSuccessRate float64, limit int) ([]Skill, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("goal required")
	}
	if limit <= 0 {
		limit = 1
	}
	query := goal
	if ctxText := strings.TrimSpace(taskContext); ctxText != "" {
		query = goal + "\n" + ctxText
	}
	vectors, err := p.Embedder.CreateEmbedding(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed goal: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed goal: provider returned no vectors")
	}
	vecLiteral, err := encodeVectorLiteral(vectors[0])
	if err != nil {
		return nil, err
	}

	rows, err := p.DB.QueryContext(ctx, `
SELECT id, name, description, steps, success_rate, tags, created_at
FROM skills
WHERE success_rate >= $2
ORDER BY embedding <=> $1::vector
LIMIT $3
`, vecLiteral, minSuccessRate, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Skill
	for rows.Next() {
		var (
			s     Skill
			steps pq.StringArray
			tags  pq.StringArray
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &steps, &s.SuccessRate, &tags, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Steps = []string(steps)
		s.Tags = []string(tags)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Store persists a new skill.
func (p *PGSink) Store(ctx context.Context, s Skill) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("skill name required")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	text := s.Name
	if s.Description != "" {
		text = s.Name + "\n" + s.Description
	}
	vectors, err := p.Embedder.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("embed skill: %w", err)
	}
	if len(vectors) == 0 {
		return fmt.Errorf("embed skill: provider returned no vectors")
	}
	vecLiteral, err := encodeVectorLiteral(vectors[0])
	if err != nil {
		return err
	}
	_, err = p.DB.ExecContext(ctx, `
INSERT INTO skills (id, name, description, steps, success_rate, tags, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7::vector,NOW())
`, s.ID, s.Name, s.Description, pq.Array(s.Steps), s.SuccessRate, pq.Array(s.Tags), vecLiteral)
	if err != nil {
		return fmt.Errorf("insert skill: %w", err)
	}
	return nil
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

var _ Sink = (*PGSink)(nil)
