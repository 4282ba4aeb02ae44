// Package store implements the warm tier: the durable, semantically
// searchable working set of learnings backed by Postgres with pgvector.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/novamind/recall/internal/knowledge"
	"github.com/novamind/recall/provider"
)

// DefaultEmbeddingDimensions indicates the expected length of semantic
// vectors stored in the pgvector column.
const DefaultEmbeddingDimensions = 1536

// ErrNotFound indicates the requested learning does not exist.
var ErrNotFound = errors.New("learning not found")

// Store is the warm-tier adapter over Postgres.
type Store struct {
	DB         *sql.DB
	Embedder   provider.Embedder
	Dimensions int
	Logger     *log.Logger
}

// New wraps an open database handle.
func New(db *sql.DB, embedder provider.Embedder, dimensions int, logger *log.Logger) *Store {
	if dimensions <= 0 {
		dimensions = DefaultEmbeddingDimensions
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[WARM] ", log.LstdFlags)
	}
	return &Store{DB: db, Embedder: embedder, Dimensions: dimensions, Logger: logger}
}

// NewWithDSN opens a postgres connection and wraps it.
func NewWithDSN(ctx context.Context, dsn string, embedder provider.Embedder, dimensions int, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, embedder, dimensions, logger), nil
}

const learningColumns = `id, content, phase, category, tags, scope, project_id, agent_type, confidence, utility_score, access_count, created_at, last_accessed_at, metadata`

// Upsert stores a learning and returns its id. An exact content match (by
// hash of the trimmed content) short-circuits to the existing row's id.
func (s *Store) Upsert(ctx context.Context, l knowledge.Learning) (string, error) {
	if err := l.Normalize(); err != nil {
		return "", err
	}
	hash := contentHash(l.Content)

	var existing string
	err := s.DB.QueryRowContext(ctx, `SELECT id FROM learnings WHERE content_hash=$1`, hash).Scan(&existing)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("lookup content hash: %w", err)
	}

	vectorLiteral := ""
	if s.Embedder != nil {
		vectors, err := s.Embedder.CreateEmbedding(ctx, []string{l.Content})
		if err != nil {
			return "", fmt.Errorf("embed learning: %w", err)
		}
		if len(vectors) == 0 || len(vectors[0]) == 0 {
			return "", fmt.Errorf("embed learning: provider returned no vectors")
		}
		if len(vectors[0]) != s.Dimensions {
			s.Logger.Printf("warn: embedding dimensions mismatch (got %d want %d)", len(vectors[0]), s.Dimensions)
		}
		vectorLiteral, err = encodeVectorLiteral(vectors[0])
		if err != nil {
			return "", err
		}
	}

	meta := l.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	id := l.ID
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	createdAt := l.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO learnings (id, content, content_hash, phase, category, tags, scope, project_id, agent_type, confidence, utility_score, access_count, metadata, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NULLIF($14,'')::vector,$15)
ON CONFLICT (content_hash) DO NOTHING
`, id, l.Content, hash, string(l.Phase), l.Category, pq.Array(l.Tags), string(l.Scope),
		nullableString(l.ProjectID), l.AgentType, l.Confidence, l.UtilityScore, l.AccessCount,
		metaBytes, vectorLiteral, createdAt)
	if err != nil {
		return "", fmt.Errorf("insert learning: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// A concurrent writer won the hash; hand back its row.
		if err := s.DB.QueryRowContext(ctx, `SELECT id FROM learnings WHERE content_hash=$1`, hash).Scan(&existing); err != nil {
			return "", fmt.Errorf("lookup content hash after conflict: %w", err)
		}
		return existing, nil
	}
	return id, nil
}

// Search returns learnings ranked by cosine similarity to the query text.
// Similarity is 1 minus pgvector cosine distance; hits below scoreThreshold
// are dropped.
func (s *Store) Search(ctx context.Context, query string, limit int, scoreThreshold float64, f knowledge.Filter) ([]knowledge.SearchHit, error) {
	if s.Embedder == nil {
		return nil, fmt.Errorf("warm store has no embedder configured")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if limit <= 0 {
		limit = 5
	}
	vectors, err := s.Embedder.CreateEmbedding(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed query: provider returned no vectors")
	}
	vecLiteral, err := encodeVectorLiteral(vectors[0])
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, `
SELECT `+learningColumns+`, 1 - (embedding <=> $1::vector) AS similarity
FROM learnings
WHERE embedding IS NOT NULL
  AND 1 - (embedding <=> $1::vector) >= $2
  AND ($3 = '' OR category = $3)
  AND ($4 = '' OR scope = $4)
  AND ($5 = '' OR project_id = $5)
  AND ($6 = '' OR agent_type = $6)
ORDER BY embedding <=> $1::vector
LIMIT $7
`, vecLiteral, scoreThreshold, f.Category, string(f.Scope), f.ProjectID, f.AgentType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []knowledge.SearchHit
	for rows.Next() {
		l, similarity, err := scanLearningWithScore(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, knowledge.SearchHit{ID: l.ID, Score: similarity, Learning: l})
	}
	return hits, rows.Err()
}

// Scroll pages through learnings in deterministic creation order.
func (s *Store) Scroll(ctx context.Context, f knowledge.Filter, limit, offset int) ([]knowledge.Learning, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+learningColumns+`
FROM learnings
WHERE ($1 = '' OR category = $1)
  AND ($2 = '' OR scope = $2)
  AND ($3 = '' OR project_id = $3)
  AND ($4 = '' OR agent_type = $4)
ORDER BY created_at ASC, id ASC
LIMIT $5 OFFSET $6
`, f.Category, string(f.Scope), f.ProjectID, f.AgentType, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLearnings(rows)
}

// Get fetches a single learning by id.
func (s *Store) Get(ctx context.Context, id string) (knowledge.Learning, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+learningColumns+`
FROM learnings
WHERE id=$1
`, id)
	l, err := scanLearning(row)
	if errors.Is(err, sql.ErrNoRows) {
		return knowledge.Learning{}, ErrNotFound
	}
	return l, err
}

// Delete removes a learning.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM learnings WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFields patches the named fields. Metadata keys merge into the stored
// map; existing keys keep their values only when the update omits them.
func (s *Store) SetFields(ctx context.Context, id string, upd knowledge.PartialUpdate) error {
	sets := make([]string, 0, 4)
	args := []interface{}{id}
	idx := 2
	if upd.UtilityScore != nil {
		sets = append(sets, fmt.Sprintf("utility_score = LEAST(1.0, GREATEST(0.0, $%d))", idx))
		args = append(args, *upd.UtilityScore)
		idx++
	}
	if upd.AccessCount != nil {
		sets = append(sets, fmt.Sprintf("access_count = $%d", idx))
		args = append(args, *upd.AccessCount)
		idx++
	}
	if upd.LastAccessedAt != nil {
		sets = append(sets, fmt.Sprintf("last_accessed_at = $%d", idx))
		args = append(args, upd.LastAccessedAt.UTC())
		idx++
	}
	if len(upd.Metadata) > 0 {
		metaBytes, err := json.Marshal(upd.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata patch: %w", err)
		}
		sets = append(sets, fmt.Sprintf("metadata = metadata || $%d::jsonb", idx))
		args = append(args, metaBytes)
		idx++
	}
	if len(sets) == 0 {
		return nil
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE learnings SET `+strings.Join(sets, ", ")+` WHERE id=$1`, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustUtility applies a clamped utility delta atomically. When markAccess
// is set the access counter and last-access timestamp advance as well; a
// negative delta without markAccess records a decay timestamp so the next
// staleness sweep does not pick the row up again immediately.
// Returns the new utility score.
func (s *Store) AdjustUtility(ctx context.Context, id string, delta float64, markAccess bool) (float64, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE learnings
SET utility_score = LEAST(1.0, GREATEST(0.0, utility_score + $2)),
    access_count = access_count + CASE WHEN $3 THEN 1 ELSE 0 END,
    last_accessed_at = CASE WHEN $3 THEN NOW() ELSE last_accessed_at END,
    last_decayed_at = CASE WHEN NOT $3 AND $2 < 0 THEN NOW() ELSE last_decayed_at END
WHERE id=$1
RETURNING utility_score
`, id, delta, markAccess)
	var score float64
	if err := row.Scan(&score); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return score, nil
}

// EmbeddingRow pairs a learning id with its stored vector.
type EmbeddingRow struct {
	ID     string
	Vector []float32
}

// CategoryEmbeddings batch-fetches every stored vector in a category in
// deterministic creation order, so clustering can run in memory instead of
// issuing one similarity query per pair.
func (s *Store) CategoryEmbeddings(ctx context.Context, category string) ([]EmbeddingRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, embedding::text
FROM learnings
WHERE category=$1 AND embedding IS NOT NULL
ORDER BY created_at ASC, id ASC
`, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmbeddingRow
	for rows.Next() {
		var (
			id  string
			lit string
		)
		if err := rows.Scan(&id, &lit); err != nil {
			return nil, err
		}
		vec, err := decodeVectorLiteral(lit)
		if err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", id, err)
		}
		out = append(out, EmbeddingRow{ID: id, Vector: vec})
	}
	return out, rows.Err()
}

// Categories lists the distinct categories currently in the warm tier.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT category FROM learnings ORDER BY category ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FetchStale returns learnings last touched before the cutoff, oldest
// first. "Touched" covers creation, access and the most recent decay, so a
// freshly decayed learning leaves the stale set until it ages again.
func (s *Store) FetchStale(ctx context.Context, cutoff time.Time, limit int) ([]knowledge.Learning, error) {
	if cutoff.IsZero() {
		return nil, fmt.Errorf("cutoff required")
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+learningColumns+`
FROM learnings
WHERE GREATEST(COALESCE(last_accessed_at, created_at), COALESCE(last_decayed_at, created_at)) < $1
ORDER BY GREATEST(COALESCE(last_accessed_at, created_at), COALESCE(last_decayed_at, created_at)) ASC, id ASC
LIMIT $2
`, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLearnings(rows)
}

// FetchLowUtility returns learnings at or below the utility ceiling.
func (s *Store) FetchLowUtility(ctx context.Context, maxUtility float64, limit int) ([]knowledge.Learning, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+learningColumns+`
FROM learnings
WHERE utility_score <= $1
ORDER BY utility_score ASC, created_at ASC, id ASC
LIMIT $2
`, maxUtility, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLearnings(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLearning(row rowScanner) (knowledge.Learning, error) {
	var (
		l            knowledge.Learning
		phase        string
		scope        string
		projectID    sql.NullString
		lastAccessed sql.NullTime
		tags         pq.StringArray
		metaBytes    []byte
	)
	if err := row.Scan(&l.ID, &l.Content, &phase, &l.Category, &tags, &scope, &projectID,
		&l.AgentType, &l.Confidence, &l.UtilityScore, &l.AccessCount, &l.CreatedAt,
		&lastAccessed, &metaBytes); err != nil {
		return knowledge.Learning{}, err
	}
	l.Phase = knowledge.Phase(phase)
	l.Scope = knowledge.Scope(scope)
	l.Tags = []string(tags)
	if projectID.Valid {
		l.ProjectID = projectID.String
	}
	if lastAccessed.Valid {
		ts := lastAccessed.Time
		l.LastAccessedAt = &ts
	}
	if len(metaBytes) > 0 {
		_ = json.Unmarshal(metaBytes, &l.Metadata)
	}
	return l, nil
}

func scanLearningWithScore(rows *sql.Rows) (knowledge.Learning, float64, error) {
	var (
		l            knowledge.Learning
		phase        string
		scope        string
		projectID    sql.NullString
		lastAccessed sql.NullTime
		tags         pq.StringArray
		metaBytes    []byte
		similarity   float64
	)
	if err := rows.Scan(&l.ID, &l.Content, &phase, &l.Category, &tags, &scope, &projectID,
		&l.AgentType, &l.Confidence, &l.UtilityScore, &l.AccessCount, &l.CreatedAt,
		&lastAccessed, &metaBytes, &similarity); err != nil {
		return knowledge.Learning{}, 0, err
	}
	l.Phase = knowledge.Phase(phase)
	l.Scope = knowledge.Scope(scope)
	l.Tags = []string(tags)
	if projectID.Valid {
		l.ProjectID = projectID.String
	}
	if lastAccessed.Valid {
		ts := lastAccessed.Time
		l.LastAccessedAt = &ts
	}
	if len(metaBytes) > 0 {
		_ = json.Unmarshal(metaBytes, &l.Metadata)
	}
	return l, similarity, nil
}

func collectLearnings(rows *sql.Rows) ([]knowledge.Learning, error) {
	var out []knowledge.Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

func nullableString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
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

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector value %q: %w", value, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}
