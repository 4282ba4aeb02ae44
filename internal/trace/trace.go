// Package trace implements the hot tier: a TTL-bounded per-task trace buffer
// on redis. Appends are fast and ordered by arrival; there is no search.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/novamind/recall/internal/knowledge"
)

const traceKeyPrefix = "trace:"

// Store buffers task traces in redis lists that expire with the TTL.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewStore wraps a redis client. TTL defaults to one hour.
func NewStore(rdb *redis.Client, ttl time.Duration, logger *log.Logger) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[HOT] ", log.LstdFlags)
	}
	return &Store{rdb: rdb, ttl: ttl, logger: logger}
}

// Conn opens and pings a redis client.
func Conn(ctx context.Context, host, port, pass string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		DialTimeout: timeout,
		Password:    pass,
		DB:          db,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

// Append records one step for a task. Concurrent appends for the same task
// are ordered by arrival at redis, not reconciled against wall-clock skew.
func (s *Store) Append(ctx context.Context, taskID string, phase knowledge.Phase, data map[string]interface{}) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("task_id required")
	}
	entry := knowledge.TaskTrace{
		TaskID:     taskID,
		Phase:      phase,
		Data:       data,
		RecordedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	key := traceKeyPrefix + taskID
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append trace: %w", err)
	}
	return nil
}

// Traces returns the buffered sequence for a task in insertion order.
// Entries that fail to decode are skipped with a warning.
func (s *Store) Traces(ctx context.Context, taskID string) ([]knowledge.TaskTrace, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("task_id required")
	}
	vals, err := s.rdb.LRange(ctx, traceKeyPrefix+taskID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read traces: %w", err)
	}
	out := make([]knowledge.TaskTrace, 0, len(vals))
	for i, raw := range vals {
		var t knowledge.TaskTrace
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			s.logger.Printf("warn: skipping malformed trace %d for task %s: %v", i, taskID, err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

var _ knowledge.HotStore = (*Store)(nil)
