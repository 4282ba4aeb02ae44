// Package archive implements the cold tier: an append-only file archive for
// retired knowledge, keyed by category and date. Records are written once
// and never updated or deleted by this system.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/novamind/recall/internal/knowledge"
)

// Store appends archived learnings to JSONL files under Root, one file per
// category per day.
type Store struct {
	root   string
	logger *log.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// Record is the envelope written for each archived learning.
type Record struct {
	ArchivedAt time.Time          `json:"archived_at"`
	Summary    string             `json:"summary,omitempty"`
	Learning   knowledge.Learning `json:"learning"`
}

// NewStore creates the archive root if needed.
func NewStore(root string, logger *log.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("archive root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[COLD] ", log.LstdFlags)
	}
	return &Store{root: root, logger: logger, now: time.Now}, nil
}

// Archive appends the learning with its summary to the category/date file.
func (s *Store) Archive(ctx context.Context, l knowledge.Learning, summary string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	category := sanitizeComponent(l.Category)
	if category == "" {
		category = "uncategorized"
	}
	now := s.now().UTC()
	dir := filepath.Join(s.root, category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	rec := Record{ArchivedAt: now, Summary: summary, Learning: l}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}

	path := filepath.Join(dir, now.Format("2006-01-02")+".jsonl")
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write archive record: %w", err)
	}
	return nil
}

func sanitizeComponent(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '/':
			b.WriteRune('_')
		}
	}
	return b.String()
}

var _ knowledge.ColdStore = (*Store)(nil)
