package consolidate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/novamind/recall/config"
	"github.com/novamind/recall/internal/knowledge"
	"github.com/novamind/recall/internal/scoring"
	"github.com/novamind/recall/internal/skills"
	"github.com/novamind/recall/internal/store"
)

// fakeWarm is an in-memory warm tier with vectors, used to exercise the
// pipeline without postgres.
type fakeWarm struct {
	mu        sync.Mutex
	seq       int
	items     map[string]knowledge.Learning
	vectors   map[string][]float32
	decayedAt map[string]time.Time

	categoriesErr error
	upsertErr     error
}

func newFakeWarm() *fakeWarm {
	return &fakeWarm{
		items:     map[string]knowledge.Learning{},
		vectors:   map[string][]float32{},
		decayedAt: map[string]time.Time{},
	}
}

func (f *fakeWarm) add(l knowledge.Learning, vec []float32) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l.ID == "" {
		f.seq++
		l.ID = fmt.Sprintf("l-%03d", f.seq)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.seq) * time.Minute)
	}
	f.items[l.ID] = l
	if vec != nil {
		f.vectors[l.ID] = vec
	}
	return l.ID
}

func (f *fakeWarm) Upsert(ctx context.Context, l knowledge.Learning) (string, error) {
	if f.upsertErr != nil {
		return "", f.upsertErr
	}
	if err := l.Normalize(); err != nil {
		return "", err
	}
	f.mu.Lock()
	for id, existing := range f.items {
		if existing.Content == l.Content {
			f.mu.Unlock()
			return id, nil
		}
	}
	f.mu.Unlock()
	return f.add(l, nil), nil
}

func (f *fakeWarm) sorted() []knowledge.Learning {
	out := make([]knowledge.Learning, 0, len(f.items))
	for _, l := range f.items {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (f *fakeWarm) Scroll(ctx context.Context, flt knowledge.Filter, limit, offset int) ([]knowledge.Learning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []knowledge.Learning
	for _, l := range f.sorted() {
		if flt.Category != "" && l.Category != flt.Category {
			continue
		}
		if flt.Scope != "" && l.Scope != flt.Scope {
			continue
		}
		if flt.ProjectID != "" && l.ProjectID != flt.ProjectID {
			continue
		}
		matched = append(matched, l)
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (f *fakeWarm) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.items, id)
	delete(f.vectors, id)
	return nil
}

func (f *fakeWarm) SetFields(ctx context.Context, id string, upd knowledge.PartialUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.items[id]
	if !ok {
		return store.ErrNotFound
	}
	if upd.UtilityScore != nil {
		l.UtilityScore = knowledge.ClampUtility(*upd.UtilityScore)
	}
	if upd.AccessCount != nil {
		l.AccessCount = *upd.AccessCount
	}
	if upd.LastAccessedAt != nil {
		ts := *upd.LastAccessedAt
		l.LastAccessedAt = &ts
	}
	if len(upd.Metadata) > 0 {
		if l.Metadata == nil {
			l.Metadata = map[string]interface{}{}
		}
		for k, v := range upd.Metadata {
			l.Metadata[k] = v
		}
	}
	f.items[id] = l
	return nil
}

func (f *fakeWarm) Get(ctx context.Context, id string) (knowledge.Learning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.items[id]
	if !ok {
		return knowledge.Learning{}, store.ErrNotFound
	}
	return l, nil
}

func (f *fakeWarm) Categories(ctx context.Context) ([]string, error) {
	if f.categoriesErr != nil {
		return nil, f.categoriesErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, l := range f.items {
		if !seen[l.Category] {
			seen[l.Category] = true
			out = append(out, l.Category)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeWarm) CategoryEmbeddings(ctx context.Context, category string) ([]store.EmbeddingRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.EmbeddingRow
	for _, l := range f.sorted() {
		if l.Category != category {
			continue
		}
		vec, ok := f.vectors[l.ID]
		if !ok {
			continue
		}
		out = append(out, store.EmbeddingRow{ID: l.ID, Vector: vec})
	}
	return out, nil
}

func (f *fakeWarm) lastTouched(l knowledge.Learning) time.Time {
	touched := l.LastTouched()
	if d, ok := f.decayedAt[l.ID]; ok && d.After(touched) {
		return d
	}
	return touched
}

func (f *fakeWarm) FetchStale(ctx context.Context, cutoff time.Time, limit int) ([]knowledge.Learning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []knowledge.Learning
	for _, l := range f.sorted() {
		if f.lastTouched(l).Before(cutoff) {
			out = append(out, l)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeWarm) FetchLowUtility(ctx context.Context, maxUtility float64, limit int) ([]knowledge.Learning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []knowledge.Learning
	for _, l := range f.sorted() {
		if l.UtilityScore <= maxUtility {
			out = append(out, l)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeWarm) AdjustUtility(ctx context.Context, id string, delta float64, markAccess bool) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.items[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	l.UtilityScore = knowledge.ClampUtility(l.UtilityScore + delta)
	if markAccess {
		l.AccessCount++
		now := time.Now().UTC()
		l.LastAccessedAt = &now
	} else if delta < 0 {
		f.decayedAt[id] = time.Now().UTC()
	}
	f.items[id] = l
	return l.UtilityScore, nil
}

type fakeCold struct {
	mu        sync.Mutex
	archived  []string
	summaries []string
	err       error
}

func (f *fakeCold) Archive(ctx context.Context, l knowledge.Learning, summary string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, l.ID)
	f.summaries = append(f.summaries, summary)
	return nil
}

type fakeSink struct {
	mu       sync.Mutex
	stored   []skills.Skill
	existing []skills.Skill
	findErr  error
	storeErr error
}

func (f *fakeSink) FindApplicable(ctx context.Context, goal, taskContext string, minSuccessRate float64, limit int) ([]skills.Skill, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.existing, nil
}

func (f *fakeSink) Store(ctx context.Context, s skills.Skill) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, s)
	return nil
}

func newTestConsolidator(warm *fakeWarm, cold knowledge.ColdStore, sink skills.Sink, at time.Time) *Consolidator {
	scorer := scoring.NewEngine(warm, nil)
	c := New(warm, cold, sink, scorer, config.ConsolidationConfig{}, nil)
	c.now = func() time.Time { return at }
	return c
}

var testNow = time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)

func TestMergeKeepsHighestUtilitySurvivor(t *testing.T) {
	warm := newFakeWarm()
	cold := &fakeCold{}
	vec := []float32{1, 0, 0}

	winner := warm.add(knowledge.Learning{
		Content: "use exponential backoff", Category: knowledge.CategoryTechnique,
		UtilityScore: 0.9, AccessCount: 4, CreatedAt: testNow.Add(-72 * time.Hour),
		Metadata: map[string]interface{}{"origin": "run-1"},
	}, vec)
	loserA := warm.add(knowledge.Learning{
		Content: "use exponential backoff when retrying", Category: knowledge.CategoryTechnique,
		UtilityScore: 0.5, AccessCount: 2, CreatedAt: testNow.Add(-48 * time.Hour),
		Metadata: map[string]interface{}{"origin": "run-2", "region": "eu"},
	}, vec)
	loserB := warm.add(knowledge.Learning{
		Content: "retry with exponential backoff", Category: knowledge.CategoryTechnique,
		UtilityScore: 0.7, AccessCount: 1, CreatedAt: testNow.Add(-24 * time.Hour),
	}, vec)
	unrelated := warm.add(knowledge.Learning{
		Content: "pin dependency versions", Category: knowledge.CategoryTechnique,
		UtilityScore: 0.6, CreatedAt: testNow.Add(-24 * time.Hour),
	}, []float32{0, 1, 0})

	c := newTestConsolidator(warm, cold, nil, testNow)
	rep := c.Run(context.Background())

	if rep.Merged != 2 {
		t.Fatalf("expected 2 merged, got %d (errors: %v)", rep.Merged, rep.Errors)
	}
	if _, err := warm.Get(context.Background(), loserA); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("loser %s should be deleted", loserA)
	}
	if _, err := warm.Get(context.Background(), loserB); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("loser %s should be deleted", loserB)
	}
	if _, err := warm.Get(context.Background(), unrelated); err != nil {
		t.Errorf("unrelated learning must survive: %v", err)
	}

	survivor, err := warm.Get(context.Background(), winner)
	if err != nil {
		t.Fatalf("survivor missing: %v", err)
	}
	if survivor.AccessCount != 7 {
		t.Errorf("expected summed access count 7, got %d", survivor.AccessCount)
	}
	if survivor.Metadata["origin"] != "run-1" {
		t.Errorf("survivor metadata must win on conflict, got %v", survivor.Metadata["origin"])
	}
	if survivor.Metadata["region"] != "eu" {
		t.Errorf("novel loser metadata should be absorbed, got %v", survivor.Metadata["region"])
	}
	if len(cold.archived) != 2 {
		t.Errorf("expected 2 archived losers, got %d", len(cold.archived))
	}
	for _, s := range cold.summaries {
		if !strings.Contains(s, "merged into "+winner) {
			t.Errorf("archive summary should name survivor, got %q", s)
		}
	}
}

func TestMergeIdempotent(t *testing.T) {
	warm := newFakeWarm()
	vec := []float32{1, 0, 0}
	warm.add(knowledge.Learning{Content: "a", Category: knowledge.CategoryTechnique, UtilityScore: 0.9, CreatedAt: testNow.Add(-time.Hour)}, vec)
	warm.add(knowledge.Learning{Content: "b", Category: knowledge.CategoryTechnique, UtilityScore: 0.5, CreatedAt: testNow.Add(-time.Hour)}, vec)

	c := newTestConsolidator(warm, nil, nil, testNow)
	first := c.Run(context.Background())
	if first.Merged != 1 {
		t.Fatalf("expected 1 merged on first run, got %d", first.Merged)
	}
	second := c.Run(context.Background())
	if second.Merged != 0 {
		t.Errorf("expected 0 merged on second run, got %d", second.Merged)
	}
}

func TestMetaPatternExtraction(t *testing.T) {
	warm := newFakeWarm()
	for i := 0; i < 3; i++ {
		warm.add(knowledge.Learning{
			Content:   fmt.Sprintf("task %d finished", i),
			Category:  knowledge.CategoryExecutionOutcome,
			Scope:     knowledge.ScopeProject,
			ProjectID: "acme",
			CreatedAt: testNow.Add(-time.Duration(i+1) * time.Hour),
			Metadata: map[string]interface{}{
				"success":    true,
				"file_types": []interface{}{".py"},
				"steps":      float64(2 + i),
			},
		}, nil)
	}

	c := newTestConsolidator(warm, nil, nil, testNow)
	rep := c.Run(context.Background())

	if rep.PatternsFound != 1 {
		t.Fatalf("expected 1 pattern, got %d (errors: %v)", rep.PatternsFound, rep.Errors)
	}
	patterns, err := warm.Scroll(context.Background(), knowledge.Filter{Category: knowledge.CategoryMetaPattern}, 10, 0)
	if err != nil {
		t.Fatalf("scroll: %v", err)
	}
	if len(patterns) != 1 {
		t.Fatalf("expected 1 stored meta pattern, got %d", len(patterns))
	}
	p := patterns[0]
	if p.Scope != knowledge.ScopeProject || p.ProjectID != "acme" {
		t.Errorf("pattern should be project scoped to acme, got %s/%s", p.Scope, p.ProjectID)
	}
	if !strings.Contains(p.Content, ".py") {
		t.Errorf("pattern content should name the dominant file type, got %q", p.Content)
	}
	if got, _ := p.Metadata["avg_steps"].(float64); got != 3.0 {
		t.Errorf("expected avg_steps 3.0, got %v", p.Metadata["avg_steps"])
	}
	if got, _ := p.Metadata["sample_size"].(int); got != 3 {
		t.Errorf("expected sample_size 3, got %v", p.Metadata["sample_size"])
	}
}

func TestAntiPatternNeedsThreeFailures(t *testing.T) {
	warm := newFakeWarm()
	for i := 0; i < 2; i++ {
		warm.add(knowledge.Learning{
			Content:  fmt.Sprintf("task %d failed", i),
			Category: knowledge.CategoryExecutionOutcome,
			Metadata: map[string]interface{}{"success": false, "failed_step": "deploy"},
		}, nil)
	}

	c := newTestConsolidator(warm, nil, nil, testNow)
	rep := c.Run(context.Background())
	if rep.PatternsFound != 0 {
		t.Fatalf("two failures must not create a pattern, got %d", rep.PatternsFound)
	}

	warm.add(knowledge.Learning{
		Content:  "task 2 failed",
		Category: knowledge.CategoryExecutionOutcome,
		Metadata: map[string]interface{}{"success": false, "failed_step": "deploy"},
	}, nil)
	rep = c.Run(context.Background())
	if rep.PatternsFound != 1 {
		t.Fatalf("expected anti pattern after third failure, got %d (errors: %v)", rep.PatternsFound, rep.Errors)
	}
	patterns, _ := warm.Scroll(context.Background(), knowledge.Filter{Category: knowledge.CategoryAntiPattern}, 10, 0)
	if len(patterns) != 1 {
		t.Fatalf("expected 1 anti pattern, got %d", len(patterns))
	}
	if !strings.Contains(patterns[0].Content, `"deploy"`) {
		t.Errorf("anti pattern should name the failing step, got %q", patterns[0].Content)
	}
}

func TestPromoteProvenTechnique(t *testing.T) {
	warm := newFakeWarm()
	sink := &fakeSink{}
	warm.add(knowledge.Learning{
		Content: "Stage database migrations behind a feature flag. Roll them out per tenant.",
		Category: knowledge.CategoryTechnique, UtilityScore: 0.85, AccessCount: 5,
		Tags: []string{"migrations"},
	}, nil)
	warm.add(knowledge.Learning{
		Content:  "unproven idea",
		Category: knowledge.CategoryTechnique, UtilityScore: 0.85, AccessCount: 1,
	}, nil)
	warm.add(knowledge.Learning{
		Content:  "low utility trick",
		Category: knowledge.CategoryTechnique, UtilityScore: 0.4, AccessCount: 9,
	}, nil)

	c := newTestConsolidator(warm, nil, sink, testNow)
	rep := c.Run(context.Background())

	if rep.NewSkills != 1 {
		t.Fatalf("expected 1 new skill, got %d (errors: %v)", rep.NewSkills, rep.Errors)
	}
	s := sink.stored[0]
	if s.Name != "Stage database migrations behind a feature flag" {
		t.Errorf("unexpected skill name %q", s.Name)
	}
	if s.SuccessRate != 0.85 {
		t.Errorf("success rate should seed from utility, got %v", s.SuccessRate)
	}
	found := false
	for _, tag := range s.Tags {
		if tag == "auto-learned" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected auto-learned tag, got %v", s.Tags)
	}
}

func TestPromoteSkipsWhenSkillExists(t *testing.T) {
	warm := newFakeWarm()
	sink := &fakeSink{existing: []skills.Skill{{Name: "existing"}}}
	warm.add(knowledge.Learning{
		Content:  "already covered technique",
		Category: knowledge.CategoryTechnique, UtilityScore: 0.9, AccessCount: 4,
	}, nil)

	c := newTestConsolidator(warm, nil, sink, testNow)
	rep := c.Run(context.Background())
	if rep.NewSkills != 0 {
		t.Errorf("expected no new skills, got %d", rep.NewSkills)
	}
	if len(sink.stored) != 0 {
		t.Errorf("sink must not store for an applicable skill")
	}
}

func TestDecayStaleOnly(t *testing.T) {
	warm := newFakeWarm()
	stale := warm.add(knowledge.Learning{
		Content: "old wisdom", Category: knowledge.CategoryTechnique,
		UtilityScore: 0.6, CreatedAt: testNow.Add(-31 * 24 * time.Hour),
	}, nil)
	fresh := warm.add(knowledge.Learning{
		Content: "recent wisdom", Category: knowledge.CategoryTechnique,
		UtilityScore: 0.6, CreatedAt: testNow.Add(-29 * 24 * time.Hour),
	}, nil)

	c := newTestConsolidator(warm, nil, nil, testNow)
	rep := c.Run(context.Background())

	if rep.Decayed != 1 {
		t.Fatalf("expected 1 decayed, got %d (errors: %v)", rep.Decayed, rep.Errors)
	}
	s, _ := warm.Get(context.Background(), stale)
	if s.UtilityScore != 0.5 {
		t.Errorf("expected stale utility 0.5, got %v", s.UtilityScore)
	}
	f, _ := warm.Get(context.Background(), fresh)
	if f.UtilityScore != 0.6 {
		t.Errorf("fresh learning must not decay, got %v", f.UtilityScore)
	}

	// A back-to-back run must not decay the same learning again.
	rep = c.Run(context.Background())
	if rep.Decayed != 0 {
		t.Errorf("expected 0 decayed on immediate rerun, got %d", rep.Decayed)
	}
	s, _ = warm.Get(context.Background(), stale)
	if s.UtilityScore != 0.5 {
		t.Errorf("utility must not drop twice, got %v", s.UtilityScore)
	}
}

func TestPruneHonorsGracePeriod(t *testing.T) {
	warm := newFakeWarm()
	cold := &fakeCold{}
	doomed := warm.add(knowledge.Learning{
		Content: "useless fact", Category: knowledge.CategoryTechnique,
		UtilityScore: 0.05, CreatedAt: testNow.Add(-10 * 24 * time.Hour),
	}, nil)
	graced := warm.add(knowledge.Learning{
		Content: "new low scorer", Category: knowledge.CategoryTechnique,
		UtilityScore: 0.05, CreatedAt: testNow.Add(-3 * 24 * time.Hour),
	}, nil)

	c := newTestConsolidator(warm, cold, nil, testNow)
	rep := c.Run(context.Background())

	if rep.Pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d (errors: %v)", rep.Pruned, rep.Errors)
	}
	if _, err := warm.Get(context.Background(), doomed); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("low-utility learning past grace should be deleted")
	}
	if _, err := warm.Get(context.Background(), graced); err != nil {
		t.Errorf("learning inside grace period must survive: %v", err)
	}
	if len(cold.archived) != 1 || cold.archived[0] != doomed {
		t.Errorf("pruned learning should be archived first, got %v", cold.archived)
	}
}

func TestPhaseFaultIsolation(t *testing.T) {
	warm := newFakeWarm()
	warm.categoriesErr = errors.New("pg down")
	warm.add(knowledge.Learning{
		Content: "stale", Category: knowledge.CategoryTechnique,
		UtilityScore: 0.6, CreatedAt: testNow.Add(-40 * 24 * time.Hour),
	}, nil)

	c := newTestConsolidator(warm, nil, nil, testNow)
	rep := c.Run(context.Background())

	if len(rep.Errors) == 0 {
		t.Fatal("expected merge failure recorded")
	}
	if !strings.Contains(rep.Errors[0], "merge:") {
		t.Errorf("expected merge error first, got %q", rep.Errors[0])
	}
	if rep.Decayed != 1 {
		t.Errorf("later phases must still run, decayed=%d", rep.Decayed)
	}
	if rep.CompletedAt.IsZero() {
		t.Error("report must always complete")
	}
}

func TestCancelledContextStopsBetweenPhases(t *testing.T) {
	warm := newFakeWarm()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestConsolidator(warm, nil, nil, testNow)
	rep := c.Run(ctx)

	if len(rep.Errors) == 0 {
		t.Fatal("expected cancellation recorded")
	}
	if !strings.Contains(rep.Errors[0], "canceled before phase start") {
		t.Errorf("unexpected error %q", rep.Errors[0])
	}
	if rep.Merged != 0 || rep.Decayed != 0 || rep.Pruned != 0 {
		t.Error("no phase should run under a cancelled context")
	}
}

func TestClusterGreedyFirstQualifyingCluster(t *testing.T) {
	rows := []store.EmbeddingRow{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "c", Vector: []float32{1, 0.05}},
	}
	clusters := clusterGreedy(rows, 0.95)
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if len(clusters[0]) != 2 || clusters[0][0] != "a" || clusters[0][1] != "c" {
		t.Errorf("c should join a's cluster, got %v", clusters[0])
	}
}

func TestSkillNameKeepsRunesIntact(t *testing.T) {
	name := skillName(strings.Repeat("é", 120))
	if !utf8.ValidString(name) {
		t.Fatalf("name is not valid UTF-8: %q", name)
	}
	if got := len([]rune(name)); got != 80 {
		t.Errorf("expected 80 runes, got %d", got)
	}

	short := skillName("Use exponential backoff. Then give up.")
	if short != "Use exponential backoff" {
		t.Errorf("expected first sentence, got %q", short)
	}
}
