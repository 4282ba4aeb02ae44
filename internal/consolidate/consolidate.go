// Package consolidate implements the scheduled maintenance pipeline over the
// warm tier: merge near-duplicates, extract cross-cutting patterns, promote
// proven techniques into skills, decay stale knowledge and prune low-value
// entries. Phases run in fixed order and are individually fault-tolerant; a
// run always returns a Report and never panics out.
package consolidate

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/novamind/recall/config"
	"github.com/novamind/recall/internal/knowledge"
	"github.com/novamind/recall/internal/scoring"
	"github.com/novamind/recall/internal/skills"
	"github.com/novamind/recall/internal/store"
)

// Report summarises one consolidation run. It is created fresh per run and
// never mutated after return.
type Report struct {
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	Merged        int       `json:"merged"`
	PatternsFound int       `json:"patterns_found"`
	NewSkills     int       `json:"new_skills"`
	Decayed       int       `json:"decayed"`
	Pruned        int       `json:"pruned"`
	Errors        []string  `json:"errors,omitempty"`
}

// warmAPI is the slice of the warm tier the pipeline depends on.
type warmAPI interface {
	Upsert(ctx context.Context, l knowledge.Learning) (string, error)
	Scroll(ctx context.Context, f knowledge.Filter, limit, offset int) ([]knowledge.Learning, error)
	Delete(ctx context.Context, id string) error
	SetFields(ctx context.Context, id string, upd knowledge.PartialUpdate) error
	Get(ctx context.Context, id string) (knowledge.Learning, error)
	Categories(ctx context.Context) ([]string, error)
	CategoryEmbeddings(ctx context.Context, category string) ([]store.EmbeddingRow, error)
	FetchStale(ctx context.Context, cutoff time.Time, limit int) ([]knowledge.Learning, error)
	FetchLowUtility(ctx context.Context, maxUtility float64, limit int) ([]knowledge.Learning, error)
}

// Consolidator runs the five-phase pipeline. Safe for a single run at a
// time; mutual exclusion across triggers belongs to the scheduler's lease.
type Consolidator struct {
	warm   warmAPI
	cold   knowledge.ColdStore
	sink   skills.Sink
	scorer *scoring.Engine
	cfg    config.ConsolidationConfig
	logger *log.Logger
	now    func() time.Time

	runsTotal   otelmetric.Int64Counter
	runLatency  otelmetric.Float64Histogram
	phaseCounts otelmetric.Int64Counter
	phaseErrors otelmetric.Int64Counter
}

// New builds a consolidator. cold and sink may be nil; the archive step and
// the promotion phase become no-ops respectively.
func New(warm warmAPI, cold knowledge.ColdStore, sink skills.Sink, scorer *scoring.Engine, cfg config.ConsolidationConfig, logger *log.Logger) *Consolidator {
	if logger == nil {
		logger = log.New(log.Writer(), "[CONSOLIDATE] ", log.LstdFlags)
	}
	c := &Consolidator{
		warm:   warm,
		cold:   cold,
		sink:   sink,
		scorer: scorer,
		cfg:    cfg.Normalize(),
		logger: logger,
		now:    time.Now,
	}
	meter := otel.Meter("recall/consolidate")
	var err error
	c.runsTotal, err = meter.Int64Counter("consolidation_runs_total")
	if err != nil {
		logger.Printf("otel counter consolidation_runs_total: %v", err)
	}
	c.runLatency, err = meter.Float64Histogram("consolidation_run_latency_ms", otelmetric.WithUnit("ms"))
	if err != nil {
		logger.Printf("otel histogram consolidation_run_latency_ms: %v", err)
	}
	c.phaseCounts, err = meter.Int64Counter("consolidation_phase_items")
	if err != nil {
		logger.Printf("otel counter consolidation_phase_items: %v", err)
	}
	c.phaseErrors, err = meter.Int64Counter("consolidation_phase_errors")
	if err != nil {
		logger.Printf("otel counter consolidation_phase_errors: %v", err)
	}
	return c
}

// Run executes the pipeline to completion and returns its report. Errors
// are collected per phase; Run itself never fails. A cancelled context lets
// the in-flight item finish, then stops before the next phase.
func (c *Consolidator) Run(ctx context.Context) Report {
	start := c.now().UTC()
	rep := &Report{StartedAt: start}

	type phase struct {
		name string
		fn   func(ctx context.Context, rep *Report) (int, error)
		dst  *int
	}
	phases := []phase{
		{"merge", c.mergePhase, &rep.Merged},
		{"patterns", c.patternPhase, &rep.PatternsFound},
		{"promote", c.promotePhase, &rep.NewSkills},
		{"decay", c.decayPhase, &rep.Decayed},
		{"prune", c.prunePhase, &rep.Pruned},
	}
	for _, p := range phases {
		if ctx.Err() != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: run canceled before phase start", p.name))
			break
		}
		count, err := c.runPhase(ctx, p.name, p.fn, rep)
		*p.dst = count
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", p.name, err))
			if c.phaseErrors != nil {
				c.phaseErrors.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("phase", p.name)))
			}
		}
		if c.phaseCounts != nil {
			c.phaseCounts.Add(ctx, int64(count), otelmetric.WithAttributes(attribute.String("phase", p.name)))
		}
	}

	rep.CompletedAt = c.now().UTC()
	if c.runsTotal != nil {
		c.runsTotal.Add(ctx, 1)
	}
	if c.runLatency != nil {
		c.runLatency.Record(ctx, rep.CompletedAt.Sub(rep.StartedAt).Seconds()*1000)
	}
	c.logger.Printf("run complete: merged=%d patterns=%d skills=%d decayed=%d pruned=%d errors=%d",
		rep.Merged, rep.PatternsFound, rep.NewSkills, rep.Decayed, rep.Pruned, len(rep.Errors))
	return *rep
}

// runPhase isolates a whole-phase failure (including panics) so the next
// phase still runs.
func (c *Consolidator) runPhase(ctx context.Context, name string, fn func(context.Context, *Report) (int, error), rep *Report) (count int, err error) {
	defer func() {
		if r := recover(); r != nil {
			count = 0
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, rep)
}

const scrollPageSize = 200

func (c *Consolidator) scrollAll(ctx context.Context, f knowledge.Filter) ([]knowledge.Learning, error) {
	var all []knowledge.Learning
	for offset := 0; ; offset += scrollPageSize {
		page, err := c.warm.Scroll(ctx, f, scrollPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < scrollPageSize {
			return all, nil
		}
	}
}
