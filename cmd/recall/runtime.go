package main

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/novamind/recall/config"
	"github.com/novamind/recall/internal/archive"
	"github.com/novamind/recall/internal/consolidate"
	"github.com/novamind/recall/internal/router"
	"github.com/novamind/recall/internal/scheduler"
	"github.com/novamind/recall/internal/scoring"
	"github.com/novamind/recall/internal/skills"
	"github.com/novamind/recall/internal/store"
	"github.com/novamind/recall/internal/trace"
	"github.com/novamind/recall/provider"
)

// runtime bundles the long-lived instances shared by the subcommands.
type runtime struct {
	cfg    *config.Config
	warm   *store.Store
	hot    *trace.Store
	cold   *archive.Store
	rdb    *redis.Client
	router *router.Router
	sched  *scheduler.Scheduler
	cons   *consolidate.Consolidator
}

// buildRuntime wires the three tiers, the consolidator and the scheduler
// from config. withRedis=false skips the hot tier for one-shot commands
// that only touch postgres.
func buildRuntime(ctx context.Context, cfg *config.Config, withRedis bool) (*runtime, error) {
	embedder, err := provider.NewEmbedder(provider.Client(cfg.Embedding.Provider), provider.Options{
		APIKey:  cfg.Embedding.APIKey,
		BaseURL: cfg.Embedding.BaseURL,
		Model:   cfg.Embedding.Model,
		Timeout: cfg.Embedding.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}

	warmLogger := log.New(log.Writer(), "[WARM] ", log.LstdFlags)
	warm, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN(), embedder, cfg.Embedding.Dimensions, warmLogger)
	if err != nil {
		return nil, fmt.Errorf("warm store: %w", err)
	}

	cold, err := archive.NewStore(cfg.Storage.Archive.Dir, log.New(log.Writer(), "[COLD] ", log.LstdFlags))
	if err != nil {
		return nil, fmt.Errorf("cold archive: %w", err)
	}

	rt := &runtime{cfg: cfg, warm: warm, cold: cold}

	if withRedis {
		rdb, err := trace.Conn(ctx, cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		rt.rdb = rdb
		rt.hot = trace.NewStore(rdb, cfg.Memory.HotTTL, log.New(log.Writer(), "[HOT] ", log.LstdFlags))
	}

	scorer := scoring.NewEngine(warm, log.New(log.Writer(), "[SCORE] ", log.LstdFlags))
	sink := skills.NewPGSink(warm.DB, embedder, log.New(log.Writer(), "[SKILLS] ", log.LstdFlags))
	rt.cons = consolidate.New(warm, cold, sink, scorer, cfg.Consolidation, log.New(log.Writer(), "[CONSOLIDATE] ", log.LstdFlags))
	rt.sched = scheduler.New(rt.cons, rt.rdb, cfg.Consolidation, log.New(log.Writer(), "[SCHED] ", log.LstdFlags))

	rt.router = router.New(buildRegistry(cfg.Router), warm, cfg.Router.ContextThreshold, log.New(log.Writer(), "[ROUTER] ", log.LstdFlags))
	return rt, nil
}

// buildRegistry starts from the built-in table and applies config overrides.
// Override maps are walked in sorted key order so pattern priority does not
// depend on map iteration.
func buildRegistry(cfg config.RouterConfig) *router.Registry {
	reg := router.DefaultRegistry(cfg.DefaultAgent)
	for _, label := range sortedKeys(cfg.Table) {
		reg.Register(label, cfg.Table[label])
	}
	for _, keyword := range sortedKeys(cfg.Keywords) {
		reg.RegisterKeyword(keyword, cfg.Keywords[keyword])
	}
	return reg
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (rt *runtime) Close() {
	if rt.warm != nil && rt.warm.DB != nil {
		_ = rt.warm.DB.Close()
	}
	if rt.rdb != nil {
		_ = rt.rdb.Close()
	}
}
