package consolidate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/novamind/recall/internal/knowledge"
	"github.com/novamind/recall/internal/store"
)

// mergePhase deduplicates near-identical learnings within each category.
// Embeddings are batch-fetched once per category and clustered greedily in
// memory: each learning joins the first existing cluster whose
// representative (first member) is at least mergeSimilarity similar,
// otherwise it starts a new cluster.
func (c *Consolidator) mergePhase(ctx context.Context, rep *Report) (int, error) {
	categories, err := c.warm.Categories(ctx)
	if err != nil {
		return 0, fmt.Errorf("list categories: %w", err)
	}

	merged := 0
	for _, category := range categories {
		if ctx.Err() != nil {
			break
		}
		n, errs := c.mergeCategory(ctx, category)
		merged += n
		for _, e := range errs {
			rep.Errors = append(rep.Errors, "merge: "+e)
		}
	}
	return merged, nil
}

func (c *Consolidator) mergeCategory(ctx context.Context, category string) (int, []string) {
	var itemErrs []string

	embeddings, err := c.warm.CategoryEmbeddings(ctx, category)
	if err != nil {
		return 0, []string{fmt.Sprintf("category %q: fetch embeddings: %v", category, err)}
	}
	if len(embeddings) < 2 {
		return 0, nil
	}

	clusters := clusterGreedy(embeddings, c.cfg.MergeSimilarity)

	merged := 0
	for _, cluster := range clusters {
		if len(cluster) < 2 {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		n, errs := c.mergeCluster(ctx, category, cluster)
		merged += n
		itemErrs = append(itemErrs, errs...)
	}
	return merged, itemErrs
}

// clusterGreedy performs the single-pass clustering over pre-fetched
// vectors. Input order (creation order) determines both iteration order and
// each cluster's representative.
func clusterGreedy(rows []store.EmbeddingRow, threshold float64) [][]string {
	var clusters [][]string
	var reps [][]float32
	for _, row := range rows {
		joined := false
		for i, rep := range reps {
			if cosineSimilarity(row.Vector, rep) >= threshold {
				clusters[i] = append(clusters[i], row.ID)
				joined = true
				break
			}
		}
		if !joined {
			clusters = append(clusters, []string{row.ID})
			reps = append(reps, row.Vector)
		}
	}
	return clusters
}

// mergeCluster folds a cluster into its highest-utility survivor. Ties break
// on earliest created_at, then lowest id, so repeated runs pick the same
// survivor.
func (c *Consolidator) mergeCluster(ctx context.Context, category string, ids []string) (int, []string) {
	var itemErrs []string

	members := make([]knowledge.Learning, 0, len(ids))
	for _, id := range ids {
		l, err := c.warm.Get(ctx, id)
		if err != nil {
			itemErrs = append(itemErrs, fmt.Sprintf("category %q: load %s: %v", category, id, err))
			continue
		}
		if strings.TrimSpace(l.Content) == "" {
			c.logger.Printf("warn: skipping learning %s with empty content during merge", id)
			continue
		}
		members = append(members, l)
	}
	if len(members) < 2 {
		return 0, itemErrs
	}

	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if a.UtilityScore != b.UtilityScore {
			return a.UtilityScore > b.UtilityScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	survivor := members[0]
	losers := members[1:]

	totalAccess := survivor.AccessCount
	mergedMeta := map[string]interface{}{}
	for _, loser := range losers {
		totalAccess += loser.AccessCount
		for k, v := range loser.Metadata {
			if _, exists := survivor.Metadata[k]; exists {
				continue
			}
			if _, staged := mergedMeta[k]; staged {
				continue
			}
			mergedMeta[k] = v
		}
	}

	upd := knowledge.PartialUpdate{AccessCount: &totalAccess}
	if len(mergedMeta) > 0 {
		upd.Metadata = mergedMeta
	}
	if err := c.warm.SetFields(ctx, survivor.ID, upd); err != nil {
		itemErrs = append(itemErrs, fmt.Sprintf("category %q: update survivor %s: %v", category, survivor.ID, err))
		return 0, itemErrs
	}

	deleted := 0
	for _, loser := range losers {
		if ctx.Err() != nil {
			break
		}
		if c.cold != nil {
			summary := fmt.Sprintf("merged into %s (similarity >= %.2f)", survivor.ID, c.cfg.MergeSimilarity)
			if err := c.cold.Archive(ctx, loser, summary); err != nil {
				c.logger.Printf("warn: archive merged loser %s: %v", loser.ID, err)
			}
		}
		if err := c.warm.Delete(ctx, loser.ID); err != nil {
			itemErrs = append(itemErrs, fmt.Sprintf("category %q: delete %s: %v", category, loser.ID, err))
			continue
		}
		deleted++
	}
	return deleted, itemErrs
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
