// Package patterns implements similarity-based recall of past failures and
// their fixes.
package patterns

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/remedyops/remedy/internal/ai"
	"github.com/remedyops/remedy/internal/signature"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
)

const (
	// SameCategoryThreshold is the minimum cosine similarity for matches in
	// the same failure category.
	SameCategoryThreshold = 0.75
	// CrossCategoryThreshold is the stricter minimum for matches across
	// categories.
	CrossCategoryThreshold = 0.85
	// DefaultRetentionPerRepo caps stored patterns per repository; the oldest
	// are evicted past the cap.
	DefaultRetentionPerRepo = 500
)

// Match is one recalled pattern with its similarity to the query.
type Match struct {
	Pattern    *types.Pattern
	Similarity float64
}

// Memory is the pattern store plus its in-memory similarity index. Writes go
// to both; the index is rebuilt from the store at startup.
type Memory struct {
	store     storage.Storage
	embedder  ai.Embedder
	retention int

	mu    sync.RWMutex
	index []*types.Pattern
}

// Config configures the memory.
type Config struct {
	Storage   storage.Storage
	Embedder  ai.Embedder
	Retention int
}

// New creates a pattern memory. Call Warm before serving queries.
func New(cfg Config) (*Memory, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetentionPerRepo
	}
	return &Memory{
		store:     cfg.Storage,
		embedder:  cfg.Embedder,
		retention: cfg.Retention,
	}, nil
}

// Warm loads all stored patterns into the index.
func (m *Memory) Warm(ctx context.Context) error {
	ps, err := m.store.ListPatterns(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to warm pattern index: %w", err)
	}
	m.mu.Lock()
	m.index = ps
	m.mu.Unlock()
	return nil
}

// Record stores one confirmed (failure, fix) outcome: signature normalization,
// embedding, durable write, index insert, and per-repo retention pruning.
func (m *Memory) Record(ctx context.Context, p *types.Pattern) error {
	if p.Repository == "" || p.FailureReason == "" {
		return fmt.Errorf("repository and failure_reason are required")
	}
	p.ErrorSignature = signature.Normalize(p.FailureReason)

	vec, err := m.embedder.Embed(ctx, p.ErrorSignature)
	if err != nil {
		return fmt.Errorf("failed to embed pattern: %w", err)
	}
	p.Embedding = vec
	p.EmbeddingFamily = m.embedder.Family()

	if p.PatternID == "" {
		p.PatternID = ulid.Make().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	if err := m.store.StorePattern(ctx, p); err != nil {
		return err
	}
	if _, err := m.store.PrunePatterns(ctx, p.Repository, m.retention); err != nil {
		return err
	}

	m.mu.Lock()
	m.index = append(m.index, p)
	m.pruneIndexLocked(p.Repository)
	m.mu.Unlock()
	return nil
}

// Similar returns the top-k stored patterns most similar to the failure
// reason. Only patterns whose fix worked are recalled; failed fixes stay in
// the corpus for statistics but never guide a new remediation. Matches below
// the category-dependent threshold are dropped, and vectors from a different
// embedding family are never compared.
func (m *Memory) Similar(ctx context.Context, failureReason, category, repository string, k int) ([]Match, error) {
	if k <= 0 {
		k = 3
	}
	query, err := m.embedder.Embed(ctx, signature.Normalize(failureReason))
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	family := m.embedder.Family()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Match
	for _, p := range m.index {
		if !p.FixSuccessful {
			continue
		}
		if p.EmbeddingFamily != family || len(p.Embedding) != len(query) {
			continue
		}
		if repository != "" && p.Repository != repository {
			continue
		}
		sim := cosine(query, p.Embedding)
		threshold := CrossCategoryThreshold
		if p.Category == category {
			threshold = SameCategoryThreshold
		}
		if sim >= threshold {
			matches = append(matches, Match{Pattern: p, Similarity: sim})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Stats summarizes the stored pattern corpus.
type Stats struct {
	Total       int            `json:"total"`
	Successful  int            `json:"successful"`
	SuccessRate float64        `json:"success_rate"`
	ByCategory  map[string]int `json:"by_category"`
	ByRepo      map[string]int `json:"by_repository"`
}

// Statistics computes corpus stats from the index.
func (m *Memory) Statistics() *Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Stats{
		ByCategory: map[string]int{},
		ByRepo:     map[string]int{},
	}
	for _, p := range m.index {
		s.Total++
		if p.FixSuccessful {
			s.Successful++
		}
		s.ByCategory[p.Category]++
		s.ByRepo[p.Repository]++
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total)
	}
	return s
}

// pruneIndexLocked evicts the oldest in-memory patterns for repo past the
// retention cap. Caller holds the write lock.
func (m *Memory) pruneIndexLocked(repo string) {
	var own []*types.Pattern
	for _, p := range m.index {
		if p.Repository == repo {
			own = append(own, p)
		}
	}
	if len(own) <= m.retention {
		return
	}
	sort.Slice(own, func(i, j int) bool { return own[i].CreatedAt.Before(own[j].CreatedAt) })
	evict := map[string]bool{}
	for _, p := range own[:len(own)-m.retention] {
		evict[p.PatternID] = true
	}
	kept := m.index[:0]
	for _, p := range m.index {
		if !evict[p.PatternID] {
			kept = append(kept, p)
		}
	}
	m.index = kept
}

// cosine returns the cosine similarity of two equal-length vectors.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
