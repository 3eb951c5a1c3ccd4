// Package personality computes per-repository behavioral profiles from
// trailing-window remediation history and turns them into confidence
// adjustments for the classifier.
package personality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
)

const (
	// Window is the trailing observation window.
	Window = 30 * 24 * time.Hour
	// MinFailures is the minimum history size for a meaningful profile.
	MinFailures = 5
	// CacheTTL bounds how stale a cached profile may be.
	CacheTTL = 15 * time.Minute
	// MaxAdjust clamps the total confidence adjustment (fraction of 1.0).
	MaxAdjust = 0.2
)

// Detected pattern type names.
const (
	PatternFlaky    = "frequent_flaky_tests"
	PatternFriday   = "friday_failures"
	PatternDominant = "dominant_category"
	PatternPeakHour = "peak_failure_hour"
)

// Profiler computes and caches personality profiles.
type Profiler struct {
	store storage.Storage
	clock clock.Clock

	mu    sync.Mutex
	cache map[string]cachedProfile
}

type cachedProfile struct {
	profile *types.PersonalityProfile
	at      time.Time
}

// New creates a profiler.
func New(store storage.Storage, clk clock.Clock) (*Profiler, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Profiler{
		store: store,
		clock: clk,
		cache: make(map[string]cachedProfile),
	}, nil
}

// Profile returns the repository's profile, recomputing when the cached copy
// is older than the TTL. The computed profile is also persisted for the
// dashboard.
func (p *Profiler) Profile(ctx context.Context, repository string) (*types.PersonalityProfile, error) {
	now := p.clock.Now()

	p.mu.Lock()
	if c, ok := p.cache[repository]; ok && now.Sub(c.at) < CacheTTL {
		p.mu.Unlock()
		return c.profile, nil
	}
	p.mu.Unlock()

	profile, err := p.compute(ctx, repository, now)
	if err != nil {
		return nil, err
	}
	if err := p.store.StoreProfile(ctx, profile); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[repository] = cachedProfile{profile: profile, at: now}
	p.mu.Unlock()
	return profile, nil
}

// Invalidate drops the cached profile so the next read recomputes.
func (p *Profiler) Invalidate(repository string) {
	p.mu.Lock()
	delete(p.cache, repository)
	p.mu.Unlock()
}

func (p *Profiler) compute(ctx context.Context, repository string, now time.Time) (*types.PersonalityProfile, error) {
	since := now.Add(-Window)

	failures, err := p.store.ListFailures(ctx, storage.FailureFilter{Repository: repository, Since: since})
	if err != nil {
		return nil, fmt.Errorf("failed to load failures for profile: %w", err)
	}
	metrics, err := p.store.ListMetrics(ctx, storage.MetricFilter{Repository: repository, Since: since})
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics for profile: %w", err)
	}

	profile := &types.PersonalityProfile{
		Repository:         repository,
		TotalFailures:      len(failures),
		CategoryHistogram:  map[string]int{},
		DayOfWeekHistogram: map[string]int{},
		HourHistogram:      map[int]int{},
		ComputedAt:         now,
	}

	for _, f := range failures {
		profile.DayOfWeekHistogram[f.DetectedAt.Weekday().String()]++
		profile.HourHistogram[f.DetectedAt.Hour()]++
	}

	var successes int
	var totalResolutionMS int64
	for _, m := range metrics {
		profile.CategoryHistogram[m.Category]++
		if m.Success {
			successes++
		}
		totalResolutionMS += m.TotalLatencyMS
	}
	if len(metrics) > 0 {
		profile.SuccessRate = float64(successes) / float64(len(metrics))
		profile.AvgResolutionMinutes = float64(totalResolutionMS) / float64(len(metrics)) / 60000.0
	}

	var dominant string
	var dominantCount int
	for cat, n := range profile.CategoryHistogram {
		if n > dominantCount {
			dominant, dominantCount = cat, n
		}
	}
	profile.DominantCategory = dominant
	if total := sum(profile.CategoryHistogram); total > 0 {
		profile.FlakyRate = float64(profile.CategoryHistogram[types.CategoryFlakyTest]) / float64(total)
	}

	// Profiles under the minimum history carry no behavioral flags.
	if profile.TotalFailures < MinFailures {
		return profile, nil
	}
	profile.Patterns = detectPatterns(profile)
	return profile, nil
}

// detectPatterns derives behavioral flags from the histograms.
func detectPatterns(p *types.PersonalityProfile) []types.DetectedPattern {
	var out []types.DetectedPattern
	total := float64(p.TotalFailures)
	catTotal := float64(sum(p.CategoryHistogram))

	if p.FlakyRate >= 0.3 {
		out = append(out, types.DetectedPattern{
			Type:             PatternFlaky,
			Frequency:        p.FlakyRate,
			Description:      fmt.Sprintf("%.0f%% of classified failures are flaky tests", p.FlakyRate*100),
			ConfidenceAdjust: -0.1,
			Recommendation:   "quarantine or deflake the most frequent offenders",
		})
	}

	if friday := float64(p.DayOfWeekHistogram[time.Friday.String()]) / total; friday >= 0.4 {
		out = append(out, types.DetectedPattern{
			Type:             PatternFriday,
			Frequency:        friday,
			Description:      fmt.Sprintf("%.0f%% of failures occur on Fridays", friday*100),
			ConfidenceAdjust: -0.05,
			Recommendation:   "consider a Friday merge freeze for risky changes",
		})
	}

	if catTotal > 0 && p.DominantCategory != "" {
		if share := float64(p.CategoryHistogram[p.DominantCategory]) / catTotal; share >= 0.5 {
			out = append(out, types.DetectedPattern{
				Type:             PatternDominant,
				Frequency:        share,
				Description:      fmt.Sprintf("%q dominates at %.0f%% of failures", p.DominantCategory, share*100),
				ConfidenceAdjust: 0.1,
				Recommendation:   fmt.Sprintf("invest in root-cause work for %s failures", p.DominantCategory),
			})
		}
	}

	for hour, n := range p.HourHistogram {
		if share := float64(n) / total; share >= 0.3 {
			out = append(out, types.DetectedPattern{
				Type:             PatternPeakHour,
				Frequency:        share,
				Description:      fmt.Sprintf("%.0f%% of failures occur around %02d:00 UTC", share*100, hour),
				ConfidenceAdjust: 0.0,
				Recommendation:   "check for scheduled jobs or load peaks in that window",
			})
			break
		}
	}
	return out
}

// Adjustment returns the clamped confidence adjustment for classifying a
// failure of the given category right now. The result is a fraction; callers
// scale to confidence points.
func Adjustment(p *types.PersonalityProfile, category string, now time.Time) float64 {
	var adj float64
	for _, pat := range p.Patterns {
		switch pat.Type {
		case PatternFlaky:
			if category == types.CategoryFlakyTest || category == types.CategoryTestFailure {
				adj += pat.ConfidenceAdjust
			}
		case PatternFriday:
			if now.Weekday() == time.Friday {
				adj += pat.ConfidenceAdjust
			}
		case PatternDominant:
			if category == p.DominantCategory {
				adj += pat.ConfidenceAdjust
			}
		case PatternPeakHour:
			adj += pat.ConfidenceAdjust
		}
	}
	if adj > MaxAdjust {
		adj = MaxAdjust
	}
	if adj < -MaxAdjust {
		adj = -MaxAdjust
	}
	return adj
}

func sum(m map[string]int) int {
	var n int
	for _, v := range m {
		n += v
	}
	return n
}
