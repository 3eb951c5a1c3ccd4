// Package blast estimates the pre-change impact of a proposed edit set.
package blast

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/remedyops/remedy/internal/types"
)

// Level buckets a blast radius score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Component weights. They sum to 1.0; each component score is in [0,10].
const (
	weightFileCriticality = 0.30
	weightServiceImpact   = 0.25
	weightDownstream      = 0.20
	weightBranch          = 0.15
	weightCategory        = 0.10
)

// Assessment is the estimator's output for one edit set.
type Assessment struct {
	Score           float64            `json:"score"` // 0-10
	Level           Level              `json:"level"`
	Components      map[string]float64 `json:"components"`
	Rationale       []string           `json:"rationale"`
	Recommendations []string           `json:"recommendations"`
}

// fileSeverity maps glob patterns to criticality. First match wins, so the
// table is ordered most-specific first.
type fileSeverity struct {
	pattern string
	score   float64
	label   string
}

var severityTable = []fileSeverity{
	{"**/.env.production*", 10, "production environment file"},
	{"**/production*.{yml,yaml,json,env}", 10, "production config"},
	{"**/*.tf", 9, "infrastructure as code"},
	{"**/helm/**", 9, "deployment manifest"},
	{"**/k8s/**", 9, "deployment manifest"},
	{"**/deploy/**", 9, "deployment manifest"},
	{".github/workflows/**", 8, "workflow definition"},
	{"**/Dockerfile*", 8, "container build"},
	{"**/docker-compose*.{yml,yaml}", 8, "container manifest"},
	{"**/package.json", 7, "dependency manifest"},
	{"**/package-lock.json", 7, "dependency manifest"},
	{"**/go.mod", 7, "dependency manifest"},
	{"**/go.sum", 7, "dependency manifest"},
	{"**/requirements*.txt", 7, "dependency manifest"},
	{"**/Gemfile*", 7, "dependency manifest"},
	{"**/pom.xml", 7, "dependency manifest"},
	{"**/*.{yml,yaml}", 5, "configuration"},
	{"**/*", 2, "ordinary source"},
}

var dependencyManifestGlobs = []string{
	"**/package.json", "**/package-lock.json", "**/go.mod", "**/go.sum",
	"**/requirements*.txt", "**/Gemfile*", "**/pom.xml",
}

var branchCriticality = map[string]float64{
	"main": 10, "master": 10, "production": 10, "prod": 10,
	"staging": 7, "release": 7, "hotfix": 7,
	"develop": 5, "dev": 5, "integration": 5,
}

var categoryRisk = map[string]float64{
	types.CategoryInfrastructure: 8,
	types.CategoryConfig:         8,
	types.CategoryDependency:     8,
	types.CategoryTimeout:        5,
	types.CategoryBuildError:     5,
	types.CategoryLintError:      2,
	types.CategoryFlakyTest:      2,
	types.CategoryTestFailure:    2,
}

const defaultCategoryRisk = 5

// Estimator computes blast radius assessments. Dependents maps a repository
// to the number of repositories that declare a dependency on it.
type Estimator struct {
	dependents map[string]int
}

// New creates an estimator. dependents may be nil.
func New(dependents map[string]int) *Estimator {
	return &Estimator{dependents: dependents}
}

// Assess scores the proposed edit set. The score is monotone: adding files or
// targeting a more critical branch never lowers it.
func (e *Estimator) Assess(repository, branch string, files []string, category string) *Assessment {
	fileScore, fileRationale := fileCriticality(files)
	svcScore, svcCount := serviceImpact(files)
	depScore := e.downstreamImpact(repository, files)
	branchScore := branchScore(branch)
	catScore, ok := categoryRisk[category]
	if !ok {
		catScore = defaultCategoryRisk
	}

	score := weightFileCriticality*fileScore +
		weightServiceImpact*svcScore +
		weightDownstream*depScore +
		weightBranch*branchScore +
		weightCategory*catScore

	a := &Assessment{
		Score: score,
		Level: levelFor(score),
		Components: map[string]float64{
			"file_criticality": fileScore,
			"service_impact":   svcScore,
			"downstream":       depScore,
			"branch":           branchScore,
			"category":         catScore,
		},
	}

	if fileRationale != "" {
		a.Rationale = append(a.Rationale, fileRationale)
	}
	if svcCount > 1 {
		a.Rationale = append(a.Rationale, fmt.Sprintf("%d distinct services affected", svcCount))
	}
	if depScore > 0 {
		a.Rationale = append(a.Rationale, "change touches dependency manifests")
		a.Recommendations = append(a.Recommendations, "verify downstream consumers after merge")
	}
	if branchScore >= 10 {
		a.Rationale = append(a.Rationale, fmt.Sprintf("branch %q is a primary branch", branch))
	}
	if a.Level == LevelHigh || a.Level == LevelCritical {
		a.Recommendations = append(a.Recommendations, "require human review before merge")
	}
	return a
}

// fileCriticality is the max severity over all files.
func fileCriticality(files []string) (float64, string) {
	var max float64
	var label string
	for _, f := range files {
		for _, sev := range severityTable {
			if ok, _ := doublestar.Match(sev.pattern, f); ok {
				if sev.score > max {
					max = sev.score
					label = fmt.Sprintf("%s: %s", f, sev.label)
				}
				break
			}
		}
	}
	return max, label
}

// serviceImpact counts distinct path roots and scales to [0,10].
func serviceImpact(files []string) (float64, int) {
	roots := map[string]bool{}
	for _, f := range files {
		root, _, found := strings.Cut(f, "/")
		if !found {
			root = "."
		}
		roots[root] = true
	}
	n := len(roots)
	score := float64(2 * n)
	if score > 10 {
		score = 10
	}
	return score, n
}

// downstreamImpact scores dependency-manifest edits, weighted by declared
// dependents of the repository.
func (e *Estimator) downstreamImpact(repository string, files []string) float64 {
	touched := false
	for _, f := range files {
		for _, g := range dependencyManifestGlobs {
			if ok, _ := doublestar.Match(g, f); ok {
				touched = true
				break
			}
		}
		if touched {
			break
		}
	}
	if !touched {
		return 0
	}
	score := 5 + float64(e.dependents[repository])
	if score > 10 {
		score = 10
	}
	return score
}

func branchScore(branch string) float64 {
	if s, ok := branchCriticality[strings.ToLower(branch)]; ok {
		return s
	}
	// Release branches carry the release prefix convention.
	if strings.HasPrefix(strings.ToLower(branch), "release/") ||
		strings.HasPrefix(strings.ToLower(branch), "hotfix/") {
		return 7
	}
	return 2
}

func levelFor(score float64) Level {
	switch {
	case score >= 9:
		return LevelCritical
	case score >= 7:
		return LevelHigh
	case score >= 4:
		return LevelMedium
	default:
		return LevelLow
	}
}

// SortedComponents returns component names in descending score order, for
// stable rationale rendering.
func (a *Assessment) SortedComponents() []string {
	names := make([]string, 0, len(a.Components))
	for name := range a.Components {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if a.Components[names[i]] != a.Components[names[j]] {
			return a.Components[names[i]] > a.Components[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}
