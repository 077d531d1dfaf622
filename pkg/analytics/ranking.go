package analytics

import (
	"fmt"
	"math"
	"sort"
)

// Strategy selects how modules are scored for refactoring priority.
type Strategy string

const (
	StrategyRiskWeighted  Strategy = "risk_weighted"
	StrategyCoverageFirst Strategy = "coverage_first"
	StrategyChurnBased    Strategy = "churn_based"
	StrategyComposite     Strategy = "composite"
)

// DefaultStrategy is applied when a request names none.
const DefaultStrategy = StrategyRiskWeighted

// Strategies lists every accepted strategy value.
var Strategies = []Strategy{StrategyRiskWeighted, StrategyCoverageFirst, StrategyChurnBased, StrategyComposite}

// ParseStrategy validates a strategy name.
func ParseStrategy(value string) (Strategy, error) {
	if value == "" {
		return DefaultStrategy, nil
	}
	for _, strategy := range Strategies {
		if value == string(strategy) {
			return strategy, nil
		}
	}
	return "", fmt.Errorf("strategy must be one of %v, got %q", Strategies, value)
}

// RankedModule is one entry of a ranking.
type RankedModule struct {
	Rank           int
	Path           string
	Score          float64
	Churn          int
	Coverage       *float64
	UncoveredLines *int
	Rationale      string
}

// RankModules scores every signal under the chosen strategy and returns the
// top modules, rank 1 first. The coverage threshold sets how much a
// coverage gap weighs; modules at or above the threshold still rank, just
// without a gap contribution.
func RankModules(signals map[string]*ModuleSignal, strategy Strategy, coverageThreshold float64, limit int) []RankedModule {
	ranked := make([]RankedModule, 0, len(signals))
	for _, signal := range signals {
		score, rationale := score(signal, strategy, coverageThreshold)
		ranked = append(ranked, RankedModule{
			Path:           signal.Path,
			Score:          round4(score),
			Churn:          signal.Churn,
			Coverage:       signal.Coverage,
			UncoveredLines: signal.UncoveredLines,
			Rationale:      rationale,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Path < ranked[j].Path
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// coverageGap is how far the module sits below the threshold; modules with
// unknown coverage are treated as fully below it.
func coverageGap(signal *ModuleSignal, threshold float64) float64 {
	if signal.Coverage == nil {
		return threshold
	}
	return math.Max(0, threshold-*signal.Coverage)
}

func score(signal *ModuleSignal, strategy Strategy, threshold float64) (float64, string) {
	churnScore := float64(signal.Churn) / 100
	gap := coverageGap(signal, threshold)

	switch strategy {
	case StrategyCoverageFirst:
		return gap*10 + churnScore/10, "coverage gap prioritised"
	case StrategyChurnBased:
		return float64(signal.Churn), "churn prioritised"
	case StrategyComposite:
		uncovered := 0.0
		if signal.UncoveredLines != nil {
			uncovered = float64(*signal.UncoveredLines) / 1000
		}
		return churnScore + gap + uncovered, "composite churn, coverage, and uncovered lines"
	default: // StrategyRiskWeighted
		return churnScore + gap, "churn-weighted coverage risk"
	}
}

func round4(value float64) float64 {
	return math.Round(value*10000) / 10000
}
