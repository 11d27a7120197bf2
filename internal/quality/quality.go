// Package quality turns a bundle of per-checker scores into one weighted
// score and a pass/fail verdict, with human-readable recommendations.
package quality

import "fmt"

// Checker names one of the four enumerated quality dimensions.
type Checker string

const (
	CheckerLint     Checker = "lint"
	CheckerCompile  Checker = "compile"
	CheckerSecurity Checker = "security"
	CheckerTests    Checker = "tests"
)

// Weights must sum to 100.
type Weights struct {
	Lint     int
	Compile  int
	Security int
	Tests    int
}

// DefaultWeights is the standard 30/25/30/15 split.
var DefaultWeights = Weights{Lint: 30, Compile: 25, Security: 30, Tests: 15}

// recommendPar is the per-checker score below which Evaluate emits an
// improvement recommendation for that checker.
const recommendPar = 70

func (w Weights) forChecker(c Checker) int {
	switch c {
	case CheckerLint:
		return w.Lint
	case CheckerCompile:
		return w.Compile
	case CheckerSecurity:
		return w.Security
	case CheckerTests:
		return w.Tests
	default:
		return 0
	}
}

// Severity classifies an Issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is one human-readable quality finding.
type Issue struct {
	Checker  Checker
	Severity Severity
	Message  string
}

// Report is the Quality Gate's output.
type Report struct {
	Score           int
	Passed          bool
	Breakdown       map[Checker]int
	Issues          []Issue
	Recommendations []string
}

// Evaluate computes the weighted score over scores (each 0..100,
// indexed by Checker) using weights (summing to 100) against
// passThreshold. It is a pure function of its inputs.
func Evaluate(scores map[Checker]int, weights Weights, passThreshold int) Report {
	total := 0
	breakdown := make(map[Checker]int, len(scores))
	var issues []Issue
	var recommendations []string

	for _, checker := range []Checker{CheckerLint, CheckerCompile, CheckerSecurity, CheckerTests} {
		score, ok := scores[checker]
		if !ok {
			continue
		}
		weight := weights.forChecker(checker)
		breakdown[checker] = score
		total += score * weight

		if score < passThreshold {
			issues = append(issues, Issue{
				Checker:  checker,
				Severity: severityFor(score),
				Message:  fmt.Sprintf("%s scored %d, below pass threshold %d", checker, score, passThreshold),
			})
		}
		// Any sub-score below par draws a recommendation naming the
		// checker, independent of the pass/fail verdict.
		if score < recommendPar {
			recommendations = append(recommendations, fmt.Sprintf("improve %s (scored %d)", checker, score))
		}
	}

	aggregate := total / 100
	return Report{
		Score:           aggregate,
		Passed:          aggregate >= passThreshold,
		Breakdown:       breakdown,
		Issues:          issues,
		Recommendations: recommendations,
	}
}

func severityFor(score int) Severity {
	switch {
	case score < 40:
		return SeverityCritical
	case score < 70:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
