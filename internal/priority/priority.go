// Package priority is a pure, deterministic mapping from an issue's
// labels and a task's kind to a numeric priority and an estimated
// duration. It never blocks on external services.
package priority

import (
	"strings"
	"time"

	"github.com/swarmguard/taskforge/internal/domain"
)

// Level is one of the four priority bands a label maps to.
type Level int

const (
	// LevelDefault is used when no recognised label is present.
	LevelDefault Level = iota
	LevelP3Low
	LevelP2Medium
	LevelP1High
	LevelP0Critical
)

// Score is the numeric priority (0..100) a Level maps to.
func (l Level) Score() int {
	switch l {
	case LevelP0Critical:
		return 100
	case LevelP1High:
		return 80
	case LevelP2Medium:
		return 50
	case LevelP3Low:
		return 20
	default:
		return 50
	}
}

// FromLabel parses a label string into a Level. Accepted spellings are
// case-insensitive and tolerate an optional "priority:" prefix; both the
// bare code ("P0") and the hyphenated name ("P0-Critical") resolve to
// the same level.
func FromLabel(label string) (Level, bool) {
	l := strings.ToLower(strings.TrimSpace(label))
	l = strings.TrimPrefix(l, "priority:")
	switch {
	case strings.HasPrefix(l, "p0"):
		return LevelP0Critical, true
	case strings.HasPrefix(l, "p1"):
		return LevelP1High, true
	case strings.HasPrefix(l, "p2"):
		return LevelP2Medium, true
	case strings.HasPrefix(l, "p3"):
		return LevelP3Low, true
	default:
		return LevelDefault, false
	}
}

// Calculate derives the priority score for an issue: the highest-scoring
// recognised priority label wins; absent any, the default (50) applies.
func Calculate(issue domain.Issue) int {
	best := LevelDefault
	found := false
	for label := range issue.Labels {
		if lvl, ok := FromLabel(label); ok {
			if !found || lvl.Score() > best.Score() {
				best = lvl
				found = true
			}
		}
	}
	return best.Score()
}

// durationDefaults are the kind-based estimates.
var durationDefaults = map[domain.TaskKind]time.Duration{
	domain.KindFeature:  45 * time.Minute,
	domain.KindRefactor: 30 * time.Minute,
	domain.KindBug:      20 * time.Minute,
	domain.KindTest:     15 * time.Minute,
	domain.KindDocs:     10 * time.Minute,
	domain.KindOther:    30 * time.Minute,
}

// EstimateDuration returns the kind-based default estimate for a task.
func EstimateDuration(kind domain.TaskKind) time.Duration {
	if d, ok := durationDefaults[kind]; ok {
		return d
	}
	return durationDefaults[domain.KindOther]
}

// Annotate sets Priority and EstimatedDuration on task in place,
// deriving Priority from the issue's labels. Dependencies never modify
// the score; the Scheduler uses them separately.
func Annotate(task *domain.Task, issue domain.Issue) {
	task.Priority = Calculate(issue)
	task.EstimatedDuration = EstimateDuration(task.Kind)
}
