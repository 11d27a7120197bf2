package priority

import (
	"testing"
	"time"

	"github.com/swarmguard/taskforge/internal/domain"
)

func TestFromLabel(t *testing.T) {
	cases := map[string]Level{
		"P0":              LevelP0Critical,
		"p0-critical":     LevelP0Critical,
		"priority:P0-Critical": LevelP0Critical,
		"P1-High":         LevelP1High,
		"P2":              LevelP2Medium,
		"P3-Low":          LevelP3Low,
	}
	for label, want := range cases {
		got, ok := FromLabel(label)
		if !ok || got != want {
			t.Errorf("FromLabel(%q) = %v, %v; want %v, true", label, got, ok, want)
		}
	}

	if _, ok := FromLabel("enhancement"); ok {
		t.Errorf("FromLabel(unrecognised) should not match")
	}
}

func TestCalculateDefault(t *testing.T) {
	issue := domain.Issue{Labels: map[string]struct{}{"bug": {}}}
	if got := Calculate(issue); got != 50 {
		t.Errorf("Calculate() with no priority label = %d, want 50", got)
	}
}

func TestCalculateLowPriorityDocsIssue(t *testing.T) {
	// A P3-Low docs task scores 20 with a 10 minute estimate.
	issue := domain.Issue{Labels: map[string]struct{}{"P3-Low": {}}}
	if got := Calculate(issue); got != 20 {
		t.Fatalf("priority = %d, want 20", got)
	}
	if got := EstimateDuration(domain.KindDocs); got != 10*time.Minute {
		t.Fatalf("estimate = %v, want 10m", got)
	}
}

func TestCalculateHighestLabelWins(t *testing.T) {
	issue := domain.Issue{Labels: map[string]struct{}{"P3-Low": {}, "P0-Critical": {}}}
	if got := Calculate(issue); got != 100 {
		t.Errorf("Calculate() with mixed labels = %d, want 100 (highest wins)", got)
	}
}
