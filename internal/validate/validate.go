// Package validate checks an inbound issue payload before it ever
// reaches the graph builder, so a malformed issue fails fast with a
// Validation-classified error instead of producing a confusing graph
// error several stages downstream.
package validate

import (
	"regexp"
	"strings"

	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/errs"
)

const (
	maxTitleLen = 256
	maxBodyLen  = 1 << 16 // 64KB
	maxLabels   = 50
)

var labelPattern = regexp.MustCompile(`^[a-zA-Z0-9:_.\-]+$`)

// Issue checks the fields of an inbound Issue, returning a single
// errs.Validation error describing the first problem found.
func Issue(issue domain.Issue) error {
	title := strings.TrimSpace(issue.Title)
	if title == "" {
		return errs.Validation("title: required field missing")
	}
	if len(title) > maxTitleLen {
		return errs.Validation("title: max length %d", maxTitleLen)
	}
	if len(issue.Body) > maxBodyLen {
		return errs.Validation("body: max length %d bytes", maxBodyLen)
	}
	if len(issue.Labels) > maxLabels {
		return errs.Validation("labels: max count %d", maxLabels)
	}
	for label := range issue.Labels {
		if !labelPattern.MatchString(label) {
			return errs.Validation("labels: %q contains unsupported characters", label)
		}
	}
	switch issue.State {
	case domain.IssueOpen, domain.IssueClosed, "":
	default:
		return errs.Validation("state: must be one of [open, closed], got %q", issue.State)
	}
	return nil
}

// SubmitRequest validates the raw fields a SubmitIssue HTTP/RPC endpoint
// receives before they are assembled into a domain.Issue, catching shape
// problems (wrong JSON types, oversized arrays) independently of Issue's
// semantic checks.
type SubmitRequest struct {
	Title          string
	Body           string
	Labels         []string
	IdempotencyKey string
}

// Validate checks r's shape and returns a domain.Issue built from it, or
// a Validation error describing the first problem.
func (r SubmitRequest) Validate() (domain.Issue, error) {
	if len(r.Labels) > maxLabels {
		return domain.Issue{}, errs.Validation("labels: max count %d, got %d", maxLabels, len(r.Labels))
	}
	labels := make(map[string]struct{}, len(r.Labels))
	for _, l := range r.Labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if !labelPattern.MatchString(l) {
			return domain.Issue{}, errs.Validation("labels: %q contains unsupported characters", l)
		}
		labels[l] = struct{}{}
	}

	issue := domain.Issue{
		Title:  strings.TrimSpace(r.Title),
		Body:   r.Body,
		Labels: labels,
		State:  domain.IssueOpen,
	}
	if err := Issue(issue); err != nil {
		return domain.Issue{}, err
	}
	return issue, nil
}
