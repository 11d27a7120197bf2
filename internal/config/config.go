// Package config loads the flat RunConfig the orchestration core is
// driven by: environment variables with inline defaults, no config file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// PhasePolicy decides what the Orchestrator does when a phase fails.
type PhasePolicy string

const (
	PolicyContinue PhasePolicy = "continue"
	PolicyHalt     PhasePolicy = "halt"
	PolicyRetry    PhasePolicy = "retry"
)

// PhasePolicies maps each of the Orchestrator's seven phases to a policy.
type PhasePolicies struct {
	Analyze   PhasePolicy
	Decompose PhasePolicy
	Provision PhasePolicy
	Execute   PhasePolicy
	Review    PhasePolicy
	Gate      PhasePolicy
	Report    PhasePolicy
}

// QualityWeights must sum to 100.
type QualityWeights struct {
	Lint     int
	Compile  int
	Security int
	Tests    int
}

// CleanupPolicy is the workspace manager's reclamation policy.
type CleanupPolicy struct {
	DeleteOrphanedAfter time.Duration
	DeleteIdleAfter     time.Duration
	DeleteStuckAfter    time.Duration
	DeleteOnCompletion  bool
	MaxWorkspaces       *int
}

// RunConfig is the full set of knobs one run is driven by.
type RunConfig struct {
	MaxConcurrency int
	MaxWorkspaces  *int

	Cleanup CleanupPolicy

	RetryMaxAttempts  int
	RetryBackoffBase  time.Duration
	RetryBackoffFactor float64

	ApprovalTimeout          time.Duration
	ApprovalRequiredApprovers []string

	Quality         QualityWeights
	QualityPassThreshold int

	EventBusQueueCapacityPerSession int

	PhasePolicies PhasePolicies

	AutonomousMode bool
	DryRun         bool

	ComplexityAutoApproveThreshold int

	// IdempotencyKey, when non-empty, lets Submit de-duplicate retried
	// submissions: resubmitting the same key returns the SessionId
	// already running instead of starting a second run.
	IdempotencyKey string
}

// Default returns the orchestrator's default configuration.
func Default() RunConfig {
	return RunConfig{
		MaxConcurrency: 8,
		MaxWorkspaces:  nil,
		Cleanup: CleanupPolicy{
			DeleteOrphanedAfter: 24 * time.Hour,
			DeleteIdleAfter:     2 * time.Hour,
			DeleteStuckAfter:    30 * time.Minute,
			DeleteOnCompletion:  false,
			MaxWorkspaces:       nil,
		},
		RetryMaxAttempts:   3,
		RetryBackoffBase:   500 * time.Millisecond,
		RetryBackoffFactor: 2.0,

		ApprovalTimeout:           24 * time.Hour,
		ApprovalRequiredApprovers: nil,

		Quality:              QualityWeights{Lint: 30, Compile: 25, Security: 30, Tests: 15},
		QualityPassThreshold: 80,

		EventBusQueueCapacityPerSession: 256,

		PhasePolicies: PhasePolicies{
			Analyze:   PolicyHalt,
			Decompose: PolicyHalt,
			Provision: PolicyRetry,
			Execute:   PolicyHalt,
			Review:    PolicyHalt,
			Gate:      PolicyHalt,
			Report:    PolicyContinue,
		},

		AutonomousMode:                 false,
		DryRun:                         false,
		ComplexityAutoApproveThreshold: 30,
	}
}

// FromEnv starts from Default and overrides fields present in the
// environment.
func FromEnv() RunConfig {
	cfg := Default()

	if v := envInt("TASKFORGE_MAX_CONCURRENCY"); v != nil {
		cfg.MaxConcurrency = *v
	}
	if v := envInt("TASKFORGE_MAX_WORKSPACES"); v != nil {
		cfg.MaxWorkspaces = v
		cfg.Cleanup.MaxWorkspaces = v
	}
	if v := envDuration("TASKFORGE_RETRY_BACKOFF_BASE"); v != nil {
		cfg.RetryBackoffBase = *v
	}
	if v := envInt("TASKFORGE_RETRY_MAX_ATTEMPTS"); v != nil {
		cfg.RetryMaxAttempts = *v
	}
	if v := envDuration("TASKFORGE_APPROVAL_TIMEOUT"); v != nil {
		cfg.ApprovalTimeout = *v
	}
	if v := os.Getenv("TASKFORGE_APPROVERS"); v != "" {
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				cfg.ApprovalRequiredApprovers = append(cfg.ApprovalRequiredApprovers, a)
			}
		}
	}
	if v := envInt("TASKFORGE_QUALITY_PASS_THRESHOLD"); v != nil {
		cfg.QualityPassThreshold = *v
	}
	if v := envInt("TASKFORGE_EVENT_QUEUE_CAPACITY"); v != nil {
		cfg.EventBusQueueCapacityPerSession = *v
	}
	if os.Getenv("TASKFORGE_AUTONOMOUS_MODE") == "1" {
		cfg.AutonomousMode = true
	}
	if os.Getenv("TASKFORGE_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return cfg
}

func envInt(key string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func envDuration(key string) *time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil
	}
	return &d
}
