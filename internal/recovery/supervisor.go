// Package recovery decides what happens to a unit whose dispatch failed:
// requeue it on another agent or give up once its retry budget is spent.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fentz26/ninjateam/internal/audit"
	"github.com/fentz26/ninjateam/internal/logging"
	"github.com/fentz26/ninjateam/internal/observability"
)

// ErrRetryBudgetExhausted marks a unit that failed on every allowed attempt.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// Kind classifies a failed attempt.
type Kind string

const (
	// KindTimeout is a unit that did not finish within its allotted time.
	KindTimeout Kind = "timeout"
	// KindCrash is an agent that failed while running the unit.
	KindCrash Kind = "crash"
	// KindDisconnect is an agent that stopped answering heartbeats.
	KindDisconnect Kind = "disconnect"
	// KindCommand is a command that ran and reported failure.
	KindCommand Kind = "command"
)

// Infrastructure reports whether the failure points at the agent rather
// than the unit.
func (k Kind) Infrastructure() bool {
	return k == KindTimeout || k == KindCrash || k == KindDisconnect
}

// Node failure handling for sub-builds.
const (
	Redistribute = "redistribute"
	FailNode     = "fail"
)

// Failure describes one failed attempt.
type Failure struct {
	UnitID   string
	Agent    string
	Kind     Kind
	Err      error
	SubBuild bool
}

// Verdict is the supervisor's decision for a failure.
type Verdict struct {
	// Retry requeues the unit as Ready.
	Retry bool
	// ExcludeAgent marks the agent Unreachable.
	ExcludeAgent bool
	// Attempts is the number of attempts made so far.
	Attempts int
	// Err is set when the unit is permanently failed.
	Err error
}

// Options configures a Supervisor.
type Options struct {
	SessionID string
	// Budget is the total number of attempts a unit gets, the first one
	// included.
	Budget              int
	NodeFailureHandling string
	Decisions           *audit.DecisionWriter
	Metrics             *observability.Metrics
	Logger              *slog.Logger
}

// Supervisor tracks attempts per unit and applies the retry policy.
type Supervisor struct {
	sessionID   string
	budget      int
	nodeFailure string
	decisions   *audit.DecisionWriter
	metrics     *observability.Metrics
	logger      *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
	tried    map[string]map[string]bool
}

// New creates a supervisor. A budget below one means three.
func New(opts Options) *Supervisor {
	if opts.Budget < 1 {
		opts.Budget = 3
	}
	if opts.NodeFailureHandling == "" {
		opts.NodeFailureHandling = Redistribute
	}
	return &Supervisor{
		sessionID:   opts.SessionID,
		budget:      opts.Budget,
		nodeFailure: opts.NodeFailureHandling,
		decisions:   opts.Decisions,
		metrics:     opts.Metrics,
		logger:      logging.OrDiscard(opts.Logger),
		attempts:    make(map[string]int),
		tried:       make(map[string]map[string]bool),
	}
}

// Budget returns the total attempts a unit gets.
func (s *Supervisor) Budget() int { return s.budget }

// Begin records a new attempt of unitID on agent and returns its number.
func (s *Supervisor) Begin(unitID, agent string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[unitID]++
	if s.tried[unitID] == nil {
		s.tried[unitID] = make(map[string]bool)
	}
	s.tried[unitID][agent] = true
	return s.attempts[unitID]
}

// Attempts returns how many attempts unitID has had.
func (s *Supervisor) Attempts(unitID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[unitID]
}

// Tried reports whether unitID already ran on agent.
func (s *Supervisor) Tried(unitID, agent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tried[unitID][agent]
}

// HandleFailure applies the retry policy to a failed attempt.
func (s *Supervisor) HandleFailure(f Failure) Verdict {
	attempts := s.Attempts(f.UnitID)
	v := Verdict{ExcludeAgent: f.Kind.Infrastructure(), Attempts: attempts}

	inputs := map[string]interface{}{
		"unit":    f.UnitID,
		"agent":   f.Agent,
		"kind":    string(f.Kind),
		"attempt": attempts,
		"budget":  s.budget,
	}

	switch {
	case f.SubBuild && f.Kind.Infrastructure() && s.nodeFailure == FailNode:
		v.Err = fmt.Errorf("sub-build node %s failed: %w", f.Agent, f.Err)
	case attempts >= s.budget:
		v.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetryBudgetExhausted, attempts, f.Err)
	default:
		v.Retry = true
	}

	if v.Retry {
		if s.metrics != nil {
			s.metrics.UnitRetries.Inc()
		}
		s.logger.Warn("retrying unit", "unit", f.UnitID, "agent", f.Agent, "attempt", attempts, "reason", f.Err)
		s.record(audit.ActionUnitRetry, inputs, "requeued", fmt.Sprintf("%s on %s: %v", f.Kind, f.Agent, f.Err))
		return v
	}

	s.logger.Warn("unit failed permanently", "unit", f.UnitID, "agent", f.Agent, "attempt", attempts, "reason", f.Err)
	s.record(audit.ActionUnitGiveUp, inputs, "failed", v.Err.Error())
	return v
}

func (s *Supervisor) record(action string, inputs interface{}, outcome, details string) {
	if s.decisions == nil {
		return
	}
	if _, err := s.decisions.Record(s.sessionID, action, inputs, outcome, details); err != nil {
		s.logger.Error("failed to record decision", "action", action, "error", err)
	}
}
