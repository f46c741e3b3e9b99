package scheduler

import (
	"time"

	"github.com/fentz26/ninjateam/internal/models"
)

// UnitFailure describes a permanently failed or blocked unit.
type UnitFailure struct {
	UnitID   string
	Err      error
	Attempts int
}

// AgentStats summarises one agent's share of the build.
type AgentStats struct {
	Name  string
	Units int
	Busy  time.Duration
	State models.AgentState
}

// Result is the outcome of a build.
type Result struct {
	Total     int
	Completed int
	Cached    int
	Failed    int
	Blocked   int
	// Skipped counts units never reached because the build aborted.
	Skipped  int
	Duration time.Duration

	Failures     []UnitFailure
	BlockedUnits []string
	Agents       []AgentStats
	CriticalPath []string

	Slowest     string
	SlowestTime time.Duration
	AvgUnit     time.Duration

	Aborted     bool
	AbortReason string
}

// Succeeded reports whether every unit completed.
func (r *Result) Succeeded() bool {
	return !r.Aborted && r.Failed == 0 && r.Blocked == 0 && r.Skipped == 0
}

// CacheHitRatio is the share of completed units served from the cache.
func (r *Result) CacheHitRatio() float64 {
	if r.Completed == 0 {
		return 0
	}
	return float64(r.Cached) / float64(r.Completed)
}

// FailedUnits returns the IDs of permanently failed units.
func (r *Result) FailedUnits() []string {
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.UnitID)
	}
	return out
}
