// Package scheduler drives a build graph across a fleet of agents: it keeps
// the unit state machine, dispatches ready units, and routes failures to the
// recovery supervisor.
package scheduler

import (
	"time"

	"github.com/fentz26/ninjateam/internal/config"
	"github.com/fentz26/ninjateam/internal/recovery"
)

// Scheduling algorithms.
const (
	CriticalPath = "critical_path"
	FIFO         = "fifo"
)

// Load balancing policies.
const (
	LeastCompleted = "least_completed"
	RoundRobin     = "round_robin"
)

// Config defines the scheduler configuration.
type Config struct {
	// MaxParallel caps the number of units dispatched at once.
	MaxParallel int
	// UnitTimeout is the allotted time for one unit. Zero disables it.
	UnitTimeout time.Duration
	// HeartbeatInterval is how often agents are health-checked. Zero
	// disables heartbeats.
	HeartbeatInterval time.Duration
	HeartbeatMisses   int

	Algorithm     string
	LoadBalancing string
	TaskStealing  bool

	FailurePolicy string
	// MaxFailedUnits is the number of failed units tolerated before the
	// build aborts under the tolerate policy. Zero means no limit.
	MaxFailedUnits int
	GracePeriod    time.Duration

	RetryAttempts       int
	NodeFailureHandling string

	Recursive bool
	MaxDepth  int
	// FanOut caps the sub-builds in flight at one level.
	FanOut int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxParallel:         4,
		UnitTimeout:         5 * time.Minute,
		HeartbeatInterval:   5 * time.Second,
		HeartbeatMisses:     3,
		Algorithm:           CriticalPath,
		LoadBalancing:       LeastCompleted,
		TaskStealing:        true,
		FailurePolicy:       config.FailFast,
		GracePeriod:         10 * time.Second,
		RetryAttempts:       3,
		NodeFailureHandling: recovery.Redistribute,
		MaxDepth:            3,
		FanOut:              4,
	}
}

// FromTeamConfig maps the team configuration onto scheduler settings.
func FromTeamConfig(cfg *config.Config) Config {
	return Config{
		MaxParallel:         cfg.BuildEngine.MaxParallelJobs.Resolve(),
		UnitTimeout:         cfg.UnitTimeout(),
		HeartbeatInterval:   cfg.HeartbeatEvery(),
		HeartbeatMisses:     cfg.RemoteExecution.HeartbeatMisses,
		Algorithm:           cfg.Distribution.SchedulingAlgorithm,
		LoadBalancing:       cfg.Distribution.LoadBalancing,
		TaskStealing:        cfg.Distribution.TaskStealing,
		FailurePolicy:       cfg.BuildEngine.FailurePolicy,
		MaxFailedUnits:      cfg.BuildEngine.MaxFailedUnits,
		GracePeriod:         cfg.GracePeriod(),
		RetryAttempts:       cfg.RemoteExecution.RetryAttempts,
		NodeFailureHandling: cfg.Recursive.NodeFailureHandling,
		Recursive:           cfg.Recursive.Enabled,
		MaxDepth:            cfg.Recursive.MaxDepth,
		FanOut:              cfg.Recursive.FanOutLimit,
	}
}

// normalize fills zero values with defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxParallel <= 0 {
		c.MaxParallel = def.MaxParallel
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = def.HeartbeatMisses
	}
	if c.Algorithm == "" {
		c.Algorithm = def.Algorithm
	}
	if c.LoadBalancing == "" {
		c.LoadBalancing = def.LoadBalancing
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = def.FailurePolicy
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.NodeFailureHandling == "" {
		c.NodeFailureHandling = def.NodeFailureHandling
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 1
	}
	if c.FanOut <= 0 {
		c.FanOut = def.FanOut
	}
	return c
}

// tolerates reports whether failed failures stay under the abort threshold.
func (c Config) tolerates(failed int) bool {
	if c.FailurePolicy != config.Tolerate {
		return failed == 0
	}
	return c.MaxFailedUnits == 0 || failed <= c.MaxFailedUnits
}
