package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoAgents is returned when no live agent remains to run work.
	ErrNoAgents = errors.New("no agents available")
	// ErrUnschedulable marks a unit no live agent is capable of running.
	ErrUnschedulable = errors.New("no capable agent")
	// ErrCascadingFailure marks a unit blocked by a failed dependency.
	ErrCascadingFailure = errors.New("dependency failed")
	// ErrBuildFailed is returned when failed units exceed the failure policy.
	ErrBuildFailed = errors.New("build failed")
	// ErrAborted is returned when the build is cancelled.
	ErrAborted = errors.New("build aborted")
)

// DispatchTimeout reports a unit that did not finish in its allotted time.
type DispatchTimeout struct {
	Unit  string
	Agent string
	After time.Duration
}

func (e *DispatchTimeout) Error() string {
	return fmt.Sprintf("unit %s timed out on %s after %s", e.Unit, e.Agent, e.After)
}

// AgentCrash reports an agent that failed while running a unit.
type AgentCrash struct {
	Unit  string
	Agent string
	Err   error
}

func (e *AgentCrash) Error() string {
	return fmt.Sprintf("agent %s failed running %s: %v", e.Agent, e.Unit, e.Err)
}

func (e *AgentCrash) Unwrap() error { return e.Err }
