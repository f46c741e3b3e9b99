package agent

import "errors"

// Sentinel errors for agent operations.
var (
	ErrBusy          = errors.New("agent busy")
	ErrTimeout       = errors.New("unit timed out")
	ErrUnreachable   = errors.New("agent unreachable")
	ErrBadPath       = errors.New("path escapes workspace")
	ErrNoSubBuilder  = errors.New("agent does not run sub-builds")
	ErrDepthExceeded = errors.New("recursion depth exceeded")
	ErrShuttingDown  = errors.New("agent shutting down")
)
