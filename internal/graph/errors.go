package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateUnit is returned when two units share an ID.
	ErrDuplicateUnit = errors.New("duplicate unit")
	// ErrUnknownDependency is returned when a unit depends on a missing unit.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrUnknownTarget is returned when a requested target is not in the graph.
	ErrUnknownTarget = errors.New("unknown target")
)

// CycleError reports a dependency cycle. Path starts and ends at the same unit.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// ManifestError reports a malformed ninja manifest line.
type ManifestError struct {
	File string
	Line int
	Msg  string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}
