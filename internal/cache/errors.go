package cache

import "errors"

var (
	// ErrOversizedArtifact is returned when an artifact alone exceeds the
	// cache bound. The artifact is not cached; the unit still succeeds.
	ErrOversizedArtifact = errors.New("artifact exceeds cache bound")

	// ErrNotFound is returned by backends for a missing blob.
	ErrNotFound = errors.New("blob not found")

	// ErrCorrupted is returned when an artifact fails checksum validation.
	ErrCorrupted = errors.New("artifact checksum mismatch")

	// ErrDisabled is returned by operations on a disabled cache.
	ErrDisabled = errors.New("cache disabled")
)
