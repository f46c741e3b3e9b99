//go:build !windows

package main

import (
	"os"
	"syscall"
)

// interruptSignals stop a build or an agent gracefully.
var interruptSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
