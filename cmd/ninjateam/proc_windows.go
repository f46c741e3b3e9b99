//go:build windows

package main

import "os"

// interruptSignals stop a build or an agent gracefully.
var interruptSignals = []os.Signal{os.Interrupt}
