package tui

import (
	"time"

	"github.com/fentz26/ninjateam/internal/events"
)

// agentRow is one line of the agent panel.
type agentRow struct {
	Name   string
	State  string
	Unit   string
	Units  int
	Since  time.Time
	Reason string
}

// logLine is one entry of the recent-activity panel.
type logLine struct {
	When time.Time
	Kind events.Kind
	Text string
}

// eventMsg carries a build event into the model.
type eventMsg events.Event

// closedMsg reports that the event stream ended.
type closedMsg struct{}
