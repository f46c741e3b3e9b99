package scheduler

import (
	"context"
	"time"

	"github.com/fentz26/ninjateam/internal/agent"
	"github.com/fentz26/ninjateam/internal/graph"
	"github.com/fentz26/ninjateam/internal/models"
)

// Agent is one member of the fleet as the scheduler sees it.
type Agent struct {
	Session *models.AgentSession
	Exec    agent.Executor
	// Local agents share the controller's build directory; no files are
	// shipped to or from them.
	Local bool
}

type agentSlot struct {
	Agent
	name string

	claim string
	// lentTo is the sub-build unit this agent is lent to as a peer.
	lentTo    string
	busySince time.Time
	busy      time.Duration
	cancel    context.CancelFunc

	misses  int
	probing bool
}

func (a *agentSlot) live() bool {
	return a.Session.State != models.AgentUnreachable && a.Session.State != models.AgentFailed
}

func (a *agentSlot) idle() bool {
	return a.live() && a.Session.ActiveUnitID == ""
}

func (a *agentSlot) capable(u *models.BuildUnit) bool {
	return a.Session.Host.HasCapabilities(u.Requires)
}

type unitState struct {
	unit     *models.BuildUnit
	state    models.UnitState
	priority graph.Priority
	pending  int
	readySeq uint64

	agent        string
	token        uint64
	started      time.Time
	fingerprint  string
	cacheChecked bool
	// lent are the peers handed to a running sub-build.
	lent []*agentSlot
}

func (u *unitState) id() string { return u.unit.ID }
