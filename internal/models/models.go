// Package models defines the core domain types for the ninja build team.
package models

import (
	"sort"
	"strings"
	"time"
)

// DefaultPort is the agent port used when a hosts file line omits one.
const DefaultPort = 8374

// Version is the agent protocol version reported by /v1/health.
const Version = "1.0.0"

// BuildMode selects how the controller distributes work.
type BuildMode string

const (
	ModeSingle      BuildMode = "single"
	ModeDistributed BuildMode = "distributed"
	ModeRecursive   BuildMode = "recursive"
	ModeCloud       BuildMode = "cloud"
)

// ParseBuildMode validates a mode name.
func ParseBuildMode(s string) (BuildMode, bool) {
	switch m := BuildMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSingle, ModeDistributed, ModeRecursive, ModeCloud:
		return m, true
	}
	return "", false
}

// HostRecord is one registered build host. Unique by Address.
type HostRecord struct {
	Address      string   `json:"address"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// IsLoopback reports whether the host refers to this machine.
func (h HostRecord) IsLoopback() bool {
	switch strings.ToLower(h.Address) {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	return strings.HasPrefix(h.Address, "127.")
}

// HasCapabilities reports whether every tag in required is present.
func (h HostRecord) HasCapabilities(required []string) bool {
	for _, r := range required {
		found := false
		for _, c := range h.Capabilities {
			if c == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AgentState is the lifecycle state of an AgentSession.
type AgentState string

const (
	AgentUnregistered AgentState = "unregistered"
	AgentDeploying    AgentState = "deploying"
	AgentConnecting   AgentState = "connecting"
	AgentReady        AgentState = "ready"
	AgentBusy         AgentState = "busy"
	AgentUnreachable  AgentState = "unreachable"
	AgentFailed       AgentState = "failed"
)

// AgentSession tracks one host for the lifetime of a build session.
type AgentSession struct {
	Host          HostRecord `json:"host"`
	Name          string     `json:"name"`
	Order         int        `json:"order"`
	State         AgentState `json:"state"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	ActiveUnitID  string     `json:"active_unit_id,omitempty"`
	// ClaimedUnitID is a unit assigned to this agent that has not started yet.
	ClaimedUnitID string `json:"claimed_unit_id,omitempty"`
	Completed     int    `json:"completed"`
	Cores         int    `json:"cores,omitempty"`
	MemoryMB      int    `json:"memory_mb,omitempty"`
}

// Idle reports whether the agent can accept a unit right now.
func (a *AgentSession) Idle() bool {
	return a.State == AgentReady && a.ActiveUnitID == ""
}

// UnitState is the scheduling state of a BuildUnit.
type UnitState string

const (
	UnitPending    UnitState = "pending"
	UnitReady      UnitState = "ready"
	UnitClaimed    UnitState = "claimed"
	UnitDispatched UnitState = "dispatched"
	UnitCompleted  UnitState = "completed"
	UnitFailed     UnitState = "failed"
	// UnitBlocked marks a unit that can never run because a dependency failed.
	UnitBlocked UnitState = "blocked"
)

// Terminal reports whether no further transitions are possible.
func (s UnitState) Terminal() bool {
	return s == UnitCompleted || s == UnitFailed || s == UnitBlocked
}

// BuildUnit is one compilation or link step. Immutable after graph load.
type BuildUnit struct {
	ID          string   `json:"id"`
	Inputs      []string `json:"inputs"`
	CommandSpec string   `json:"command"`
	Outputs     []string `json:"outputs"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Requires    []string `json:"requires,omitempty"`
	// Depfile is a Makefile-style file the command writes listing the
	// headers it read. Deps is the ninja deps format, "gcc" or "msvc".
	Depfile string `json:"depfile,omitempty"`
	Deps    string `json:"deps,omitempty"`
	// Subgraph is set for units that represent a nested build in recursive mode.
	Subgraph *GraphSpec `json:"subgraph,omitempty"`
}

// IsSubBuild reports whether the unit dispatches a nested build.
func (u *BuildUnit) IsSubBuild() bool {
	return u.Subgraph != nil
}

// IsPhony reports whether the unit only groups other units and runs nothing.
func (u *BuildUnit) IsPhony() bool {
	return u.CommandSpec == "" && u.Subgraph == nil
}

// DiscoversDeps reports whether the unit reads files it does not declare.
func (u *BuildUnit) DiscoversDeps() bool {
	return u.Depfile != "" || u.Deps != ""
}

// Cacheable reports whether every file the unit reads can be named before
// it runs again. Units whose discovered dependencies only appear on stdout
// cannot be fingerprinted.
func (u *BuildUnit) Cacheable() bool {
	if u.IsSubBuild() || u.IsPhony() {
		return false
	}
	return !u.DiscoversDeps() || u.Depfile != ""
}

// GraphSpec is the serialisable form of a build graph.
type GraphSpec struct {
	Units []BuildUnit `json:"units"`
}

// CacheEntry is one content-addressed artifact in the cache index.
type CacheEntry struct {
	Fingerprint  string    `json:"fingerprint"`
	ArtifactPath string    `json:"artifact_path"`
	SizeBytes    int64     `json:"size_bytes"`
	Checksum     string    `json:"checksum"`
	Compression  string    `json:"compression"`
	LastAccess   time.Time `json:"last_access"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is the persisted record of one build session.
type Session struct {
	ID        string     `json:"id"`
	Mode      BuildMode  `json:"mode"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Summary   string     `json:"summary,omitempty"`
}

// Attempt is one dispatch of a unit to an agent.
type Attempt struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UnitID    string    `json:"unit_id"`
	Agent     string    `json:"agent"`
	Number    int       `json:"number"`
	Outcome   string    `json:"outcome"`
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Duration returns how long the attempt ran.
func (a Attempt) Duration() time.Duration {
	if a.EndedAt.IsZero() {
		return 0
	}
	return a.EndedAt.Sub(a.StartedAt)
}

// Exclusion records a host dropped from a session and why.
type Exclusion struct {
	SessionID string    `json:"session_id"`
	Host      string    `json:"host"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// DecisionRecord is an audited policy decision.
type DecisionRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SortedCopy returns a sorted copy of tags.
func SortedCopy(tags []string) []string {
	out := append([]string(nil), tags...)
	sort.Strings(out)
	return out
}
