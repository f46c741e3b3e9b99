package report

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/ninjateam/internal/cache"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/scheduler"
)

func TestRender_Success(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, Summary{
		SessionID: "sess-1",
		Requested: models.ModeDistributed,
		Mode:      models.ModeDistributed,
		Result: &scheduler.Result{
			Total: 4, Completed: 4, Cached: 1,
			Duration:     3 * time.Second,
			AvgUnit:      500 * time.Millisecond,
			Slowest:      "app",
			SlowestTime:  time.Second,
			CriticalPath: []string{"a.o", "app"},
			Agents: []scheduler.AgentStats{
				{Name: "host-local", Units: 2, Busy: time.Second, State: models.AgentReady},
				{Name: "w1", Units: 1, Busy: 2 * time.Second, State: models.AgentUnreachable},
			},
		},
		Cache: &cache.Stats{Entries: 3, Bytes: 2048, Bound: 10 << 30},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Build summary")
	assert.Contains(t, out, "sess-1")
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "4 total, 4 completed, 1 cached")
	assert.Contains(t, out, "app (1s)")
	assert.Contains(t, out, "25.0%")
	assert.Contains(t, out, "2.0 kB")
	assert.Contains(t, out, "a.o -> app")
	assert.Contains(t, out, "unreachable")
	assert.NotContains(t, out, "Failed units")
	assert.NotContains(t, out, "requested")
}

func TestRender_Triage(t *testing.T) {
	start := time.Now()
	var buf bytes.Buffer
	err := Render(&buf, Summary{
		SessionID: "sess-2",
		Requested: models.ModeDistributed,
		Mode:      models.ModeSingle,
		Result: &scheduler.Result{
			Total: 3, Completed: 1, Failed: 1, Blocked: 1,
			Failures: []scheduler.UnitFailure{
				{UnitID: "b.o", Err: errors.New("command exited with code 1: boom\nmore"), Attempts: 2},
			},
			BlockedUnits: []string{"app"},
			Aborted:      true,
			AbortReason:  "1 unit(s) failed",
		},
		Attempts: []models.Attempt{
			{UnitID: "b.o", Agent: "w2", Number: 2, Outcome: "command", Error: "exit 1", StartedAt: start, EndedAt: start.Add(time.Second)},
			{UnitID: "b.o", Agent: "w1", Number: 1, Outcome: "timeout", StartedAt: start, EndedAt: start.Add(2 * time.Second)},
			{UnitID: "a.o", Agent: "w1", Number: 1, Outcome: "success"},
		},
		Exclusions: []models.Exclusion{{Host: "w3", Reason: "connection refused"}},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "single (requested distributed)")
	assert.Contains(t, out, "aborted")
	assert.Contains(t, out, "b.o (2 attempts)")
	assert.Contains(t, out, "error: command exited with code 1: boom ...")
	assert.Contains(t, out, "#1 on w1 after 2s: timeout")
	assert.Contains(t, out, "#2 on w2 after 1s: command: exit 1")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("#1 on w1")), bytes.Index(buf.Bytes(), []byte("#2 on w2")))
	assert.Contains(t, out, "Blocked by failed dependencies")
	assert.Contains(t, out, "w3")
	assert.Contains(t, out, "connection refused")
	assert.Contains(t, out, "Aborted: 1 unit(s) failed")
}

func TestRender_NilResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, Summary{SessionID: "x", Mode: models.ModeSingle}))
	assert.Contains(t, buf.String(), "0 total")
}
