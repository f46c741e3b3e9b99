package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/ninjateam/internal/agent"
	"github.com/fentz26/ninjateam/internal/config"
	"github.com/fentz26/ninjateam/internal/connectors"
	"github.com/fentz26/ninjateam/internal/connectors/localexec"
	"github.com/fentz26/ninjateam/internal/models"
)

// fakeTransport records calls and fails the configured step.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []string
	failStep string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeTransport) record(step string) error {
	f.mu.Lock()
	f.calls = append(f.calls, step)
	f.mu.Unlock()
	if step == f.failStep {
		return errors.New(step + " failed")
	}
	return nil
}

func (f *fakeTransport) Name() string { return "fake" }
func (f *fakeTransport) Ping(ctx context.Context, h models.HostRecord) error {
	return nil
}
func (f *fakeTransport) Mkdir(ctx context.Context, h models.HostRecord, dir string) error {
	n := f.inFlight.Add(1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	f.inFlight.Add(-1)
	return f.record("mkdir")
}
func (f *fakeTransport) Push(ctx context.Context, h models.HostRecord, dir string, files []connectors.File) error {
	return f.record("push")
}
func (f *fakeTransport) Execute(ctx context.Context, h models.HostRecord, cmd connectors.Command) (*connectors.ExecResult, error) {
	step := cmd.Name
	if err := f.record(step); err != nil {
		return nil, err
	}
	return &connectors.ExecResult{Command: cmd.String()}, nil
}
func (f *fakeTransport) Start(ctx context.Context, h models.HostRecord, dir string, cmd connectors.Command) error {
	return f.record("start")
}
func (f *fakeTransport) Stop(ctx context.Context, h models.HostRecord, dir string) error {
	return f.record("stop")
}
func (f *fakeTransport) Close() error { return nil }

type fakeAgents struct {
	down     bool
	version  string
	shutdown atomic.Int32
}

func (f *fakeAgents) Health(ctx context.Context, h models.HostRecord) (*agent.Health, error) {
	if f.down {
		return nil, agent.ErrUnreachable
	}
	v := f.version
	if v == "" {
		v = models.Version
	}
	return &agent.Health{Name: h.Address, Version: v, Cores: 8, MemoryMB: 16384}, nil
}

func (f *fakeAgents) Shutdown(ctx context.Context, h models.HostRecord) error {
	f.shutdown.Add(1)
	if f.down {
		return agent.ErrUnreachable
	}
	return nil
}

func testBundle(t *testing.T) *Bundle {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "ninjateam")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexec sleep 30\n"), 0755))
	b, err := NewBundle(bin, config.Default())
	require.NoError(t, err)
	return b
}

func TestNewBundle(t *testing.T) {
	b := testBundle(t)
	require.Len(t, b.Files, 3)
	assert.Equal(t, BinaryName, b.Files[0].Name)
	assert.Contains(t, string(b.Files[1].Data), `"max_parallel_jobs": "auto"`)
	assert.Contains(t, string(b.Files[2].Data), "set -eu")
	assert.Greater(t, b.Size(), int64(0))

	_, err := NewBundle(filepath.Join(t.TempDir(), "missing"), config.Default())
	assert.Error(t, err)
}

func TestDeploy_Phases(t *testing.T) {
	tr := &fakeTransport{}
	d := New(Options{Transport: tr, WorkDir: "/opt/nt", Agents: &fakeAgents{}})

	sess, err := d.Deploy(context.Background(), models.HostRecord{Address: "w1", Port: 8374}, testBundle(t))
	require.NoError(t, err)
	assert.Equal(t, models.AgentReady, sess.State)
	assert.Equal(t, 8, sess.Cores)
	assert.Equal(t, []string{"mkdir", "push", "sh", "start", "rm"}, tr.calls)
}

func TestDeploy_FailureTaggedWithPhase(t *testing.T) {
	tests := []struct {
		failStep string
		phase    Phase
		cleanup  bool
	}{
		{"mkdir", PhaseDirectoryCreation, false},
		{"push", PhaseTransfer, true},
		{"sh", PhaseSetup, true},
		{"start", PhaseStart, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			tr := &fakeTransport{failStep: tt.failStep}
			d := New(Options{Transport: tr, Agents: &fakeAgents{}})

			_, err := d.Deploy(context.Background(), models.HostRecord{Address: "w1"}, testBundle(t))
			var derr *DeployError
			require.True(t, errors.As(err, &derr), "got %v", err)
			assert.Equal(t, tt.phase, derr.Phase)
			assert.Equal(t, "w1", derr.Host)
			assert.Equal(t, tt.cleanup, tr.calls[len(tr.calls)-1] == "rm")
		})
	}
}

func TestDeploy_AgentNeverReady(t *testing.T) {
	tr := &fakeTransport{}
	d := New(Options{Transport: tr, Agents: &fakeAgents{down: true}, ReadyTimeout: 100 * time.Millisecond})
	d.pollEvery = 10 * time.Millisecond

	_, err := d.Deploy(context.Background(), models.HostRecord{Address: "w1"}, testBundle(t))
	var derr *DeployError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, PhaseStart, derr.Phase)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestDeploy_VersionMismatch(t *testing.T) {
	d := New(Options{Transport: &fakeTransport{}, Agents: &fakeAgents{version: "0.9.0"}})
	_, err := d.Deploy(context.Background(), models.HostRecord{Address: "w1"}, testBundle(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0.9.0")
}

func TestDeployAll_Barrier(t *testing.T) {
	hosts := []models.HostRecord{{Address: "a"}, {Address: "b"}, {Address: "c"}, {Address: "d"}}
	bundle := testBundle(t)

	for _, parallel := range []bool{true, false} {
		tr := &fakeTransport{}
		d := New(Options{Transport: tr, Agents: &fakeAgents{}})

		out := d.DeployAll(context.Background(), hosts, bundle, parallel)
		require.Len(t, out, 4)
		for i, o := range out {
			assert.Equal(t, hosts[i].Address, o.Host.Address)
			assert.NoError(t, o.Err)
			assert.NotNil(t, o.Session)
		}
		if parallel {
			assert.Greater(t, tr.maxSeen.Load(), int32(1))
		} else {
			assert.Equal(t, int32(1), tr.maxSeen.Load())
		}
	}
}

func TestStop_FallsBackToSignal(t *testing.T) {
	tr := &fakeTransport{}
	agents := &fakeAgents{down: true}
	d := New(Options{Transport: tr, Agents: agents})

	require.NoError(t, d.Stop(context.Background(), models.HostRecord{Address: "w1"}))
	assert.Equal(t, int32(1), agents.shutdown.Load())
	assert.Equal(t, []string{"stop"}, tr.calls)
}

func TestDeploy_LocalTransport(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("setup script needs a POSIX shell")
	}
	workDir := t.TempDir()
	d := New(Options{Transport: localexec.NewTransport(), WorkDir: workDir, Agents: &fakeAgents{}})
	host := models.HostRecord{Address: "localhost", Port: models.DefaultPort}
	bundle := testBundle(t)

	_, err := d.Deploy(context.Background(), host, bundle)
	require.NoError(t, err)

	installed, err := os.ReadFile(filepath.Join(workDir, "bin", BinaryName))
	require.NoError(t, err)
	assert.Equal(t, bundle.Files[0].Data, installed)
	assert.FileExists(t, filepath.Join(workDir, ConfigName))
	assert.FileExists(t, filepath.Join(workDir, connectors.PIDFile))

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "staging-"), "staging left behind: %s", e.Name())
	}

	tr := localexec.NewTransport()
	require.NoError(t, tr.Stop(context.Background(), host, workDir))

	// Re-running setup with the same bundle leaves the binary alone.
	_, err = d.Deploy(context.Background(), host, bundle)
	require.NoError(t, err)
	require.NoError(t, tr.Stop(context.Background(), host, workDir))
}
