package scheduler

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/ninjateam/internal/agent"
	"github.com/fentz26/ninjateam/internal/cache"
	"github.com/fentz26/ninjateam/internal/config"
	"github.com/fentz26/ninjateam/internal/connectors"
	"github.com/fentz26/ninjateam/internal/connectors/localexec"
	"github.com/fentz26/ninjateam/internal/events"
	"github.com/fentz26/ninjateam/internal/graph"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/recovery"
	"github.com/fentz26/ninjateam/internal/store"
)

// journal records the order of unit starts and ends across all fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// fakeExec is a scripted executor. run decides the outcome; by default the
// unit succeeds and its outputs are created in the request directory.
type fakeExec struct {
	name    string
	journal *journal
	run     func(ctx context.Context, req *agent.ExecuteRequest) (*agent.ExecuteResponse, error)
	health  func() error

	mu    sync.Mutex
	units []string
}

func (f *fakeExec) Health(ctx context.Context) (*agent.Health, error) {
	if f.health != nil {
		if err := f.health(); err != nil {
			return nil, err
		}
	}
	return &agent.Health{Name: f.name, Version: models.Version}, nil
}

func (f *fakeExec) Execute(ctx context.Context, req *agent.ExecuteRequest) (*agent.ExecuteResponse, error) {
	f.mu.Lock()
	f.units = append(f.units, req.UnitID)
	f.mu.Unlock()
	if f.journal != nil {
		f.journal.add("start:" + req.UnitID)
		defer f.journal.add("end:" + req.UnitID)
	}
	if f.run != nil {
		return f.run(ctx, req)
	}
	return succeed(req)
}

func (f *fakeExec) SubBuild(ctx context.Context, req *agent.SubBuildRequest) (*agent.SubBuildResponse, error) {
	return nil, agent.ErrNoSubBuilder
}

func (f *fakeExec) Shutdown(ctx context.Context) error { return nil }

func (f *fakeExec) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.units...)
}

func succeed(req *agent.ExecuteRequest) (*agent.ExecuteResponse, error) {
	for _, out := range req.Outputs {
		path := filepath.Join(req.Dir, out)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(req.Command), 0644); err != nil {
			return nil, err
		}
	}
	return &agent.ExecuteResponse{UnitID: req.UnitID}, nil
}

func fleet(fakes ...*fakeExec) []Agent {
	agents := make([]Agent, len(fakes))
	for i, f := range fakes {
		agents[i] = Agent{
			Session: &models.AgentSession{
				Host:  models.HostRecord{Address: f.name, Port: models.DefaultPort},
				Name:  f.name,
				State: models.AgentReady,
			},
			Exec:  f,
			Local: true,
		}
	}
	return agents
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.UnitTimeout = 10 * time.Second
	cfg.GracePeriod = time.Second
	return cfg
}

func mustGraph(t *testing.T, units ...models.BuildUnit) *graph.Graph {
	t.Helper()
	g, err := graph.New(units)
	require.NoError(t, err)
	return g
}

func unit(id string, deps ...string) models.BuildUnit {
	return models.BuildUnit{ID: id, CommandSpec: "build " + id, Outputs: []string{id}, DependsOn: deps, Inputs: deps}
}

func runScheduler(t *testing.T, opts Options) (*Result, error) {
	t.Helper()
	if opts.BuildDir == "" {
		opts.BuildDir = t.TempDir()
	}
	s, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Run(ctx)
}

func TestRun_ChainDispatchesInOrder(t *testing.T) {
	j := &journal{}
	fakes := []*fakeExec{{name: "w1", journal: j}, {name: "w2", journal: j}, {name: "w3", journal: j}}

	res, err := runScheduler(t, Options{
		Graph:  mustGraph(t, unit("C", "B"), unit("A"), unit("B", "A")),
		Agents: fleet(fakes...),
		Config: testConfig(),
	})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 3, res.Completed)
	assert.Equal(t, []string{"start:A", "end:A", "start:B", "end:B", "start:C", "end:C"}, j.list())
	assert.Equal(t, []string{"A", "B", "C"}, res.CriticalPath)
}

func TestRun_RetryBudgetStopsAtThirdAttempt(t *testing.T) {
	crash := func(ctx context.Context, req *agent.ExecuteRequest) (*agent.ExecuteResponse, error) {
		return nil, errors.New("connection reset by peer")
	}
	fakes := []*fakeExec{{name: "w1", run: crash}, {name: "w2", run: crash}, {name: "w3", run: crash}, {name: "w4", run: crash}}

	var lost []string
	cfg := testConfig()
	cfg.RetryAttempts = 3

	res, err := runScheduler(t, Options{
		Graph:       mustGraph(t, unit("obj/a.o")),
		Agents:      fleet(fakes...),
		Config:      cfg,
		OnAgentLost: func(name, reason string) { lost = append(lost, name) },
	})
	require.ErrorIs(t, err, ErrBuildFailed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 3, res.Failures[0].Attempts)
	assert.ErrorIs(t, res.Failures[0].Err, recovery.ErrRetryBudgetExhausted)

	var crashErr *AgentCrash
	assert.ErrorAs(t, res.Failures[0].Err, &crashErr)

	assert.Equal(t, []string{"obj/a.o"}, fakes[0].ran())
	assert.Equal(t, []string{"obj/a.o"}, fakes[1].ran())
	assert.Equal(t, []string{"obj/a.o"}, fakes[2].ran())
	assert.Empty(t, fakes[3].ran(), "no fourth attempt")
	assert.Equal(t, []string{"w1", "w2", "w3"}, lost)

	states := map[string]models.AgentState{}
	for _, a := range res.Agents {
		states[a.Name] = a.State
	}
	assert.Equal(t, models.AgentUnreachable, states["w1"])
	assert.Equal(t, models.AgentReady, states["w4"])
}

func TestRun_CommandFailureRetriesOnAnotherAgent(t *testing.T) {
	var calls int
	var mu sync.Mutex
	flaky := func(ctx context.Context, req *agent.ExecuteRequest) (*agent.ExecuteResponse, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return &agent.ExecuteResponse{UnitID: req.UnitID, ExitCode: 1, Stderr: "internal compiler error"}, nil
		}
		return succeed(req)
	}
	fakes := []*fakeExec{{name: "w1", run: flaky}, {name: "w2", run: flaky}}

	res, err := runScheduler(t, Options{
		Graph:  mustGraph(t, unit("a")),
		Agents: fleet(fakes...),
		Config: testConfig(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, []string{"a"}, fakes[0].ran())
	assert.Equal(t, []string{"a"}, fakes[1].ran())
	for _, a := range res.Agents {
		assert.NotEqual(t, models.AgentUnreachable, a.State, "command failures do not exclude agents")
	}
}

func TestRun_CascadeBlocksDependents(t *testing.T) {
	fail := func(ctx context.Context, req *agent.ExecuteRequest) (*agent.ExecuteResponse, error) {
		if req.UnitID == "a" {
			return &agent.ExecuteResponse{UnitID: req.UnitID, ExitCode: 2, Stderr: "syntax error"}, nil
		}
		return succeed(req)
	}
	w1 := &fakeExec{name: "w1", run: fail}

	cfg := testConfig()
	cfg.FailurePolicy = config.Tolerate
	cfg.RetryAttempts = 1

	sink := events.NewChanSink(64)
	res, err := runScheduler(t, Options{
		Graph:  mustGraph(t, unit("a"), unit("b", "a"), unit("c"), unit("d", "b")),
		Agents: fleet(w1),
		Config: cfg,
		Events: sink,
	})
	require.NoError(t, err, "tolerated failures do not fail the build")
	assert.False(t, res.Succeeded())
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Blocked)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, []string{"b", "d"}, res.BlockedUnits)
	assert.ElementsMatch(t, []string{"a", "c"}, w1.ran())
	assert.Contains(t, res.Failures[0].Err.Error(), "syntax error")

	sink.Close()
	var blocked int
	for e := range sink.Events() {
		if e.Kind == events.UnitBlocked {
			blocked++
		}
	}
	assert.Equal(t, 2, blocked)
}

func TestRun_ToleratedFailuresOverLimitAbort(t *testing.T) {
	fail := func(ctx context.Context, req *agent.ExecuteRequest) (*agent.ExecuteResponse, error) {
		return &agent.ExecuteResponse{UnitID: req.UnitID, ExitCode: 1}, nil
	}
	cfg := testConfig()
	cfg.FailurePolicy = config.Tolerate
	cfg.MaxFailedUnits = 1
	cfg.RetryAttempts = 1
	cfg.MaxParallel = 1

	res, err := runScheduler(t, Options{
		Graph:  mustGraph(t, unit("a"), unit("b"), unit("c")),
		Agents: fleet(&fakeExec{name: "w1", run: fail}),
		Config: cfg,
	})
	require.ErrorIs(t, err, ErrBuildFailed)
	assert.True(t, res.Aborted)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, res.Skipped)
}

func TestRun_CacheHitSkipsDispatch(t *testing.T) {
	buildDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "in.c"), []byte("int main;"), 0644))

	st, err := store.New(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer st.Close()
	mgr, err := cache.Open(cache.Options{Dir: filepath.Join(t.TempDir(), "cache"), MaxBytes: 1 << 20, Store: st})
	require.NoError(t, err)

	g := mustGraph(t, models.BuildUnit{ID: "out.o", CommandSpec: "cc -c in.c", Inputs: []string{"in.c"}, Outputs: []string{"out.o"}})
	build := func(f *fakeExec) *Result {
		fps, err := cache.NewFingerprinter(buildDir, 0)
		require.NoError(t, err)
		res, err := runScheduler(t, Options{
			Graph:        g,
			Agents:       fleet(f),
			Config:       testConfig(),
			Cache:        mgr,
			Fingerprints: fps,
			BuildDir:     buildDir,
		})
		require.NoError(t, err)
		return res
	}

	first := &fakeExec{name: "w1"}
	res := build(first)
	assert.Equal(t, 0, res.Cached)
	assert.Equal(t, []string{"out.o"}, first.ran())

	require.NoError(t, os.Remove(filepath.Join(buildDir, "out.o")))

	second := &fakeExec{name: "w1"}
	res = build(second)
	assert.Equal(t, 1, res.Cached)
	assert.Empty(t, second.ran(), "cache hit must not consume an agent")
	data, err := os.ReadFile(filepath.Join(buildDir, "out.o"))
	require.NoError(t, err)
	assert.Equal(t, "cc -c in.c", string(data))
}

func TestRun_HeaderEditMissesCache(t *testing.T) {
	buildDir := t.TempDir()
	write := func(name, data string) {
		require.NoError(t, os.WriteFile(filepath.Join(buildDir, name), []byte(data), 0644))
	}
	write("foo.cpp", `#include "foo.h"`)
	write("foo.h", "int x;")

	st, err := store.New(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer st.Close()
	mgr, err := cache.Open(cache.Options{Dir: filepath.Join(t.TempDir(), "cache"), MaxBytes: 1 << 20, Store: st})
	require.NoError(t, err)

	g := mustGraph(t, models.BuildUnit{
		ID:          "foo.o",
		CommandSpec: "c++ -MD -MF foo.o.d -c foo.cpp -o foo.o",
		Inputs:      []string{"foo.cpp"},
		Outputs:     []string{"foo.o"},
		Depfile:     "foo.o.d",
		Deps:        "gcc",
	})
	// The object carries the header text so a stale restore is visible.
	compile := func(ctx context.Context, req *agent.ExecuteRequest) (*agent.ExecuteResponse, error) {
		header, err := os.ReadFile(filepath.Join(req.Dir, "foo.h"))
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(req.Dir, "foo.o"), header, 0644); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(req.Dir, "foo.o.d"), []byte("foo.o: foo.cpp \\\n  foo.h\n"), 0644); err != nil {
			return nil, err
		}
		return &agent.ExecuteResponse{UnitID: req.UnitID}, nil
	}
	build := func() (*fakeExec, *Result) {
		f := &fakeExec{name: "w1", run: compile}
		fps, err := cache.NewFingerprinter(buildDir, 0)
		require.NoError(t, err)
		res, err := runScheduler(t, Options{
			Graph:        g,
			Agents:       fleet(f),
			Config:       testConfig(),
			Cache:        mgr,
			Fingerprints: fps,
			BuildDir:     buildDir,
		})
		require.NoError(t, err)
		return f, res
	}
	object := func() string {
		data, err := os.ReadFile(filepath.Join(buildDir, "foo.o"))
		require.NoError(t, err)
		return string(data)
	}

	f, res := build()
	assert.Equal(t, []string{"foo.o"}, f.ran())
	assert.Equal(t, 0, res.Cached)

	require.NoError(t, os.Remove(filepath.Join(buildDir, "foo.o")))
	f, res = build()
	assert.Empty(t, f.ran())
	assert.Equal(t, 1, res.Cached)
	assert.Equal(t, "int x;", object())

	write("foo.h", "int x, y;")
	f, res = build()
	assert.Equal(t, []string{"foo.o"}, f.ran(), "a header edit must rebuild")
	assert.Equal(t, 0, res.Cached)
	assert.Equal(t, "int x, y;", object())
}

func TestRun_IdleAgentStealsClaimedUnit(t *testing.T) {
	slow := &fakeExec{name: "slow", run: func(ctx context.Context, req *agent.ExecuteRequest) (*agent.ExecuteResponse, error) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return succeed(req)
	}}
	fast := &fakeExec{name: "fast"}

	sink := events.NewChanSink(64)
	res, err := runScheduler(t, Options{
		Graph:  mustGraph(t, unit("u1"), unit("u2"), unit("u3")),
		Agents: fleet(slow, fast),
		Config: testConfig(),
		Events: sink,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Completed)
	assert.Equal(t, []string{"u1"}, slow.ran())
	assert.Equal(t, []string{"u2", "u3"}, fast.ran())

	sink.Close()
	var stolen []events.Event
	for e := range sink.Events() {
		if e.Kind == events.UnitStolen {
			stolen = append(stolen, e)
		}
	}
	require.Len(t, stolen, 1)
	assert.Equal(t, "u3", stolen[0].Unit)
	assert.Equal(t, "fast", stolen[0].Agent)
	assert.Equal(t, "slow", stolen[0].Details["from"])
}

func TestRun_NoStealingWaitsForClaimedAgent(t *testing.T) {
	cfg := testConfig()
	cfg.TaskStealing = false
	cfg.MaxParallel = 1

	w1 := &fakeExec{name: "w1"}
	w2 := &fakeExec{name: "w2"}
	res, err := runScheduler(t, Options{
		Graph:  mustGraph(t, unit("u1"), unit("u2")),
		Agents: fleet(w1, w2),
		Config: cfg,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
	assert.Len(t, append(w1.ran(), w2.ran()...), 2)
}

func TestRun_HeartbeatLossRequeuesUnit(t *testing.T) {
	dead := &fakeExec{
		name:   "dead",
		health: func() error { return errors.New("connection refused") },
		run: func(ctx context.Context, req *agent.ExecuteRequest) (*agent.ExecuteResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	alive := &fakeExec{name: "alive"}

	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatMisses = 2
	cfg.MaxParallel = 1

	var lost []string
	res, err := runScheduler(t, Options{
		Graph:       mustGraph(t, unit("u")),
		Agents:      fleet(dead, alive),
		Config:      cfg,
		OnAgentLost: func(name, reason string) { lost = append(lost, name) },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, []string{"u"}, dead.ran())
	assert.Equal(t, []string{"u"}, alive.ran())
	assert.Equal(t, []string{"dead"}, lost)
}

func TestRun_UnschedulableUnit(t *testing.T) {
	u := unit("cuda.o")
	u.Requires = []string{"gpu"}

	res, err := runScheduler(t, Options{
		Graph:  mustGraph(t, u),
		Agents: fleet(&fakeExec{name: "w1"}),
		Config: testConfig(),
	})
	require.ErrorIs(t, err, ErrBuildFailed)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, ErrUnschedulable)
}

func TestRun_CapabilityRouting(t *testing.T) {
	u := unit("cuda.o")
	u.Requires = []string{"gpu"}

	cpu := &fakeExec{name: "cpu"}
	gpu := &fakeExec{name: "gpu"}
	agents := fleet(cpu, gpu)
	agents[1].Session.Host.Capabilities = []string{"gpu"}

	_, err := runScheduler(t, Options{
		Graph:  mustGraph(t, u, unit("main.o")),
		Agents: agents,
		Config: testConfig(),
	})
	require.NoError(t, err)
	assert.Contains(t, gpu.ran(), "cuda.o")
	assert.NotContains(t, cpu.ran(), "cuda.o")
}

func TestRun_LosingEveryAgentAborts(t *testing.T) {
	crash := func(ctx context.Context, req *agent.ExecuteRequest) (*agent.ExecuteResponse, error) {
		return nil, errors.New("broken pipe")
	}
	cfg := testConfig()
	cfg.RetryAttempts = 5

	res, err := runScheduler(t, Options{
		Graph:  mustGraph(t, unit("a")),
		Agents: fleet(&fakeExec{name: "w1", run: crash}, &fakeExec{name: "w2", run: crash}),
		Config: cfg,
	})
	require.ErrorIs(t, err, ErrNoAgents)
	assert.Equal(t, 1, res.Skipped)
}

func TestRun_CancelHonoursGracePeriod(t *testing.T) {
	started := make(chan struct{})
	hang := &fakeExec{name: "w1", run: func(ctx context.Context, req *agent.ExecuteRequest) (*agent.ExecuteResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := testConfig()
	cfg.GracePeriod = 50 * time.Millisecond

	s, err := New(Options{Graph: mustGraph(t, unit("a")), Agents: fleet(hang), Config: cfg, BuildDir: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	begin := time.Now()
	res, err := s.Run(ctx)
	require.ErrorIs(t, err, ErrAborted)
	assert.True(t, res.Aborted)
	assert.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond)
}

func TestRun_PhonyUnitsCompleteWithoutDispatch(t *testing.T) {
	w1 := &fakeExec{name: "w1"}
	res, err := runScheduler(t, Options{
		Graph:  mustGraph(t, unit("a"), models.BuildUnit{ID: "all", DependsOn: []string{"a"}}),
		Agents: fleet(w1),
		Config: testConfig(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, []string{"a"}, w1.ran())
}

func TestRun_RemoteAgentShipsFiles(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	buildDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "msg.txt"), []byte("hello"), 0644))

	worker := agent.NewWorker(agent.WorkerOptions{
		Connector: localexec.New("", nil),
		Workspace: t.TempDir(),
		Info:      agent.HostInfo{Name: "remote"},
	})
	agents := []Agent{{
		Session: &models.AgentSession{Host: models.HostRecord{Address: "remote"}, Name: "remote", State: models.AgentReady},
		Exec:    worker,
	}}

	res, err := runScheduler(t, Options{
		Graph: mustGraph(t, models.BuildUnit{
			ID:          "out.txt",
			CommandSpec: "tr a-z A-Z < msg.txt > out.txt",
			Inputs:      []string{"msg.txt"},
			Outputs:     []string{"out.txt"},
		}),
		Agents:   agents,
		Config:   testConfig(),
		BuildDir: buildDir,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	data, err := os.ReadFile(filepath.Join(buildDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(data))
}

func TestRun_RecursiveSubBuild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	buildDir := t.TempDir()
	cfg := testConfig()
	cfg.Recursive = true
	cfg.MaxDepth = 2

	conn := localexec.New("", nil)
	worker := agent.NewWorker(agent.WorkerOptions{Connector: conn, Info: agent.HostInfo{Name: "local"}})
	worker.SetSubBuilder(NewSubBuilder("local-sub", conn, cfg, nil, nil))
	agents := []Agent{{
		Session: &models.AgentSession{Host: models.HostRecord{Address: "localhost"}, Name: "local", State: models.AgentReady},
		Exec:    worker,
		Local:   true,
	}}

	g := mustGraph(t,
		models.BuildUnit{
			ID:      "lib",
			Outputs: []string{"lib.txt"},
			Subgraph: &models.GraphSpec{Units: []models.BuildUnit{
				{ID: "part", CommandSpec: "echo part > part.txt", Outputs: []string{"part.txt"}},
				{ID: "lib", CommandSpec: "cat part.txt > lib.txt", Inputs: []string{"part.txt"}, Outputs: []string{"lib.txt"}, DependsOn: []string{"part"}},
			}},
		},
		models.BuildUnit{ID: "app", CommandSpec: "cp lib.txt app.txt", Inputs: []string{"lib.txt"}, Outputs: []string{"app.txt"}, DependsOn: []string{"lib"}},
	)

	res, err := runScheduler(t, Options{Graph: g, Agents: agents, Config: cfg, BuildDir: buildDir})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed, "the sub-build reports as one unit")

	data, err := os.ReadFile(filepath.Join(buildDir, "app.txt"))
	require.NoError(t, err)
	assert.Equal(t, "part\n", string(data))
}

// countingConn counts the commands a worker runs.
type countingConn struct {
	connectors.Connector
	n atomic.Int64
}

func (c *countingConn) Execute(ctx context.Context, cmd connectors.Command) (*connectors.ExecResult, error) {
	c.n.Add(1)
	return c.Connector.Execute(ctx, cmd)
}

func TestRun_SubBuildSpreadsOverPeers(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	buildDir := t.TempDir()
	cfg := testConfig()
	cfg.Recursive = true
	cfg.MaxDepth = 2

	peerConn := &countingConn{Connector: localexec.New("", nil)}
	peerWorker := agent.NewWorker(agent.WorkerOptions{
		Connector: peerConn,
		Workspace: t.TempDir(),
		Info:      agent.HostInfo{Name: "peer"},
	})
	srv := httptest.NewServer(agent.NewServer(peerWorker, "", nil, nil).Handler())
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portText, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	localConn := &countingConn{Connector: localexec.New("", nil)}
	local := agent.NewWorker(agent.WorkerOptions{Connector: localConn, Info: agent.HostInfo{Name: "local"}})
	local.SetSubBuilder(NewSubBuilder("local-sub", localConn, cfg, nil, nil))

	agents := []Agent{
		{
			Session: &models.AgentSession{Host: models.HostRecord{Address: "localhost"}, Name: "local", State: models.AgentReady},
			Exec:    local,
			Local:   true,
		},
		{
			Session: &models.AgentSession{Host: models.HostRecord{Address: host, Port: port}, Name: "peer", State: models.AgentReady},
			Exec:    agent.NewClientURL(srv.URL),
		},
	}

	g := mustGraph(t, models.BuildUnit{
		ID:      "lib",
		Outputs: []string{"lib.txt"},
		Subgraph: &models.GraphSpec{Units: []models.BuildUnit{
			{ID: "one", CommandSpec: "echo one > one.txt", Outputs: []string{"one.txt"}},
			{ID: "two", CommandSpec: "echo two > two.txt", Outputs: []string{"two.txt"}},
			{ID: "link", CommandSpec: "cat one.txt two.txt > lib.txt", Inputs: []string{"one.txt", "two.txt"}, Outputs: []string{"lib.txt"}, DependsOn: []string{"one", "two"}},
		}},
	})

	res, err := runScheduler(t, Options{Graph: g, Agents: agents, Config: cfg, BuildDir: buildDir})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Positive(t, localConn.n.Load(), "the target agent runs part of the sub-build")
	assert.Positive(t, peerConn.n.Load(), "the lent peer runs part of the sub-build")

	data, err := os.ReadFile(filepath.Join(buildDir, "lib.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))

	for _, a := range res.Agents {
		assert.Equal(t, models.AgentReady, a.State, "agent %s returned after the sub-build", a.Name)
	}
}

func TestNew_FlattensWithoutRecursion(t *testing.T) {
	g := mustGraph(t, models.BuildUnit{
		ID: "lib",
		Subgraph: &models.GraphSpec{Units: []models.BuildUnit{
			{ID: "x", CommandSpec: "true"},
		}},
	})
	s, err := New(Options{Graph: g, Agents: fleet(&fakeExec{name: "w1"}), Config: testConfig()})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Graph().Len())
	assert.NotNil(t, s.Graph().Unit("lib"+graph.SubgraphSeparator+"x"))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Graph: mustGraph(t, unit("a"))})
	assert.ErrorIs(t, err, ErrNoAgents)

	_, err = New(Options{Graph: mustGraph(t, unit("a")), Agents: fleet(&fakeExec{name: "w"}, &fakeExec{name: "w"})})
	assert.Error(t, err)
}

func TestProgressTracker(t *testing.T) {
	start := time.Now()
	p := progressTracker{total: 40, start: start}

	ok, _ := p.update(0, start)
	assert.False(t, ok)

	ok, eta := p.update(1, start.Add(time.Second))
	assert.True(t, ok, "first completion is always reported")
	assert.Equal(t, 39*time.Second, eta.Round(time.Second))

	ok, _ = p.update(2, start.Add(2*time.Second))
	assert.False(t, ok, "5% is 2 units; 2.5% is not enough")

	ok, _ = p.update(3, start.Add(3*time.Second))
	assert.True(t, ok)

	ok, eta = p.update(40, start.Add(40*time.Second))
	assert.True(t, ok)
	assert.Zero(t, eta)
}

func TestFromTeamConfig(t *testing.T) {
	tc := config.Default()
	tc.BuildEngine.MaxParallelJobs = config.JobLimit{Value: 6}
	tc.Recursive.Enabled = true

	cfg := FromTeamConfig(tc)
	assert.Equal(t, 6, cfg.MaxParallel)
	assert.Equal(t, 300*time.Second, cfg.UnitTimeout)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, CriticalPath, cfg.Algorithm)
	assert.True(t, cfg.Recursive)
	assert.Equal(t, 4, cfg.FanOut)
}

func TestConfig_Tolerates(t *testing.T) {
	c := Config{FailurePolicy: config.FailFast}
	assert.True(t, c.tolerates(0))
	assert.False(t, c.tolerates(1))

	c = Config{FailurePolicy: config.Tolerate}
	assert.True(t, c.tolerates(10))

	c.MaxFailedUnits = 2
	assert.True(t, c.tolerates(2))
	assert.False(t, c.tolerates(3))
}
