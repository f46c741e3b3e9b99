package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/ninjateam/internal/agent"
	"github.com/fentz26/ninjateam/internal/config"
	"github.com/fentz26/ninjateam/internal/connectors"
	"github.com/fentz26/ninjateam/internal/connectors/localexec"
	"github.com/fentz26/ninjateam/internal/graph"
	"github.com/fentz26/ninjateam/internal/logging"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/store"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, exitUsage, exitCode(usageError(errors.New("bad flag"))))

	wrapped := &exitError{code: exitInterrupted, err: errors.New("build interrupted")}
	assert.Equal(t, exitInterrupted, exitCode(wrapped))
	assert.Equal(t, "build interrupted", wrapped.Error())
}

func TestModeValue(t *testing.T) {
	var m modeValue
	require.NoError(t, m.Set("Recursive"))
	assert.Equal(t, models.ModeRecursive, m.mode)
	assert.Equal(t, "recursive", m.String())
	assert.Equal(t, "mode", m.Type())

	err := m.Set("swarm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Equal(t, models.ModeRecursive, m.mode)
}

func TestRootFlagErrorsAreUsageErrors(t *testing.T) {
	rootCmd.SetArgs([]string{"build", "--mode", "swarm"})
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestNewTransport(t *testing.T) {
	cfg := config.Default()
	for protocol, want := range map[string]string{"": "ssh", "ssh": "ssh", "local": "local", "container": "container"} {
		tr, err := newTransport(cfg, protocol, logging.Discard())
		require.NoError(t, err, protocol)
		assert.Equal(t, want, tr.Name())
		tr.Close()
	}

	_, err := newTransport(cfg, "carrier-pigeon", logging.Discard())
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestProtocolFor(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "ssh", protocolFor(cfg, models.ModeDistributed))
	assert.Equal(t, "container", protocolFor(cfg, models.ModeCloud))
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte("# team\nw1 9000\nw2\nw3\n"), 0644))

	cfg := config.Default()
	cfg.MaxAgents = 3
	reg, err := loadRegistry(path, cfg, logging.Discard())
	require.NoError(t, err)

	var addrs []string
	for _, h := range reg.Hosts() {
		addrs = append(addrs, h.Address)
	}
	assert.Equal(t, []string{"localhost", "w1", "w2"}, addrs)
}

func TestLoadRegistry_ParseErrorIsUsage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte("w1 99999\n"), 0644))

	_, err := loadRegistry(path, config.Default(), logging.Discard())
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestLoadConfig_ParseErrorIsUsage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "team.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"build_engine": {"failure_policy": "sometimes"}}`), 0644))

	_, err := loadConfig(path)
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestApplyBuildFlags(t *testing.T) {
	defer func() {
		buildMode = modeValue{mode: models.ModeDistributed}
		buildDepth, buildJobs = 0, 0
	}()

	require.NoError(t, buildCmd.Flags().Set("recursive-depth", "2"))
	require.NoError(t, buildCmd.Flags().Set("jobs", "7"))
	cfg := config.Default()
	applyBuildFlags(buildCmd, cfg)

	assert.Equal(t, 2, cfg.Recursive.MaxDepth)
	assert.True(t, cfg.Recursive.Enabled)
	assert.Equal(t, 7, cfg.BuildEngine.MaxParallelJobs.Resolve())

	buildMode = modeValue{mode: models.ModeRecursive}
	cfg = config.Default()
	applyBuildFlags(buildCmd, cfg)
	assert.True(t, cfg.Recursive.Enabled)
}

func TestCleanOutputs(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "keep.o")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.o"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))

	g, err := graph.New([]models.BuildUnit{
		{ID: "a.o", CommandSpec: "cc -c a.c", Outputs: []string{"a.o"}},
		{ID: "b.o", CommandSpec: "cc -c b.c", Outputs: []string{"b.o"}},
		{ID: "keep", CommandSpec: "cp", Outputs: []string{outside}},
	})
	require.NoError(t, err)

	cleanOutputs(dir, g, logging.Discard())

	_, err = os.Stat(filepath.Join(dir, "a.o"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(outside)
	assert.NoError(t, err)
}

func TestPrintGraph(t *testing.T) {
	g, err := graph.New([]models.BuildUnit{
		{ID: "a.o", CommandSpec: "cc -c a.c", Outputs: []string{"a.o"}},
		{ID: "b.o", CommandSpec: "cc -c b.c", Outputs: []string{"b.o"}, Requires: []string{"gpu"}},
		{ID: "app", CommandSpec: "cc -o app a.o b.o", Outputs: []string{"app"}, DependsOn: []string{"a.o", "b.o"}},
		{ID: "all", DependsOn: []string{"app"}},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	printGraph(&buf, g)
	out := buf.String()

	assert.Contains(t, out, "4 units")
	assert.Contains(t, out, "requires gpu")
	assert.Contains(t, out, "phony")
	assert.Contains(t, out, "critical path (3): a.o -> app -> all")
	assert.Less(t, strings.Index(out, "a.o "), strings.Index(out, "all "))
}

func TestHistory(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	_, err = st.CreateSession("0123456789abcdef", models.ModeDistributed)
	require.NoError(t, err)
	require.NoError(t, st.RecordExclusion("0123456789abcdef", "w3", "connection refused"))
	now := time.Now()
	require.NoError(t, st.RecordAttempt(&models.Attempt{
		SessionID: "0123456789abcdef", UnitID: "a.o", Agent: "w1", Number: 1,
		Outcome: "timeout", Error: "dispatch timed out", StartedAt: now, EndedAt: now.Add(time.Second),
	}))
	require.NoError(t, st.FinishSession("0123456789abcdef", "failed", "0/1 units"))

	sessions, err := st.ListSessions(10)
	require.NoError(t, err)
	var list bytes.Buffer
	printSessions(&list, sessions, time.Now())
	assert.Contains(t, list.String(), "01234567")
	assert.Contains(t, list.String(), "failed")

	var detail bytes.Buffer
	require.NoError(t, showSession(&detail, st, "01234567"))
	out := detail.String()
	assert.Contains(t, out, "Session:  0123456789abcdef")
	assert.Contains(t, out, "w3")
	assert.Contains(t, out, "connection refused")
	assert.Contains(t, out, "dispatch timed out")

	err = showSession(&detail, st, "zzz")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestEnableCompilerCache(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	bin := t.TempDir()
	argsFile := filepath.Join(t.TempDir(), "args")
	script := "#!/bin/sh\necho \"$CCACHE_DIR $*\" > " + argsFile + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "ccache"), []byte(script), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	base := t.TempDir()
	cfg := config.Default()
	cfg.Cache.MaxSizeGB = 4
	conn := localexec.New(base, nil)
	info := agent.HostInfo{Tools: map[string]string{"ccache": "ccache 4.9"}}
	enableCompilerCache(context.Background(), cfg, base, info, conn, logging.Discard())

	ccacheDir := filepath.Join(base, cfg.Cache.Dir, "ccache")
	assert.DirExists(t, ccacheDir)
	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, ccacheDir+" -M 4G", strings.TrimSpace(string(data)))

	res, err := conn.Execute(context.Background(), connectors.Shell(`echo "$CC/$CXX"`, ""))
	require.NoError(t, err)
	assert.Equal(t, "ccache gcc/ccache g++", strings.TrimSpace(res.Stdout))
}

func TestEnableCompilerCache_MissingTool(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	base := t.TempDir()
	conn := localexec.New(base, nil)
	enableCompilerCache(context.Background(), config.Default(), base, agent.HostInfo{Tools: map[string]string{}}, conn, logging.Discard())

	res, err := conn.Execute(context.Background(), connectors.Shell(`echo "[$CC]"`, ""))
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(res.Stdout))
}
