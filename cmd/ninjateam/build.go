package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fentz26/ninjateam/internal/agent"
	"github.com/fentz26/ninjateam/internal/audit"
	"github.com/fentz26/ninjateam/internal/cache"
	"github.com/fentz26/ninjateam/internal/config"
	"github.com/fentz26/ninjateam/internal/connectors"
	"github.com/fentz26/ninjateam/internal/connectors/localexec"
	"github.com/fentz26/ninjateam/internal/deploy"
	"github.com/fentz26/ninjateam/internal/events"
	"github.com/fentz26/ninjateam/internal/graph"
	"github.com/fentz26/ninjateam/internal/hosts"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/observability"
	"github.com/fentz26/ninjateam/internal/probe"
	"github.com/fentz26/ninjateam/internal/recovery"
	"github.com/fentz26/ninjateam/internal/report"
	"github.com/fentz26/ninjateam/internal/scheduler"
	"github.com/fentz26/ninjateam/internal/session"
	"github.com/fentz26/ninjateam/internal/store"
	"github.com/fentz26/ninjateam/internal/tui"
)

var buildCmd = &cobra.Command{
	Use:   "build [targets...]",
	Short: "Run a build across the team",
	Long: `Loads the build graph, brings up agents on every reachable host, and
dispatches units until the graph completes. Exit status is 0 on success,
including partial success tolerated by build_engine.failure_policy, 1 on
build failure, 2 on bad input and 130 when interrupted.`,
	RunE: runBuild,
}

var (
	buildMode      = modeValue{mode: models.ModeDistributed}
	buildHosts     string
	buildConfig    string
	buildGraph     string
	buildDir       string
	buildDepth     int
	buildJobs      int
	buildTargets   []string
	buildClean     bool
	buildTUI       bool
	buildSessionID string
)

func init() {
	f := buildCmd.Flags()
	f.Var(&buildMode, "mode", "Build mode (single, distributed, recursive, cloud)")
	f.StringVar(&buildHosts, "hosts", "", "Hosts file, one `address [port] [caps]` per line")
	f.StringVar(&buildConfig, "config", "", "Team configuration file (JSON or YAML)")
	f.StringVar(&buildGraph, "graph", "", "Build graph: a ninja manifest or a .json graph (default <build-dir>/build.ninja)")
	f.StringVar(&buildDir, "build-dir", "", "Build directory (default build_engine.build_dir)")
	f.IntVar(&buildDepth, "recursive-depth", 0, "Maximum sub-build nesting depth")
	f.IntVarP(&buildJobs, "jobs", "j", 0, "Maximum concurrent units (default build_engine.max_parallel_jobs)")
	f.StringSliceVar(&buildTargets, "targets", nil, "Build only these targets and their dependencies")
	f.BoolVar(&buildClean, "clean", false, "Remove the graph's outputs before building")
	f.BoolVar(&buildTUI, "tui", false, "Show live progress when attached to a terminal")
	f.StringVar(&buildSessionID, "session-id", "", "Session ID (generated when empty)")
}

// buildEnv is everything one build owns.
type buildEnv struct {
	cfg      *config.Config
	mode     models.BuildMode
	dir      string
	graph    *graph.Graph
	registry *hosts.Registry
	store    *store.Store
	metrics  *observability.Metrics
	sink     *events.Multi
	logger   *slog.Logger
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(buildConfig)
	if err != nil {
		return err
	}
	applyBuildFlags(cmd, cfg)

	dir := cfg.BuildEngine.BuildDir
	if buildDir != "" {
		dir = buildDir
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return usageError(fmt.Errorf("resolve build directory: %w", err))
	}

	// The progress view owns the terminal; logs go to a file next to the
	// session database while it runs.
	useTUI := buildTUI && tui.IsTerminal(os.Stdout)
	logOut := io.Writer(os.Stderr)
	if useTUI {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(filepath.Dir(dbPath), "build.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open build log: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := newLogger(logOut, "controller")
	defer initTracing(logger)()

	targets := append(append([]string(nil), buildTargets...), args...)
	graphPath := buildGraph
	if graphPath == "" {
		graphPath = filepath.Join(dir, "build.ninja")
	}
	g, err := graph.Load(graphPath, targets)
	if err != nil {
		return usageError(fmt.Errorf("load build graph: %w", err))
	}
	if buildClean {
		cleanOutputs(dir, g, logger)
	}

	reg, err := loadRegistry(buildHosts, cfg, logger)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	metrics := observability.NewMetrics()
	sink, closeSink := newEventSink(cfg, metrics, logger)
	defer closeSink()

	env := &buildEnv{
		cfg:      cfg,
		mode:     buildMode.mode,
		dir:      dir,
		graph:    g,
		registry: reg,
		store:    st,
		metrics:  metrics,
		sink:     sink,
		logger:   logger,
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), interruptSignals...)
	defer stopSignals()
	ctx, interrupt := context.WithCancel(sigCtx)
	defer interrupt()

	if !useTUI {
		return env.run(ctx, os.Stdout)
	}

	ch := events.NewChanSink(256)
	sink.Add(ch)
	monitorDone := make(chan error, 1)
	go func() {
		monitorDone <- tui.NewMonitor(ch.Events(), interrupt).Run(context.Background(), os.Stdout)
	}()
	var out bytes.Buffer
	runErr := env.run(ctx, &out)
	ch.Close()
	if err := <-monitorDone; err != nil {
		logger.Warn("progress view failed", "error", err)
	}
	out.WriteTo(os.Stdout)
	return runErr
}

// applyBuildFlags folds command-line overrides into cfg.
func applyBuildFlags(cmd *cobra.Command, cfg *config.Config) {
	if buildMode.mode == models.ModeRecursive {
		cfg.Recursive.Enabled = true
	}
	if cmd.Flags().Changed("recursive-depth") {
		cfg.Recursive.MaxDepth = buildDepth
		cfg.Recursive.Enabled = buildDepth > 1
	}
	if cmd.Flags().Changed("jobs") && buildJobs > 0 {
		cfg.BuildEngine.MaxParallelJobs = config.JobLimit{Value: buildJobs}
	}
}

// run drives one session from fleet bring-up to teardown and writes the
// report to out.
func (e *buildEnv) run(ctx context.Context, out io.Writer) error {
	decisions := audit.NewDecisionWriter(e.store, e.logger)

	transport, err := newTransport(e.cfg, protocolFor(e.cfg, e.mode), e.logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	deployer := deploy.New(deploy.Options{
		Transport:   transport,
		WorkDir:     e.cfg.RemoteExecution.WorkDir,
		StepTimeout: e.cfg.UnitTimeout(),
		Logger:      e.logger,
	})

	sess, err := session.New(session.Options{
		ID:            buildSessionID,
		Mode:          e.mode,
		Store:         e.store,
		Decisions:     decisions,
		Events:        e.sink,
		Stopper:       deployer,
		PersistAgents: e.cfg.RemoteExecution.PersistAgents,
		Logger:        e.logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		// Teardown must run even when ctx was interrupted.
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ConnectTimeout()*4)
		defer cancel()
		if err := sess.Teardown(tctx); err != nil {
			e.logger.Warn("agent teardown incomplete", "error", err)
		}
	}()

	schedCfg := scheduler.FromTeamConfig(e.cfg)
	agents := []scheduler.Agent{e.localAgent(ctx, sess, schedCfg)}
	agents = append(agents, e.bringUpFleet(ctx, sess, transport, deployer)...)
	if sess.Mode() == models.ModeSingle {
		agents = agents[:1]
	}
	e.metrics.AgentsReady.Set(float64(len(agents)))

	cm, fps := e.openCache(ctx)

	sched, err := scheduler.New(scheduler.Options{
		Graph:        e.graph,
		Agents:       agents,
		Config:       schedCfg,
		Cache:        cm,
		Fingerprints: fps,
		Supervisor: recovery.New(recovery.Options{
			SessionID:           sess.ID(),
			Budget:              schedCfg.RetryAttempts,
			NodeFailureHandling: schedCfg.NodeFailureHandling,
			Decisions:           decisions,
			Metrics:             e.metrics,
			Logger:              e.logger,
		}),
		Decisions:   decisions,
		Events:      e.sink,
		Metrics:     e.metrics,
		Store:       e.store,
		SessionID:   sess.ID(),
		BuildDir:    e.dir,
		Depth:       1,
		OnAgentLost: sess.Exclude,
		Logger:      e.logger,
	})
	if err != nil {
		sess.Finish(session.StatusFailed, err.Error())
		return err
	}

	res, runErr := sched.Run(ctx)

	status := session.StatusSucceeded
	switch {
	case ctx.Err() != nil:
		status = session.StatusInterrupted
	case runErr != nil:
		status = session.StatusFailed
	}
	sess.Finish(status, fmt.Sprintf("%d/%d units, %d failed, %d blocked", res.Completed, res.Total, res.Failed, res.Blocked))

	e.render(out, sess, res, cm)

	switch {
	case ctx.Err() != nil:
		return &exitError{code: exitInterrupted, err: errors.New("build interrupted")}
	case runErr != nil:
		return &exitError{code: exitFailure, err: runErr}
	}
	return nil
}

// localAgent is the in-process agent every session has.
func (e *buildEnv) localAgent(ctx context.Context, sess *session.Session, cfg scheduler.Config) scheduler.Agent {
	info := agent.NewDetector().Scan(nil)
	info.Name = localName(info.Name)

	conn := localexec.New(e.dir, e.cfg.RemoteExecution.AllowedCommands)
	enableCompilerCache(ctx, e.cfg, e.dir, info, conn, e.logger)
	worker := agent.NewWorker(agent.WorkerOptions{
		Connector: conn,
		Info:      info,
		Metrics:   e.metrics,
		Logger:    e.logger.With("agent", info.Name),
	})
	worker.SetSubBuilder(scheduler.NewSubBuilder(info.Name, conn, cfg, e.metrics, e.logger))

	as := &models.AgentSession{
		Host:     models.HostRecord{Address: "localhost", Port: models.DefaultPort, Capabilities: info.Capabilities},
		Name:     info.Name,
		State:    models.AgentReady,
		Cores:    info.Cores,
		MemoryMB: info.MemoryMB,
	}
	sess.AddAgent(as, false)
	return scheduler.Agent{Session: as, Exec: worker, Local: true}
}

func localName(hostname string) string {
	if hostname == "" {
		hostname = "localhost"
	}
	return hostname + "-local"
}

// bringUpFleet probes the registered hosts, applies the fallback policy and
// deploys agents to the reachable remote hosts.
func (e *buildEnv) bringUpFleet(ctx context.Context, sess *session.Session, transport connectors.Transport, deployer *deploy.Deployer) []scheduler.Agent {
	if sess.Mode() == models.ModeSingle {
		return nil
	}

	prober := probe.New(transport, e.cfg.ConnectTimeout(), e.logger)
	res := prober.Probe(ctx, e.registry.Hosts())
	if d := sess.ApplyProbe(res); d.Downgrade || sess.Mode() == models.ModeSingle {
		return nil
	}

	var remote []models.HostRecord
	for _, h := range res.Reachable {
		if !h.IsLoopback() {
			remote = append(remote, h)
		}
	}
	if len(remote) == 0 {
		return nil
	}

	binary, err := agentBinary()
	if err != nil {
		sess.Downgrade(err.Error())
		return nil
	}
	bundle, err := deploy.NewBundle(binary, e.cfg)
	if err != nil {
		sess.Downgrade(err.Error())
		return nil
	}

	var agents []scheduler.Agent
	for _, o := range deployer.DeployAll(ctx, remote, bundle, e.cfg.RemoteExecution.ParallelDeploy) {
		if o.Err != nil {
			e.metrics.AgentsExcluded.Inc()
			sess.Exclude(o.Host.Address, o.Err.Error())
			continue
		}
		sess.AddAgent(o.Session, true)
		agents = append(agents, scheduler.Agent{Session: o.Session, Exec: agent.NewClient(o.Session.Host)})
	}
	if len(agents)+1 < probe.MinDistributedHosts {
		sess.Downgrade(fmt.Sprintf("no remote agent came up (%d deploy failures)", len(remote)))
		return nil
	}
	return agents
}

// openCache opens the artifact cache for the build. A cache that cannot be
// opened disables caching for the build.
func (e *buildEnv) openCache(ctx context.Context) (*cache.Manager, *cache.Fingerprinter) {
	if !e.cfg.Cache.Enabled {
		return nil, nil
	}
	cm, err := openCacheManager(ctx, e.cfg, e.dir, e.store, e.metrics, e.logger)
	if err != nil {
		e.logger.Warn("cache disabled", "error", err)
		return nil, nil
	}
	fps, err := cache.NewFingerprinter(e.dir, 0)
	if err != nil {
		e.logger.Warn("cache disabled", "error", err)
		return nil, nil
	}
	return cm, fps
}

func (e *buildEnv) render(out io.Writer, sess *session.Session, res *scheduler.Result, cm *cache.Manager) {
	summary := report.Summary{
		SessionID:  sess.ID(),
		Requested:  sess.Requested(),
		Mode:       sess.Mode(),
		Result:     res,
		Exclusions: sess.Exclusions(),
	}
	if len(res.Failures) > 0 {
		attempts, err := e.store.ListAttempts(sess.ID())
		if err != nil {
			e.logger.Warn("failed to load attempt history", "error", err)
		}
		summary.Attempts = attempts
	}
	if cm != nil {
		if stats, err := cm.Stats(); err == nil {
			summary.Cache = &stats
		}
	}
	if err := report.Render(out, summary); err != nil {
		e.logger.Warn("failed to write report", "error", err)
	}
}

// cleanOutputs removes the graph's outputs that live under dir.
func cleanOutputs(dir string, g *graph.Graph, logger *slog.Logger) {
	removed := 0
	for _, out := range g.Outputs() {
		path := out
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, filepath.FromSlash(out))
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		} else if !os.IsNotExist(err) {
			logger.Warn("failed to remove output", "path", path, "error", err)
		}
	}
	logger.Info("cleaned outputs", "removed", removed)
}
