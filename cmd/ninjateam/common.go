package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fentz26/ninjateam/internal/agent"
	"github.com/fentz26/ninjateam/internal/config"
	"github.com/fentz26/ninjateam/internal/connectors"
	"github.com/fentz26/ninjateam/internal/connectors/containerexec"
	"github.com/fentz26/ninjateam/internal/connectors/localexec"
	"github.com/fentz26/ninjateam/internal/connectors/sshexec"
	"github.com/fentz26/ninjateam/internal/events"
	"github.com/fentz26/ninjateam/internal/hosts"
	"github.com/fentz26/ninjateam/internal/logging"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/observability"
	"github.com/fentz26/ninjateam/internal/store"
)

// newLogger builds the process logger from the persistent flags.
func newLogger(w io.Writer, component string) *slog.Logger {
	level := "info"
	if verbose {
		level = "debug"
	}
	return logging.New(w, logging.Options{Level: level, Format: logFormat, Component: component})
}

// loadConfig reads the team configuration. Malformed files are usage errors.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		var pe *config.ParseError
		if errors.As(err, &pe) {
			return nil, usageError(err)
		}
		return nil, err
	}
	return cfg, nil
}

// loadRegistry reads the hosts file, always registers the loopback host, and
// applies the agent cap.
func loadRegistry(path string, cfg *config.Config, logger *slog.Logger) (*hosts.Registry, error) {
	reg := hosts.NewRegistry(nil)
	if path != "" {
		var err error
		reg, err = hosts.Load(path)
		if err != nil {
			var pe *hosts.ParseError
			if errors.As(err, &pe) {
				return nil, usageError(err)
			}
			return nil, err
		}
	}
	reg.EnsureLocal()
	reg.CapAt(cfg.MaxAgents, logger)
	return reg, nil
}

// newTransport selects the transport named by protocol.
func newTransport(cfg *config.Config, protocol string, logger *slog.Logger) (connectors.Transport, error) {
	switch protocol {
	case "", "ssh":
		return sshexec.New(cfg.RemoteExecution.SSH, cfg.ConnectTimeout(), logger), nil
	case "local":
		return localexec.NewTransport(), nil
	case "container":
		return containerexec.New(localexec.New("", nil), os.Getenv("NINJATEAM_CONTAINER_CLI")), nil
	}
	return nil, usageError(fmt.Errorf("unknown remote_execution.protocol %q", protocol))
}

// protocolFor returns the transport protocol for mode. Cloud builds run
// their agents in containers.
func protocolFor(cfg *config.Config, mode models.BuildMode) string {
	if mode == models.ModeCloud {
		return "container"
	}
	return cfg.RemoteExecution.Protocol
}

func openStore() (*store.Store, error) {
	st, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	return st, nil
}

// initTracing installs the span exporter selected by --trace-file. The
// returned func flushes and closes it.
func initTracing(logger *slog.Logger) func() {
	var w io.WriteCloser
	if traceFile != "" {
		f, err := os.Create(traceFile)
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			w = f
		}
	}
	var out io.Writer
	if w != nil {
		out = w
	}
	shutdown, err := observability.InitTracing("ninjateam", out)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	return func() {
		if shutdown != nil {
			if err := shutdown(context.Background()); err != nil {
				logger.Debug("trace shutdown failed", "error", err)
			}
		}
		if w != nil {
			w.Close()
		}
	}
}

// newEventSink fans build events out to the log and, when configured, NATS.
// The returned func closes the NATS connection.
func newEventSink(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (*events.Multi, func()) {
	sink := events.NewMulti(events.NewLogSink(logger))
	if cfg.Events.NATSURL == "" {
		return sink, func() {}
	}
	nc, err := events.Connect(cfg.Events.NATSURL)
	if err != nil {
		logger.Warn("event publishing disabled", "error", err)
		return sink, func() {}
	}
	sink.Add(events.NewNATSSink(nc, cfg.Events.Subject, func(err error) {
		metrics.EventPublishErrs.Inc()
		logger.Debug("event publish failed", "error", err)
	}))
	return sink, func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
}

// agentBinary is the executable shipped to remote hosts.
func agentBinary() (string, error) {
	if p := os.Getenv("NINJATEAM_AGENT_BINARY"); p != "" {
		return p, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate agent binary: %w", err)
	}
	return filepath.EvalSymlinks(exe)
}

// enableCompilerCache routes compilers run through conn via the configured
// launcher when the host has it. Relative cache directories resolve against
// baseDir.
func enableCompilerCache(ctx context.Context, cfg *config.Config, baseDir string, info agent.HostInfo, conn *localexec.LocalExec, logger *slog.Logger) {
	if !cfg.Cache.Enabled || cfg.Cache.CCLauncher == "" {
		return
	}
	dir := cfg.Cache.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(baseDir, dir)
	}
	l := agent.NewCompilerLauncher(cfg.Cache.CCLauncher, dir, cfg.Cache.MaxSizeGB, info)
	if l == nil {
		logger.Debug("compiler cache not available", "launcher", cfg.Cache.CCLauncher)
		return
	}
	if err := l.Setup(ctx, conn, logger); err != nil {
		logger.Warn("compiler cache disabled", "error", err)
		return
	}
	conn.SetEnv(l.Env())
	logger.Info("compiler cache enabled", "launcher", l.Program, "dir", l.Dir)
}
