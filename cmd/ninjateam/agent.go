package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/ninjateam/internal/agent"
	"github.com/fentz26/ninjateam/internal/connectors/localexec"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/observability"
	"github.com/fentz26/ninjateam/internal/scheduler"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a build agent",
	Long: `Starts the build agent HTTP API. Controllers dispatch units to it over
/v1/execute and nested builds over /v1/build.`,
	RunE: runAgent,
}

var (
	agentPort      int
	agentConfig    string
	agentWorkspace string
	agentName      string
	agentCaps      []string
)

func init() {
	agentCmd.Flags().IntVar(&agentPort, "port", models.DefaultPort, "Listen port")
	agentCmd.Flags().StringVar(&agentConfig, "config", "", "Team configuration file")
	agentCmd.Flags().StringVar(&agentWorkspace, "workspace", "workspace", "Directory mirroring the controller's build tree")
	agentCmd.Flags().StringVar(&agentName, "name", "", "Agent name (default hostname)")
	agentCmd.Flags().StringSliceVar(&agentCaps, "capabilities", nil, "Extra capability tags to advertise")
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := newLogger(os.Stderr, "agent")
	defer initTracing(logger)()

	cfg, err := loadConfig(agentConfig)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(agentWorkspace, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	info := agent.NewDetector().Scan(agentCaps)
	if agentName != "" {
		info.Name = agentName
	}
	logger = logger.With("agent", info.Name)

	metrics := observability.NewMetrics()
	conn := localexec.New(agentWorkspace, cfg.RemoteExecution.AllowedCommands)
	enableCompilerCache(cmd.Context(), cfg, agentWorkspace, info, conn, logger)

	shutdownCh := make(chan struct{}, 1)
	worker := agent.NewWorker(agent.WorkerOptions{
		Connector: conn,
		Workspace: agentWorkspace,
		Info:      info,
		Metrics:   metrics,
		Logger:    logger,
		OnShutdown: func() {
			select {
			case shutdownCh <- struct{}{}:
			default:
			}
		},
	})
	worker.SetSubBuilder(scheduler.NewSubBuilder(info.Name, conn, scheduler.FromTeamConfig(cfg), metrics, logger))

	server := agent.NewServer(worker, ":"+strconv.Itoa(agentPort), metrics, logger)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, interruptSignals...)
	defer signal.Stop(sigCh)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case <-shutdownCh:
		logger.Info("shutdown requested by controller")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("agent server: %w", err)
		}
		return nil
	}

	// Running units get the unit timeout to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.UnitTimeout()+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("agent shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}
