package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/ninjateam/internal/agent"
	"github.com/fentz26/ninjateam/internal/deploy"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/probe"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check which registered hosts are reachable",
	RunE:  runProbe,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Install and start agents on the registered hosts",
	Long: `Deploys the agent to every reachable remote host and leaves it running,
so later builds find it ready. With --stop, stops the agents instead.`,
	RunE: runDeploy,
}

var (
	fleetHosts       string
	fleetConfig      string
	fleetMode        = modeValue{mode: models.ModeDistributed}
	probeAgents      bool
	deployStop       bool
	deploySequential bool
)

func init() {
	for _, c := range []*cobra.Command{probeCmd, deployCmd} {
		c.Flags().StringVar(&fleetHosts, "hosts", "", "Hosts file")
		c.Flags().StringVar(&fleetConfig, "config", "", "Team configuration file")
		c.Flags().Var(&fleetMode, "mode", "Build mode, selects the transport for cloud hosts")
	}
	probeCmd.Flags().BoolVar(&probeAgents, "agents", false, "Also query running agents for their health")
	deployCmd.Flags().BoolVar(&deployStop, "stop", false, "Stop agents instead of starting them")
	deployCmd.Flags().BoolVar(&deploySequential, "sequential", false, "Deploy one host at a time")
}

func runProbe(cmd *cobra.Command, args []string) error {
	logger := newLogger(os.Stderr, "probe")
	cfg, err := loadConfig(fleetConfig)
	if err != nil {
		return err
	}
	reg, err := loadRegistry(fleetHosts, cfg, logger)
	if err != nil {
		return err
	}
	transport, err := newTransport(cfg, protocolFor(cfg, fleetMode.mode), logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	ctx, stop := signal.NotifyContext(context.Background(), interruptSignals...)
	defer stop()

	res := probe.New(transport, cfg.ConnectTimeout(), logger).Probe(ctx, reg.Hosts())
	var health map[string]*agent.Health
	if probeAgents {
		health = make(map[string]*agent.Health)
		for _, h := range res.Reachable {
			if hh, err := agent.NewClient(h).Health(ctx); err == nil {
				health[h.Address] = hh
			}
		}
	}
	printProbe(os.Stdout, res, health)

	d := probe.Decide(fleetMode.mode, res)
	if d.Downgrade {
		fmt.Printf("\nmode: %s (%s)\n", d.Mode, d.Reason)
	} else {
		fmt.Printf("\nmode: %s\n", d.Mode)
	}
	return nil
}

func printProbe(out io.Writer, res probe.Result, health map[string]*agent.Health) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tPORT\tSTATUS\tDETAIL")
	for _, h := range res.Reachable {
		detail := strings.Join(h.Capabilities, ",")
		if hh, ok := health[h.Address]; ok {
			detail = fmt.Sprintf("agent %s %s, %d cores, %d MB", hh.Name, hh.Version, hh.Cores, hh.MemoryMB)
		}
		fmt.Fprintf(w, "%s\t%d\treachable\t%s\n", h.Address, h.Port, detail)
	}
	for _, h := range res.Unreachable {
		detail := ""
		if err := res.Errors[h.Address]; err != nil {
			detail = err.Error()
		}
		fmt.Fprintf(w, "%s\t%d\tunreachable\t%s\n", h.Address, h.Port, detail)
	}
	w.Flush()
}

func runDeploy(cmd *cobra.Command, args []string) error {
	logger := newLogger(os.Stderr, "deploy")
	defer initTracing(logger)()

	cfg, err := loadConfig(fleetConfig)
	if err != nil {
		return err
	}
	reg, err := loadRegistry(fleetHosts, cfg, logger)
	if err != nil {
		return err
	}
	transport, err := newTransport(cfg, protocolFor(cfg, fleetMode.mode), logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	ctx, stop := signal.NotifyContext(context.Background(), interruptSignals...)
	defer stop()

	deployer := deploy.New(deploy.Options{
		Transport:   transport,
		WorkDir:     cfg.RemoteExecution.WorkDir,
		StepTimeout: cfg.UnitTimeout(),
		Logger:      logger,
	})

	var remote []models.HostRecord
	for _, h := range reg.Hosts() {
		if !h.IsLoopback() {
			remote = append(remote, h)
		}
	}
	if len(remote) == 0 {
		fmt.Println("no remote hosts registered")
		return nil
	}

	if deployStop {
		failed := 0
		for _, h := range remote {
			if err := deployer.Stop(ctx, h); err != nil {
				failed++
				fmt.Printf("%s: %v\n", h.Address, err)
				continue
			}
			fmt.Printf("%s: stopped\n", h.Address)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d agents could not be stopped", failed, len(remote))
		}
		return nil
	}

	res := probe.New(transport, cfg.ConnectTimeout(), logger).Probe(ctx, remote)
	for _, h := range res.Unreachable {
		fmt.Printf("%s: skipped: %v\n", h.Address, res.Errors[h.Address])
	}

	binary, err := agentBinary()
	if err != nil {
		return err
	}
	bundle, err := deploy.NewBundle(binary, cfg)
	if err != nil {
		return err
	}

	outcomes := deployer.DeployAll(ctx, res.Reachable, bundle, cfg.RemoteExecution.ParallelDeploy && !deploySequential)
	failed := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tAGENT\tSTATUS")
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			fmt.Fprintf(w, "%s\t-\t%v\n", o.Host.Address, o.Err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\tready\n", o.Host.Address, o.Session.Name)
	}
	w.Flush()

	if failed == len(outcomes) && failed > 0 {
		return fmt.Errorf("no agent could be deployed")
	}
	return nil
}
