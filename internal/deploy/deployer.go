// Package deploy installs and launches build agents on remote hosts.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fentz26/ninjateam/internal/agent"
	"github.com/fentz26/ninjateam/internal/connectors"
	"github.com/fentz26/ninjateam/internal/logging"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/observability"
)

// Phase names the deployment step that failed.
type Phase string

const (
	PhaseDirectoryCreation Phase = "DirectoryCreation"
	PhaseTransfer          Phase = "Transfer"
	PhaseSetup             Phase = "Setup"
	PhaseStart             Phase = "Start"
)

// ErrNotReady is returned when a started agent never answers its health
// check.
var ErrNotReady = errors.New("agent did not become ready")

// DeployError is a per-host deployment failure tagged with its phase.
type DeployError struct {
	Host  string
	Phase Phase
	Err   error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy %s: %s: %v", e.Host, e.Phase, e.Err)
}

func (e *DeployError) Unwrap() error { return e.Err }

// AgentAPI talks to a running agent.
type AgentAPI interface {
	Health(ctx context.Context, host models.HostRecord) (*agent.Health, error)
	Shutdown(ctx context.Context, host models.HostRecord) error
}

// HTTPAgents reaches agents over their HTTP API.
type HTTPAgents struct{}

// Health calls GET /v1/health on host.
func (HTTPAgents) Health(ctx context.Context, host models.HostRecord) (*agent.Health, error) {
	return agent.NewClient(host).Health(ctx)
}

// Shutdown calls POST /v1/shutdown on host.
func (HTTPAgents) Shutdown(ctx context.Context, host models.HostRecord) error {
	return agent.NewClient(host).Shutdown(ctx)
}

// Options configures a Deployer.
type Options struct {
	Transport connectors.Transport
	// WorkDir is the agent's home on every host.
	WorkDir string
	Agents  AgentAPI
	// ReadyTimeout bounds the wait for a started agent to answer.
	ReadyTimeout time.Duration
	// StepTimeout bounds each remote step.
	StepTimeout time.Duration
	Logger      *slog.Logger
}

// Deployer pushes a Bundle to hosts and starts agents there.
type Deployer struct {
	transport    connectors.Transport
	workDir      string
	agents       AgentAPI
	readyTimeout time.Duration
	stepTimeout  time.Duration
	pollEvery    time.Duration
	logger       *slog.Logger
}

// New creates a Deployer.
func New(opts Options) *Deployer {
	if opts.Agents == nil {
		opts.Agents = HTTPAgents{}
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Minute
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "~/.ninja-team"
	}
	return &Deployer{
		transport:    opts.Transport,
		workDir:      opts.WorkDir,
		agents:       opts.Agents,
		readyTimeout: opts.ReadyTimeout,
		stepTimeout:  opts.StepTimeout,
		pollEvery:    250 * time.Millisecond,
		logger:       logging.OrDiscard(opts.Logger),
	}
}

// WorkDir returns the agent home used on every host.
func (d *Deployer) WorkDir() string { return d.workDir }

// Deploy installs bundle on host and starts its agent. The returned session
// is Ready.
func (d *Deployer) Deploy(ctx context.Context, host models.HostRecord, bundle *Bundle) (*models.AgentSession, error) {
	ctx, span := observability.StartSpan(ctx, "deploy.host", attribute.String("host", host.Address))
	defer span.End()

	sess, err := d.deploy(ctx, host, bundle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return sess, err
}

func (d *Deployer) deploy(ctx context.Context, host models.HostRecord, bundle *Bundle) (*models.AgentSession, error) {
	fail := func(phase Phase, err error) error {
		d.logger.Warn("deployment failed", "host", host.Address, "phase", phase, "reason", err)
		return &DeployError{Host: host.Address, Phase: phase, Err: err}
	}
	logger := d.logger.With("host", host.Address)
	staging := path.Join(d.workDir, "staging-"+uuid.New().String()[:8])

	logger.Debug("creating directories", "dir", staging)
	if err := d.step(ctx, func(ctx context.Context) error {
		return d.transport.Mkdir(ctx, host, staging)
	}); err != nil {
		return nil, fail(PhaseDirectoryCreation, err)
	}

	logger.Debug("transferring bundle", "bytes", bundle.Size())
	if err := d.step(ctx, func(ctx context.Context) error {
		return d.transport.Push(ctx, host, staging, bundle.Files)
	}); err != nil {
		d.cleanup(ctx, host, staging)
		return nil, fail(PhaseTransfer, err)
	}

	logger.Debug("running setup")
	if err := d.step(ctx, func(ctx context.Context) error {
		res, err := d.transport.Execute(ctx, host, connectors.Command{
			Name: "sh",
			Args: []string{path.Join(path.Base(staging), SetupName)},
			Dir:  d.workDir,
		})
		if err != nil {
			return err
		}
		if !res.Success() {
			return fmt.Errorf("setup exited %d: %s", res.ExitCode, res.Stderr)
		}
		return nil
	}); err != nil {
		d.cleanup(ctx, host, staging)
		return nil, fail(PhaseSetup, err)
	}

	name := host.Address
	logger.Debug("starting agent", "port", host.Port)
	if err := d.step(ctx, func(ctx context.Context) error {
		return d.transport.Start(ctx, host, d.workDir, agentCommand(host.Port, name))
	}); err != nil {
		d.cleanup(ctx, host, staging)
		return nil, fail(PhaseStart, err)
	}

	health, err := d.waitReady(ctx, host)
	if err != nil {
		d.cleanup(ctx, host, staging)
		return nil, fail(PhaseStart, err)
	}
	d.cleanup(ctx, host, staging)

	logger.Info("agent ready", "name", health.Name, "cores", health.Cores, "tools", health.Tools)
	return &models.AgentSession{
		Host:          host,
		Name:          health.Name,
		State:         models.AgentReady,
		LastHeartbeat: time.Now(),
		Cores:         health.Cores,
		MemoryMB:      health.MemoryMB,
	}, nil
}

func (d *Deployer) step(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.stepTimeout)
	defer cancel()
	return fn(ctx)
}

// waitReady polls the agent's health endpoint until it answers.
func (d *Deployer) waitReady(ctx context.Context, host models.HostRecord) (*agent.Health, error) {
	ctx, cancel := context.WithTimeout(ctx, d.readyTimeout)
	defer cancel()

	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()

	var lastErr error
	for {
		h, err := d.agents.Health(ctx, host)
		if err == nil {
			if h.Version != models.Version {
				return nil, fmt.Errorf("agent version %s, want %s", h.Version, models.Version)
			}
			return h, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w within %s: %v", ErrNotReady, d.readyTimeout, lastErr)
		case <-ticker.C:
		}
	}
}

// cleanup removes the staging directory. Failures are logged only.
func (d *Deployer) cleanup(ctx context.Context, host models.HostRecord, staging string) {
	err := d.step(ctx, func(ctx context.Context) error {
		res, err := d.transport.Execute(ctx, host, connectors.Command{
			Name: "rm",
			Args: []string{"-rf", path.Base(staging)},
			Dir:  d.workDir,
		})
		if err == nil && !res.Success() {
			err = fmt.Errorf("exit %d", res.ExitCode)
		}
		return err
	})
	if err != nil {
		d.logger.Warn("staging cleanup failed", "host", host.Address, "dir", staging, "error", err)
	}
}

// Outcome is the result of deploying to one host.
type Outcome struct {
	Host    models.HostRecord
	Session *models.AgentSession
	Err     error
}

// DeployAll deploys to every host and returns once all deployments have
// finished, in host order. With parallel set, hosts are deployed
// concurrently.
func (d *Deployer) DeployAll(ctx context.Context, hosts []models.HostRecord, bundle *Bundle, parallel bool) []Outcome {
	out := make([]Outcome, len(hosts))
	if !parallel {
		for i, h := range hosts {
			sess, err := d.Deploy(ctx, h, bundle)
			out[i] = Outcome{Host: h, Session: sess, Err: err}
		}
		return out
	}

	var wg sync.WaitGroup
	for i, h := range hosts {
		wg.Add(1)
		go func(i int, h models.HostRecord) {
			defer wg.Done()
			sess, err := d.Deploy(ctx, h, bundle)
			out[i] = Outcome{Host: h, Session: sess, Err: err}
		}(i, h)
	}
	wg.Wait()
	return out
}

// Stop asks the agent on host to shut down, falling back to signalling the
// recorded process. Callers treat failures as best-effort.
func (d *Deployer) Stop(ctx context.Context, host models.HostRecord) error {
	return d.step(ctx, func(ctx context.Context) error {
		err := d.agents.Shutdown(ctx, host)
		if err == nil {
			return nil
		}
		d.logger.Debug("agent shutdown request failed, signalling process", "host", host.Address, "error", err)
		return d.transport.Stop(ctx, host, d.workDir)
	})
}
