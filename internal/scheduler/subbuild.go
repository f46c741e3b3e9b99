package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fentz26/ninjateam/internal/agent"
	"github.com/fentz26/ninjateam/internal/connectors"
	"github.com/fentz26/ninjateam/internal/graph"
	"github.com/fentz26/ninjateam/internal/logging"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/observability"
)

// SubBuilder runs nested builds on an agent. Each sub-build gets its own
// controller with an in-process worker and, when the parent sent any, up to
// fan-out peer agents.
type SubBuilder struct {
	name      string
	connector connectors.Connector
	cfg       Config
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewSubBuilder creates a SubBuilder whose local worker runs commands
// through conn.
func NewSubBuilder(name string, conn connectors.Connector, cfg Config, metrics *observability.Metrics, logger *slog.Logger) *SubBuilder {
	return &SubBuilder{
		name:      name,
		connector: conn,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logging.OrDiscard(logger),
	}
}

// SubBuild implements agent.SubBuilder.
func (b *SubBuilder) SubBuild(ctx context.Context, req *agent.SubBuildRequest, dir string) (*agent.SubBuildResponse, error) {
	g, err := graph.FromSpec(&req.Graph)
	if err != nil {
		return nil, fmt.Errorf("load sub-build graph: %w", err)
	}
	logger := b.logger.With("sub_build", req.UnitID, "depth", req.Depth)

	cfg := b.cfg
	cfg.MaxDepth = req.MaxDepth
	if req.FanOut > 0 {
		cfg.FanOut = req.FanOut
	}
	cfg.Recursive = req.Depth < req.MaxDepth

	local := agent.NewWorker(agent.WorkerOptions{
		Connector: b.connector,
		Info:      agent.HostInfo{Name: b.name},
		Metrics:   b.metrics,
		Logger:    logger,
	})
	local.SetSubBuilder(b)

	agents := []Agent{{
		Session: &models.AgentSession{
			Host:  models.HostRecord{Address: "localhost", Port: models.DefaultPort},
			Name:  b.name,
			State: models.AgentReady,
		},
		Exec:  local,
		Local: true,
	}}
	for i, peer := range req.Peers {
		if i >= cfg.FanOut {
			break
		}
		agents = append(agents, Agent{
			Session: &models.AgentSession{Host: peer, Name: peer.Address, State: models.AgentReady},
			Exec:    agent.NewClient(peer),
		})
	}

	s, err := New(Options{
		Graph:     g,
		Agents:    agents,
		Config:    cfg,
		Metrics:   b.metrics,
		SessionID: req.UnitID,
		BuildDir:  dir,
		Depth:     req.Depth,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	res, err := s.Run(ctx)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	resp := &agent.SubBuildResponse{
		UnitID:      req.UnitID,
		Completed:   res.Completed,
		Failed:      res.Failed + res.Blocked,
		FailedUnits: append(res.FailedUnits(), res.BlockedUnits...),
	}
	if err != nil && !errors.Is(err, ErrBuildFailed) {
		resp.Error = err.Error()
	}
	if err == nil && res.Failed > 0 {
		resp.Error = fmt.Sprintf("%d unit(s) failed", res.Failed)
	}
	return resp, nil
}
