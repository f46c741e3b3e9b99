// Package agent implements the build agent: the worker that runs units, the
// HTTP server exposing it, and the client the controller uses to reach it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/ninjateam/internal/connectors"
	"github.com/fentz26/ninjateam/internal/logging"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/observability"
)

// Executor is anything that can run build units: a remote agent reached
// over HTTP, or the in-process local worker.
type Executor interface {
	Health(ctx context.Context) (*Health, error)
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error)
	SubBuild(ctx context.Context, req *SubBuildRequest) (*SubBuildResponse, error)
	Shutdown(ctx context.Context) error
}

// SubBuilder runs a nested build rooted at dir.
type SubBuilder interface {
	SubBuild(ctx context.Context, req *SubBuildRequest, dir string) (*SubBuildResponse, error)
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Connector connectors.Connector
	// Workspace mirrors the controller's build tree. Empty means commands
	// run in place and no files are shipped.
	Workspace  string
	SubBuilder SubBuilder
	Info       HostInfo
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	OnShutdown func()
}

// Worker runs one unit at a time.
type Worker struct {
	conn       connectors.Connector
	workspace  string
	sub        SubBuilder
	info       HostInfo
	metrics    *observability.Metrics
	logger     *slog.Logger
	onShutdown func()

	busy     atomic.Bool
	stopping atomic.Bool
	mu       sync.Mutex
	active   string
}

// NewWorker creates a worker.
func NewWorker(opts WorkerOptions) *Worker {
	ws := opts.Workspace
	if ws != "" {
		if abs, err := filepath.Abs(ws); err == nil {
			ws = abs
		}
	}
	return &Worker{
		conn:       opts.Connector,
		workspace:  ws,
		sub:        opts.SubBuilder,
		info:       opts.Info,
		metrics:    opts.Metrics,
		logger:     logging.OrDiscard(opts.Logger),
		onShutdown: opts.OnShutdown,
	}
}

// SetSubBuilder installs the nested build runner after construction.
func (w *Worker) SetSubBuilder(sb SubBuilder) {
	w.sub = sb
}

// Health reports the worker's identity and current load.
func (w *Worker) Health(ctx context.Context) (*Health, error) {
	if w.stopping.Load() {
		return nil, ErrShuttingDown
	}
	w.mu.Lock()
	active := w.active
	w.mu.Unlock()
	return &Health{
		Name:         w.info.Name,
		Version:      models.Version,
		Cores:        w.info.Cores,
		MemoryMB:     w.info.MemoryMB,
		Tools:        w.info.Tools,
		Capabilities: w.info.Capabilities,
		Busy:         w.busy.Load(),
		ActiveUnit:   active,
	}, nil
}

func (w *Worker) acquire(unitID string) error {
	if w.stopping.Load() {
		return ErrShuttingDown
	}
	if !w.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	w.mu.Lock()
	w.active = unitID
	w.mu.Unlock()
	return nil
}

func (w *Worker) release() {
	w.mu.Lock()
	w.active = ""
	w.mu.Unlock()
	w.busy.Store(false)
}

// Execute runs one unit. Timeouts are returned as ErrTimeout; a failing
// command is reported in the response.
func (w *Worker) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	if err := w.acquire(req.UnitID); err != nil {
		return nil, err
	}
	defer w.release()

	dir, err := w.prepare(req.Dir, req.Inputs)
	if err != nil {
		return nil, err
	}

	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	w.logger.Debug("executing unit", "unit", req.UnitID, "dir", dir)
	start := time.Now()
	resp := &ExecuteResponse{UnitID: req.UnitID}

	cmd := connectors.Shell(req.Command, dir)
	if !w.conn.IsAllowed(cmd) {
		resp.ExitCode = 126
		resp.Error = fmt.Sprintf("command not allowed: %s", cmd.Program())
		return resp, nil
	}

	res, err := w.conn.Execute(ctx, cmd)
	resp.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, req.UnitID, time.Since(start).Round(time.Millisecond))
		}
		return nil, fmt.Errorf("execute %s: %w", req.UnitID, err)
	}
	resp.ExitCode = res.ExitCode
	resp.Stdout = res.Stdout
	resp.Stderr = res.Stderr

	if resp.ExitCode == 0 && w.workspace != "" {
		outputs, err := w.collect(dir, req.Outputs)
		if err != nil {
			resp.Error = err.Error()
		}
		resp.Outputs = outputs
	}
	w.observe(resp.ExitCode == 0 && resp.Error == "", time.Since(start))
	return resp, nil
}

// SubBuild runs a nested build as a single unit.
func (w *Worker) SubBuild(ctx context.Context, req *SubBuildRequest) (*SubBuildResponse, error) {
	if w.sub == nil {
		return nil, ErrNoSubBuilder
	}
	if req.MaxDepth > 0 && req.Depth > req.MaxDepth {
		return nil, fmt.Errorf("%w: depth %d > %d", ErrDepthExceeded, req.Depth, req.MaxDepth)
	}
	if err := w.acquire(req.UnitID); err != nil {
		return nil, err
	}
	defer w.release()

	dir, err := w.prepare(req.Dir, req.Inputs)
	if err != nil {
		return nil, err
	}

	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	w.logger.Info("running sub-build", "unit", req.UnitID, "depth", req.Depth, "units", len(req.Graph.Units))
	start := time.Now()
	resp, err := w.sub.SubBuild(ctx, req, dir)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: sub-build %s", ErrTimeout, req.UnitID)
		}
		return nil, err
	}
	resp.UnitID = req.UnitID
	resp.DurationMS = time.Since(start).Milliseconds()

	if resp.Succeeded() && w.workspace != "" {
		outputs, err := w.collect(dir, req.Outputs)
		if err != nil {
			resp.Error = err.Error()
		}
		resp.Outputs = outputs
	}
	w.observe(resp.Succeeded(), time.Since(start))
	return resp, nil
}

// Shutdown stops accepting work and notifies the owner.
func (w *Worker) Shutdown(ctx context.Context) error {
	if w.stopping.Swap(true) {
		return nil
	}
	w.logger.Info("agent shutdown requested")
	if w.onShutdown != nil {
		w.onShutdown()
	}
	return nil
}

func (w *Worker) observe(ok bool, d time.Duration) {
	if w.metrics == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	w.metrics.UnitDuration.WithLabelValues(w.info.Name, outcome).Observe(d.Seconds())
}

// prepare returns the directory a request runs in, writing shipped inputs
// into the workspace mirror first.
func (w *Worker) prepare(reqDir string, inputs []FileBlob) (string, error) {
	if w.workspace == "" {
		return reqDir, nil
	}

	dir := filepath.Join(w.workspace, filepath.FromSlash(reqDir))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	for _, blob := range inputs {
		path, err := w.resolve(dir, blob.Path)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", fmt.Errorf("create input directory: %w", err)
		}
		mode := os.FileMode(blob.Mode)
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(path, blob.Data, mode); err != nil {
			return "", fmt.Errorf("write input %s: %w", blob.Path, err)
		}
	}
	return dir, nil
}

// collect reads the declared outputs back from the workspace.
func (w *Worker) collect(dir string, outputs []string) ([]FileBlob, error) {
	blobs := make([]FileBlob, 0, len(outputs))
	for _, out := range outputs {
		path, err := w.resolve(dir, out)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("missing output %s", out)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read output %s: %w", out, err)
		}
		blobs = append(blobs, FileBlob{Path: out, Mode: uint32(info.Mode().Perm()), Data: data})
	}
	return blobs, nil
}

func (w *Worker) resolve(dir, rel string) (string, error) {
	var path string
	if filepath.IsAbs(rel) {
		path = filepath.Join(w.workspace, rel)
	} else {
		path = filepath.Join(dir, filepath.FromSlash(rel))
	}
	if !strings.HasPrefix(path, w.workspace+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrBadPath, rel)
	}
	return path, nil
}
