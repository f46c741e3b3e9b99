package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fentz26/ninjateam/internal/agent"
	"github.com/fentz26/ninjateam/internal/cache"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/observability"
	"github.com/fentz26/ninjateam/internal/recovery"
)

// stderrTail bounds how much command output is kept in a failure.
const stderrTail = 2048

type dispatchJob struct {
	unit        *models.BuildUnit
	fingerprint string
	agent       string
	exec        agent.Executor
	local       bool
	token       uint64
	attempt     int
	peers       []models.HostRecord
}

type dispatchResult struct {
	unitID   string
	agent    string
	token    uint64
	attempt  int
	kind     recovery.Kind
	err      error
	exitCode int
	started  time.Time
	ended    time.Time
}

type heartbeat struct {
	agent string
	err   error
	at    time.Time
}

// execute runs one attempt. It never touches scheduler state; the outcome
// is reported through the returned result.
func (s *Scheduler) execute(ctx context.Context, job dispatchJob) (r dispatchResult) {
	ctx, span := observability.StartSpan(ctx, "scheduler.dispatch",
		attribute.String("unit", job.unit.ID),
		attribute.String("agent", job.agent),
		attribute.Int("attempt", job.attempt),
	)
	defer span.End()

	r = dispatchResult{
		unitID:  job.unit.ID,
		agent:   job.agent,
		token:   job.token,
		attempt: job.attempt,
		started: time.Now(),
	}
	defer func() {
		r.ended = time.Now()
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, string(r.kind))
		}
	}()

	timeout := s.cfg.UnitTimeout
	if job.unit.IsSubBuild() && timeout > 0 {
		if n := len(job.unit.Subgraph.Units); n > 1 {
			timeout *= time.Duration(n)
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var inputs []agent.FileBlob
	if !job.local {
		var err error
		if inputs, err = s.shipInputs(job.unit); err != nil {
			r.kind, r.err = recovery.KindCommand, fmt.Errorf("ship inputs: %w", err)
			return r
		}
	}

	var outputs []agent.FileBlob
	if job.unit.IsSubBuild() {
		resp, err := job.exec.SubBuild(ctx, &agent.SubBuildRequest{
			UnitID:    job.unit.ID,
			Dir:       s.buildDir,
			Graph:     *job.unit.Subgraph,
			Inputs:    inputs,
			Outputs:   job.unit.Outputs,
			Depth:     s.depth + 1,
			MaxDepth:  s.cfg.MaxDepth,
			FanOut:    s.cfg.FanOut,
			Peers:     job.peers,
			TimeoutMS: timeout.Milliseconds(),
		})
		if err != nil {
			r.kind, r.err = classify(job, err, timeout)
			return r
		}
		if !resp.Succeeded() {
			r.kind, r.err = recovery.KindCommand, subBuildError(resp)
			return r
		}
		outputs = resp.Outputs
	} else {
		resp, err := job.exec.Execute(ctx, &agent.ExecuteRequest{
			UnitID:    job.unit.ID,
			Command:   job.unit.CommandSpec,
			Dir:       s.buildDir,
			Inputs:    inputs,
			Outputs:   requestOutputs(job.unit),
			TimeoutMS: timeout.Milliseconds(),
		})
		if err != nil {
			r.kind, r.err = classify(job, err, timeout)
			return r
		}
		if !resp.Succeeded() {
			r.kind, r.err, r.exitCode = recovery.KindCommand, commandError(resp), resp.ExitCode
			return r
		}
		outputs = resp.Outputs
	}

	if !job.local {
		if err := s.writeOutputs(outputs); err != nil {
			r.kind, r.err = recovery.KindCommand, err
			return r
		}
	}
	if err := s.checkOutputs(job.unit); err != nil {
		r.kind, r.err = recovery.KindCommand, err
		return r
	}
	s.storeArtifact(ctx, job)
	return r
}

// classify maps a transport or agent error onto a failure kind.
func classify(job dispatchJob, err error, timeout time.Duration) (recovery.Kind, error) {
	switch {
	case errors.Is(err, agent.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return recovery.KindTimeout, &DispatchTimeout{Unit: job.unit.ID, Agent: job.agent, After: timeout}
	case errors.Is(err, context.Canceled), errors.Is(err, agent.ErrUnreachable):
		return recovery.KindDisconnect, &AgentCrash{Unit: job.unit.ID, Agent: job.agent, Err: err}
	default:
		return recovery.KindCrash, &AgentCrash{Unit: job.unit.ID, Agent: job.agent, Err: err}
	}
}

func commandError(resp *agent.ExecuteResponse) error {
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	tail := strings.TrimSpace(resp.Stderr)
	if len(tail) > stderrTail {
		tail = "..." + tail[len(tail)-stderrTail:]
	}
	if tail == "" {
		return fmt.Errorf("command exited with code %d", resp.ExitCode)
	}
	return fmt.Errorf("command exited with code %d: %s", resp.ExitCode, tail)
}

func subBuildError(resp *agent.SubBuildResponse) error {
	if resp.Failed == 0 {
		return fmt.Errorf("sub-build failed: %s", resp.Error)
	}
	msg := fmt.Sprintf("sub-build failed: %d unit(s) failed: %s", resp.Failed, strings.Join(resp.FailedUnits, ", "))
	if resp.Error != "" {
		msg += ": " + resp.Error
	}
	return errors.New(msg)
}

// shipInputs reads the unit's inputs that live under the build directory.
// Inputs elsewhere are expected to exist on the agent already.
func (s *Scheduler) shipInputs(u *models.BuildUnit) ([]agent.FileBlob, error) {
	blobs := make([]agent.FileBlob, 0, len(u.Inputs))
	for _, in := range u.Inputs {
		rel, ok := s.relative(in)
		if !ok {
			continue
		}
		path := filepath.Join(s.buildDir, rel)
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, agent.FileBlob{Path: filepath.ToSlash(rel), Mode: uint32(info.Mode().Perm()), Data: data})
	}
	return blobs, nil
}

// writeOutputs stores files returned by a remote agent.
func (s *Scheduler) writeOutputs(blobs []agent.FileBlob) error {
	for _, b := range blobs {
		rel, ok := s.relative(b.Path)
		if !ok {
			return fmt.Errorf("%w: %s", agent.ErrBadPath, b.Path)
		}
		path := filepath.Join(s.buildDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
		mode := os.FileMode(b.Mode)
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(path, b.Data, mode); err != nil {
			return fmt.Errorf("write output %s: %w", b.Path, err)
		}
	}
	return nil
}

// checkOutputs verifies that every declared output exists.
func (s *Scheduler) checkOutputs(u *models.BuildUnit) error {
	for _, out := range u.Outputs {
		path := out
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.buildDir, filepath.FromSlash(out))
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("missing output %s", out)
		}
	}
	return nil
}

// relative returns p relative to the build directory, or false when p lies
// outside it.
func (s *Scheduler) relative(p string) (string, bool) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.buildDir, filepath.FromSlash(p))
	}
	rel, err := filepath.Rel(s.buildDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// requestOutputs lists the files an agent sends back: the declared outputs
// and the depfile, which the cache needs.
func requestOutputs(u *models.BuildUnit) []string {
	if u.Depfile == "" {
		return u.Outputs
	}
	return append(append([]string(nil), u.Outputs...), u.Depfile)
}

// storeArtifact packs the unit's outputs into the cache. Failures only cost
// a future cache hit.
func (s *Scheduler) storeArtifact(ctx context.Context, job dispatchJob) {
	if s.cache == nil || job.fingerprint == "" || len(job.unit.Outputs) == 0 {
		return
	}
	fingerprint := job.fingerprint
	if job.unit.Depfile != "" {
		var err error
		if fingerprint, err = s.discoveredFingerprint(job); err != nil {
			s.logger.Info("artifact not cached", "unit", job.unit.ID, "reason", err)
			return
		}
	}
	staged := s.cache.StagingPath()
	size, err := cache.Pack(s.buildDir, job.unit.Outputs, staged, s.cache.Compression(), s.cache.Level())
	if err != nil {
		os.Remove(staged)
		s.logger.Warn("failed to pack outputs", "unit", job.unit.ID, "error", err)
		return
	}
	if _, err := s.cache.Insert(ctx, fingerprint, staged, size); err != nil {
		if errors.Is(err, cache.ErrOversizedArtifact) {
			s.logger.Info("artifact not cached", "unit", job.unit.ID, "size", size, "reason", err)
			return
		}
		s.logger.Warn("cache insert failed", "unit", job.unit.ID, "error", err)
	}
}

// discoveredFingerprint reads the depfile the unit just wrote, records its
// dependencies against the declared-input fingerprint and returns the full
// fingerprint.
func (s *Scheduler) discoveredFingerprint(job dispatchJob) (string, error) {
	path := job.unit.Depfile
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.buildDir, filepath.FromSlash(path))
	}
	deps, err := cache.ReadDepfile(path)
	if err != nil {
		return "", err
	}
	if err := s.cache.RecordDeps(job.fingerprint, deps); err != nil {
		return "", err
	}
	return s.fps.Extend(job.fingerprint, deps)
}

// sendHeartbeats health-checks every live agent without an outstanding
// check.
func (s *Scheduler) sendHeartbeats() {
	for _, a := range s.agents {
		if !a.live() || a.probing {
			continue
		}
		a.probing = true
		exec, name, timeout := a.Exec, a.name, s.cfg.HeartbeatInterval
		go func() {
			ctx, cancel := context.WithTimeout(s.execCtx, timeout)
			defer cancel()
			_, err := exec.Health(ctx)
			select {
			case s.beats <- heartbeat{agent: name, err: err, at: time.Now()}:
			case <-s.done:
			}
		}()
	}
}

func (s *Scheduler) handleBeat(b heartbeat) {
	a := s.byName[b.agent]
	if a == nil {
		return
	}
	a.probing = false
	if !a.live() {
		return
	}
	if b.err == nil {
		a.misses = 0
		a.Session.LastHeartbeat = b.at
		return
	}
	a.misses++
	s.logger.Debug("heartbeat missed", "agent", a.name, "misses", a.misses, "error", b.err)
	if a.misses >= s.cfg.HeartbeatMisses {
		s.markLost(a, fmt.Sprintf("missed %d heartbeats: %v", a.misses, b.err))
	}
}
