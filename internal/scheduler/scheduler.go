package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fentz26/ninjateam/internal/audit"
	"github.com/fentz26/ninjateam/internal/cache"
	"github.com/fentz26/ninjateam/internal/events"
	"github.com/fentz26/ninjateam/internal/graph"
	"github.com/fentz26/ninjateam/internal/logging"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/observability"
	"github.com/fentz26/ninjateam/internal/recovery"
	"github.com/fentz26/ninjateam/internal/store"
)

// deepRecursionWarning is the depth above which fan-out is logged.
const deepRecursionWarning = 5

// Options configures a Scheduler.
type Options struct {
	Graph  *graph.Graph
	Agents []Agent
	Config Config

	// Cache and Fingerprints are optional; without them every unit runs.
	Cache        *cache.Manager
	Fingerprints *cache.Fingerprinter

	Supervisor *recovery.Supervisor
	Decisions  *audit.DecisionWriter
	Events     events.Sink
	Metrics    *observability.Metrics
	Store      *store.Store

	SessionID string
	// BuildDir is the directory commands run in and outputs land in.
	BuildDir string
	// Depth is the recursion level of this controller, starting at 1.
	Depth int

	// OnAgentLost is called when an agent is excluded from the build.
	OnAgentLost func(name, reason string)
	Logger      *slog.Logger
}

// Scheduler runs one build. It is not reusable.
type Scheduler struct {
	graph    *graph.Graph
	cfg      Config
	cache    *cache.Manager
	fps      *cache.Fingerprinter
	sup      *recovery.Supervisor
	dec      *audit.DecisionWriter
	events   events.Sink
	metrics  *observability.Metrics
	store    *store.Store
	session  string
	buildDir string
	depth    int
	onLost   func(string, string)
	logger   *slog.Logger

	agents []*agentSlot
	byName map[string]*agentSlot
	units  map[string]*unitState
	queue  *readyQueue

	results chan dispatchResult
	beats   chan heartbeat
	done    chan struct{}

	execCtx    context.Context
	cancelExec context.CancelFunc

	inflight  int
	subFlight int
	remaining int
	seq       uint64
	rr        int

	aborting bool
	abortErr error

	progress progressTracker
	res      Result
	timings  []time.Duration
}

// New creates a scheduler for opts.Graph. Nested builds are inlined when
// recursion is off or this controller is already at the maximum depth.
func New(opts Options) (*Scheduler, error) {
	if opts.Graph == nil {
		return nil, errors.New("scheduler requires a graph")
	}
	if len(opts.Agents) == 0 {
		return nil, ErrNoAgents
	}
	cfg := opts.Config.normalize()
	logger := logging.OrDiscard(opts.Logger)

	depth := opts.Depth
	if depth <= 0 {
		depth = 1
	}

	g := opts.Graph
	if !cfg.Recursive || depth >= cfg.MaxDepth {
		flat, err := g.Flatten()
		if err != nil {
			return nil, fmt.Errorf("flatten graph: %w", err)
		}
		g = flat
	}
	if cfg.Recursive && depth == 1 && cfg.MaxDepth > deepRecursionWarning {
		logger.Warn("deep recursion configured",
			"max_depth", cfg.MaxDepth,
			"fan_out", cfg.FanOut,
			"max_sub_builds", math.Pow(float64(cfg.FanOut), float64(cfg.MaxDepth-1)),
		)
	}

	buildDir := opts.BuildDir
	if buildDir == "" {
		buildDir = "."
	}
	if abs, err := filepath.Abs(buildDir); err == nil {
		buildDir = abs
	}

	sup := opts.Supervisor
	if sup == nil {
		sup = recovery.New(recovery.Options{
			SessionID:           opts.SessionID,
			Budget:              cfg.RetryAttempts,
			NodeFailureHandling: cfg.NodeFailureHandling,
			Decisions:           opts.Decisions,
			Metrics:             opts.Metrics,
			Logger:              logger,
		})
	}
	sink := opts.Events
	if sink == nil {
		sink = events.Noop{}
	}

	s := &Scheduler{
		graph:    g,
		cfg:      cfg,
		cache:    opts.Cache,
		fps:      opts.Fingerprints,
		sup:      sup,
		dec:      opts.Decisions,
		events:   sink,
		metrics:  opts.Metrics,
		store:    opts.Store,
		session:  opts.SessionID,
		buildDir: buildDir,
		depth:    depth,
		onLost:   opts.OnAgentLost,
		logger:   logger,
		byName:   make(map[string]*agentSlot, len(opts.Agents)),
		units:    make(map[string]*unitState, g.Len()),
		queue:    newReadyQueue(cfg.Algorithm),
		results:  make(chan dispatchResult, len(opts.Agents)),
		beats:    make(chan heartbeat, len(opts.Agents)),
		done:     make(chan struct{}),
	}

	for i, a := range opts.Agents {
		if a.Session == nil || a.Exec == nil {
			return nil, fmt.Errorf("agent %d has no session or executor", i)
		}
		name := a.Session.Name
		if name == "" {
			name = a.Session.Host.Address
		}
		if _, dup := s.byName[name]; dup {
			return nil, fmt.Errorf("duplicate agent %s", name)
		}
		a.Session.Name = name
		a.Session.Order = i
		if a.Session.State == "" || a.Session.State == models.AgentBusy {
			a.Session.State = models.AgentReady
		}
		a.Session.ActiveUnitID = ""
		a.Session.ClaimedUnitID = ""
		slot := &agentSlot{Agent: a, name: name}
		s.agents = append(s.agents, slot)
		s.byName[name] = slot
	}
	return s, nil
}

// Graph returns the graph being built, after any inlining.
func (s *Scheduler) Graph() *graph.Graph { return s.graph }

// Run drives the build to completion. It returns ErrBuildFailed when failed
// units exceed the failure policy, ErrNoAgents when the fleet is lost, and
// ErrAborted when ctx is cancelled. The Result is always returned.
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.run",
		attribute.Int("units", s.graph.Len()),
		attribute.Int("agents", len(s.agents)),
		attribute.Int("depth", s.depth),
	)
	defer span.End()

	start := time.Now()
	s.progress = progressTracker{total: s.graph.Len(), start: start}
	s.execCtx, s.cancelExec = context.WithCancel(context.WithoutCancel(ctx))
	defer s.cancelExec()
	defer close(s.done)

	s.logger.Info("build started",
		"units", s.graph.Len(),
		"agents", len(s.agents),
		"depth", s.depth,
		"algorithm", s.cfg.Algorithm,
	)
	s.updateAgentGauge()
	s.seed()

	var heartbeatC <-chan time.Time
	if s.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeatC = ticker.C
	}
	ctxDone := ctx.Done()
	var grace *time.Timer
	var graceC <-chan time.Time

loop:
	for {
		if !s.aborting {
			s.schedule(ctx)
		}
		if s.finished() {
			break
		}
		if s.aborting && graceC == nil {
			grace = time.NewTimer(s.cfg.GracePeriod)
			graceC = grace.C
		}

		select {
		case r := <-s.results:
			s.handleResult(r)
		case b := <-s.beats:
			s.handleBeat(b)
		case <-heartbeatC:
			s.sendHeartbeats()
		case <-ctxDone:
			ctxDone = nil
			s.abort(fmt.Errorf("%w: %v", ErrAborted, context.Cause(ctx)))
		case <-graceC:
			s.logger.Warn("grace period expired, cancelling in-flight units", "in_flight", s.inflight)
			s.cancelExec()
			break loop
		}
	}
	if grace != nil {
		grace.Stop()
	}

	res := s.result(time.Since(start))
	s.logger.Info("build finished",
		"completed", res.Completed,
		"cached", res.Cached,
		"failed", res.Failed,
		"blocked", res.Blocked,
		"duration", res.Duration.Round(time.Millisecond).String(),
	)
	if s.abortErr != nil {
		span.RecordError(s.abortErr)
		return res, s.abortErr
	}
	return res, nil
}

func (s *Scheduler) finished() bool {
	if s.aborting {
		return s.inflight == 0
	}
	return s.remaining == 0
}

// seed initialises unit states and queues every unit without dependencies.
func (s *Scheduler) seed() {
	prio := s.graph.Priorities()
	for _, u := range s.graph.Units() {
		deps := make(map[string]bool, len(u.DependsOn))
		for _, d := range u.DependsOn {
			deps[d] = true
		}
		s.units[u.ID] = &unitState{
			unit:     u,
			state:    models.UnitPending,
			priority: prio[u.ID],
			pending:  len(deps),
		}
	}
	s.remaining = len(s.units)
	s.res.Total = len(s.units)
	for _, u := range s.graph.Units() {
		us := s.units[u.ID]
		if us.pending == 0 && us.state == models.UnitPending {
			s.makeReady(us)
		}
	}
}

// makeReady queues a unit whose dependencies have all completed. Units that
// only group others complete on the spot.
func (s *Scheduler) makeReady(us *unitState) {
	if us.unit.IsPhony() {
		s.complete(us, "", false)
		return
	}
	s.seq++
	us.state = models.UnitReady
	us.readySeq = s.seq
	s.queue.push(us)
}

// schedule places as much ready work as capacity allows.
func (s *Scheduler) schedule(ctx context.Context) {
	if s.remaining > 0 && s.liveAgents() == 0 {
		s.abort(ErrNoAgents)
		return
	}

	for _, a := range s.agents {
		if a.claim == "" || !a.idle() {
			continue
		}
		us := s.units[a.claim]
		if !s.hasCapacity(us) {
			continue
		}
		a.claim = ""
		a.Session.ClaimedUnitID = ""
		s.start(a, us, false)
	}

	var deferred []*unitState
	for s.queue.Len() > 0 && !s.aborting {
		us := s.queue.pop()
		if us.state != models.UnitReady {
			continue
		}
		if !us.cacheChecked {
			us.cacheChecked = true
			if s.tryCache(ctx, us) {
				continue
			}
		}
		if !s.placeable(us) {
			s.failUnit(us, fmt.Errorf("%w: %s requires %v", ErrUnschedulable, us.id(), us.unit.Requires))
			continue
		}
		if !s.hasCapacity(us) {
			deferred = append(deferred, us)
			continue
		}
		if a := s.selectAgent(us); a != nil {
			s.start(a, us, false)
			continue
		}
		if s.cfg.TaskStealing {
			if a := s.claimTarget(us); a != nil {
				us.state = models.UnitClaimed
				us.agent = a.name
				a.claim = us.id()
				a.Session.ClaimedUnitID = us.id()
				s.logger.Debug("unit claimed", "unit", us.id(), "agent", a.name)
				continue
			}
		}
		deferred = append(deferred, us)
	}
	for _, us := range deferred {
		s.queue.push(us)
	}

	if s.cfg.TaskStealing && !s.aborting {
		s.steal()
	}
}

func (s *Scheduler) liveAgents() int {
	n := 0
	for _, a := range s.agents {
		if a.live() {
			n++
		}
	}
	return n
}

func (s *Scheduler) hasCapacity(us *unitState) bool {
	if s.inflight >= s.cfg.MaxParallel {
		return false
	}
	return !us.unit.IsSubBuild() || s.subFlight < s.cfg.FanOut
}

// placeable reports whether any live agent could ever run the unit.
func (s *Scheduler) placeable(us *unitState) bool {
	for _, a := range s.agents {
		if a.live() && a.capable(us.unit) {
			return true
		}
	}
	return false
}

// selectAgent picks an idle, capable agent, preferring agents that have not
// yet attempted the unit.
func (s *Scheduler) selectAgent(us *unitState) *agentSlot {
	var fresh, tried []*agentSlot
	for _, a := range s.agents {
		if !a.idle() || a.claim != "" || !a.capable(us.unit) {
			continue
		}
		if s.sup.Tried(us.id(), a.name) {
			tried = append(tried, a)
		} else {
			fresh = append(fresh, a)
		}
	}
	if len(fresh) > 0 {
		return s.pick(fresh)
	}
	if len(tried) > 0 {
		return s.pick(tried)
	}
	return nil
}

// pick applies the load balancing policy. Candidates are in registration
// order.
func (s *Scheduler) pick(candidates []*agentSlot) *agentSlot {
	if s.cfg.LoadBalancing == RoundRobin {
		for _, a := range candidates {
			if a.Session.Order >= s.rr {
				s.rr = a.Session.Order + 1
				return a
			}
		}
		s.rr = candidates[0].Session.Order + 1
		return candidates[0]
	}
	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.Session.Completed < best.Session.Completed {
			best = a
		}
	}
	return best
}

// claimTarget picks a busy agent to hold the unit until it frees up.
func (s *Scheduler) claimTarget(us *unitState) *agentSlot {
	var candidates []*agentSlot
	for _, a := range s.agents {
		if a.live() && !a.idle() && a.claim == "" && a.capable(us.unit) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return s.pick(candidates)
}

// steal hands claimed work to agents left idle. The victim is the agent
// whose current unit has been running longest.
func (s *Scheduler) steal() {
	for _, thief := range s.agents {
		if !thief.idle() || thief.claim != "" {
			continue
		}
		var victim *agentSlot
		for _, a := range s.agents {
			if a == thief || a.claim == "" || !a.live() || a.idle() {
				continue
			}
			if !thief.capable(s.units[a.claim].unit) {
				continue
			}
			if victim == nil || a.busySince.Before(victim.busySince) {
				victim = a
			}
		}
		if victim == nil {
			continue
		}
		us := s.units[victim.claim]
		if !s.hasCapacity(us) {
			return
		}
		victim.claim = ""
		victim.Session.ClaimedUnitID = ""
		s.logger.Info("unit stolen", "unit", us.id(), "from", victim.name, "to", thief.name)
		if s.metrics != nil {
			s.metrics.UnitsStolen.Inc()
		}
		s.emit(events.Event{Kind: events.UnitStolen, Unit: us.id(), Agent: thief.name, Details: map[string]string{"from": victim.name}})
		s.start(thief, us, true)
	}
}

// start dispatches us to a.
func (s *Scheduler) start(a *agentSlot, us *unitState, stolen bool) {
	now := time.Now()
	attempt := s.sup.Begin(us.id(), a.name)
	s.seq++
	us.state = models.UnitDispatched
	us.agent = a.name
	us.token = s.seq
	us.started = now

	a.Session.State = models.AgentBusy
	a.Session.ActiveUnitID = us.id()
	a.busySince = now
	ctx, cancel := context.WithCancel(s.execCtx)
	a.cancel = cancel

	s.inflight++
	if us.unit.IsSubBuild() {
		s.subFlight++
	}
	if s.metrics != nil {
		s.metrics.UnitsDispatched.Inc()
	}
	s.logger.Debug("dispatching unit", "unit", us.id(), "agent", a.name, "attempt", attempt, "stolen", stolen)
	s.emit(events.Event{Kind: events.UnitDispatched, Unit: us.id(), Agent: a.name, Details: map[string]string{"attempt": strconv.Itoa(attempt)}})

	job := dispatchJob{
		unit:        us.unit,
		fingerprint: us.fingerprint,
		agent:       a.name,
		exec:        a.Exec,
		local:       a.Local,
		token:       us.token,
		attempt:     attempt,
	}
	if us.unit.IsSubBuild() {
		job.peers = s.lendPeers(a, us, now)
	}
	go func() {
		r := s.execute(ctx, job)
		cancel()
		select {
		case s.results <- r:
		case <-s.done:
		}
	}()
}

// lendPeers hands up to FanOut idle remote agents to the sub-build us so
// its controller can spread the nested graph. They stay busy until the
// sub-build ends.
func (s *Scheduler) lendPeers(target *agentSlot, us *unitState, now time.Time) []models.HostRecord {
	var peers []models.HostRecord
	for _, a := range s.agents {
		if len(peers) >= s.cfg.FanOut {
			break
		}
		if a == target || a.Local || !a.idle() || a.claim != "" {
			continue
		}
		a.lentTo = us.id()
		a.busySince = now
		a.Session.State = models.AgentBusy
		a.Session.ActiveUnitID = us.id()
		us.lent = append(us.lent, a)
		peers = append(peers, a.Session.Host)
	}
	if len(peers) > 0 {
		s.logger.Debug("peers lent to sub-build", "unit", us.id(), "agent", target.name, "peers", len(peers))
	}
	return peers
}

// returnPeers takes back the agents lent to us.
func (s *Scheduler) returnPeers(us *unitState, at time.Time) {
	for _, a := range us.lent {
		if a.lentTo != us.id() {
			continue
		}
		a.lentTo = ""
		a.busy += at.Sub(a.busySince)
		a.Session.ActiveUnitID = ""
		if a.live() {
			a.Session.State = models.AgentReady
		}
	}
	us.lent = nil
}

// tryCache completes us from the cache when an intact artifact exists.
func (s *Scheduler) tryCache(ctx context.Context, us *unitState) bool {
	if s.cache == nil || s.fps == nil || !us.unit.Cacheable() {
		return false
	}
	fp, err := s.fps.Fingerprint(us.unit)
	if err != nil {
		s.logger.Debug("unit not fingerprinted", "unit", us.id(), "error", err)
		return false
	}
	us.fingerprint = fp

	// Headers read on the last run are part of the key.
	if us.unit.Depfile != "" {
		deps, ok, err := s.cache.DiscoveredDeps(fp)
		if err != nil {
			s.logger.Warn("cache deps lookup failed", "unit", us.id(), "error", err)
			return false
		}
		if !ok {
			return false
		}
		if fp, err = s.fps.Extend(fp, deps); err != nil {
			s.logger.Debug("unit not fingerprinted", "unit", us.id(), "error", err)
			return false
		}
	}

	entry, err := s.cache.Lookup(ctx, fp)
	if err != nil {
		s.logger.Warn("cache lookup failed", "unit", us.id(), "error", err)
		return false
	}
	if entry == nil && s.cache.HasRemote() {
		if entry, err = s.cache.Pull(ctx, fp); err != nil {
			s.logger.Warn("remote cache pull failed", "unit", us.id(), "error", err)
			return false
		}
	}
	if entry == nil {
		return false
	}
	if _, err := s.cache.RestoreTo(ctx, entry, s.buildDir); err != nil {
		s.logger.Warn("cache restore failed", "unit", us.id(), "error", err)
		return false
	}
	s.complete(us, "", true)
	return true
}

// handleResult applies a finished dispatch to the state machine.
func (s *Scheduler) handleResult(r dispatchResult) {
	us := s.units[r.unitID]
	if us == nil || us.token != r.token || us.state != models.UnitDispatched {
		s.logger.Debug("discarding stale result", "unit", r.unitID, "agent", r.agent)
		return
	}
	a := s.byName[r.agent]
	s.release(a, us, r.ended)
	s.recordAttempt(r)

	if s.metrics != nil {
		outcome := "success"
		if r.err != nil {
			outcome = string(r.kind)
		}
		s.metrics.UnitDuration.WithLabelValues(r.agent, outcome).Observe(r.ended.Sub(r.started).Seconds())
	}

	if r.err == nil {
		s.timings = append(s.timings, r.ended.Sub(r.started))
		if d := r.ended.Sub(r.started); d > s.res.SlowestTime {
			s.res.Slowest = us.id()
			s.res.SlowestTime = d
		}
		s.complete(us, r.agent, false)
		return
	}
	s.handleFailure(us, r.agent, r.kind, r.err)
}

// release frees the agent running us.
func (s *Scheduler) release(a *agentSlot, us *unitState, at time.Time) {
	s.inflight--
	if us.unit.IsSubBuild() {
		s.subFlight--
		s.returnPeers(us, at)
	}
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.busy += at.Sub(a.busySince)
	a.Session.ActiveUnitID = ""
	if a.live() {
		a.Session.State = models.AgentReady
	}
}

func (s *Scheduler) handleFailure(us *unitState, agentName string, kind recovery.Kind, err error) {
	v := s.sup.HandleFailure(recovery.Failure{
		UnitID:   us.id(),
		Agent:    agentName,
		Kind:     kind,
		Err:      err,
		SubBuild: us.unit.IsSubBuild(),
	})
	if v.ExcludeAgent {
		if a := s.byName[agentName]; a != nil {
			s.markLost(a, err.Error())
		}
	}
	if v.Retry {
		s.emit(events.Event{Kind: events.UnitRetried, Unit: us.id(), Agent: agentName, Message: err.Error(), Details: map[string]string{"attempt": strconv.Itoa(v.Attempts)}})
		s.makeReady(us)
		return
	}
	s.failUnit(us, v.Err)
}

// complete marks us completed and promotes its dependents.
func (s *Scheduler) complete(us *unitState, agentName string, cached bool) {
	us.state = models.UnitCompleted
	s.remaining--
	s.res.Completed++

	kind := events.UnitCompleted
	switch {
	case cached:
		s.res.Cached++
		kind = events.UnitCached
	case agentName != "":
		if a := s.byName[agentName]; a != nil {
			a.Session.Completed++
		}
		if s.metrics != nil {
			s.metrics.UnitsCompleted.Inc()
		}
	}
	s.emit(events.Event{Kind: kind, Unit: us.id(), Agent: agentName})
	s.reportProgress()

	for _, dep := range s.graph.Dependents(us.id()) {
		ds := s.units[dep]
		ds.pending--
		if ds.pending == 0 && ds.state == models.UnitPending {
			s.makeReady(ds)
		}
	}
}

// failUnit marks us permanently failed and blocks everything downstream.
func (s *Scheduler) failUnit(us *unitState, err error) {
	us.state = models.UnitFailed
	s.remaining--
	s.res.Failed++
	attempts := s.sup.Attempts(us.id())
	s.res.Failures = append(s.res.Failures, UnitFailure{UnitID: us.id(), Err: err, Attempts: attempts})
	if s.metrics != nil {
		s.metrics.UnitsFailed.Inc()
	}
	s.logger.Error("unit failed", "unit", us.id(), "attempts", attempts, "error", err)
	s.emit(events.Event{Kind: events.UnitFailed, Unit: us.id(), Message: err.Error()})

	for _, id := range s.graph.Downstream(us.id()) {
		ds := s.units[id]
		if ds.state.Terminal() {
			continue
		}
		if ds.state == models.UnitClaimed {
			if a := s.byName[ds.agent]; a != nil && a.claim == id {
				a.claim = ""
				a.Session.ClaimedUnitID = ""
			}
		}
		ds.state = models.UnitBlocked
		s.remaining--
		s.res.Blocked++
		s.res.BlockedUnits = append(s.res.BlockedUnits, id)
		s.emit(events.Event{Kind: events.UnitBlocked, Unit: id, Message: fmt.Sprintf("%v: %s", ErrCascadingFailure, us.id())})
	}
	s.reportProgress()

	if !s.cfg.tolerates(s.res.Failed) {
		s.abort(fmt.Errorf("%w: %d unit(s) failed, first %s: %v", ErrBuildFailed, s.res.Failed, s.res.Failures[0].UnitID, s.res.Failures[0].Err))
	}
}

// markLost excludes an agent. Its claim returns to the queue and its active
// unit is handed to recovery as a disconnect.
func (s *Scheduler) markLost(a *agentSlot, reason string) {
	if !a.live() {
		return
	}
	a.Session.State = models.AgentUnreachable
	s.logger.Warn("agent lost", "agent", a.name, "reason", reason)
	if s.metrics != nil {
		s.metrics.AgentsExcluded.Inc()
	}
	s.updateAgentGauge()
	s.emit(events.Event{Kind: events.AgentLost, Agent: a.name, Message: reason})
	if s.onLost != nil {
		s.onLost(a.name, reason)
	}

	if a.claim != "" {
		us := s.units[a.claim]
		a.claim = ""
		a.Session.ClaimedUnitID = ""
		if us.state == models.UnitClaimed {
			s.makeReady(us)
		}
	}
	if a.lentTo != "" {
		// The sub-build's own controller deals with losing a peer.
		a.lentTo = ""
		a.Session.ActiveUnitID = ""
		return
	}
	if a.Session.ActiveUnitID != "" {
		us := s.units[a.Session.ActiveUnitID]
		s.seq++
		us.token = s.seq
		s.release(a, us, time.Now())
		s.handleFailure(us, a.name, recovery.KindDisconnect, &AgentCrash{Unit: us.id(), Agent: a.name, Err: errors.New(reason)})
	}
}

// abort stops dispatching. In-flight units get the grace period to finish.
func (s *Scheduler) abort(err error) {
	if s.aborting {
		return
	}
	s.aborting = true
	s.abortErr = err
	s.logger.Error("aborting build", "error", err, "in_flight", s.inflight)
	if s.dec != nil {
		inputs := map[string]interface{}{"failed": s.res.Failed, "remaining": s.remaining, "in_flight": s.inflight}
		if _, derr := s.dec.Record(s.session, audit.ActionBuildAbort, inputs, "aborted", err.Error()); derr != nil {
			s.logger.Error("failed to record decision", "error", derr)
		}
	}
}

func (s *Scheduler) reportProgress() {
	done := s.res.Completed + s.res.Failed + s.res.Blocked
	ok, eta := s.progress.update(done, time.Now())
	if !ok {
		return
	}
	s.emit(events.Event{Kind: events.Progress, Done: done, Total: s.res.Total, ETA: eta})
}

func (s *Scheduler) updateAgentGauge() {
	if s.metrics != nil {
		s.metrics.AgentsReady.Set(float64(s.liveAgents()))
	}
}

func (s *Scheduler) emit(e events.Event) {
	e.SessionID = s.session
	if e.When.IsZero() {
		e.When = time.Now()
	}
	s.events.Send(e)
}

func (s *Scheduler) recordAttempt(r dispatchResult) {
	if s.store == nil {
		return
	}
	outcome := "success"
	var errText string
	if r.err != nil {
		outcome = string(r.kind)
		errText = r.err.Error()
	}
	err := s.store.RecordAttempt(&models.Attempt{
		SessionID: s.session,
		UnitID:    r.unitID,
		Agent:     r.agent,
		Number:    r.attempt,
		Outcome:   outcome,
		ExitCode:  r.exitCode,
		Error:     errText,
		StartedAt: r.started,
		EndedAt:   r.ended,
	})
	if err != nil {
		s.logger.Error("failed to record attempt", "unit", r.unitID, "error", err)
	}
}

func (s *Scheduler) result(d time.Duration) *Result {
	res := s.res
	res.Duration = d
	res.Skipped = s.remaining
	res.Aborted = s.abortErr != nil
	if res.Aborted {
		res.AbortReason = s.abortErr.Error()
	}
	res.CriticalPath = s.graph.CriticalPath()
	if len(s.timings) > 0 {
		var total time.Duration
		for _, t := range s.timings {
			total += t
		}
		res.AvgUnit = total / time.Duration(len(s.timings))
	}
	for _, a := range s.agents {
		res.Agents = append(res.Agents, AgentStats{
			Name:  a.name,
			Units: a.Session.Completed,
			Busy:  a.busy,
			State: a.Session.State,
		})
	}
	sort.Strings(res.BlockedUnits)
	return &res
}
