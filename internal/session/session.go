// Package session owns one build session: its mode, its agents, the hosts
// excluded along the way, and the teardown of agents it started.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/ninjateam/internal/audit"
	"github.com/fentz26/ninjateam/internal/events"
	"github.com/fentz26/ninjateam/internal/logging"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/probe"
	"github.com/fentz26/ninjateam/internal/store"
)

// Session statuses.
const (
	StatusRunning     = "running"
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// AgentStopper stops an agent the session started.
type AgentStopper interface {
	Stop(ctx context.Context, host models.HostRecord) error
}

// Options configures a Session.
type Options struct {
	// ID is generated when empty.
	ID        string
	Mode      models.BuildMode
	Store     *store.Store
	Decisions *audit.DecisionWriter
	Events    events.Sink
	// Stopper tears down deployed agents. Nil leaves them running.
	Stopper       AgentStopper
	PersistAgents bool
	Logger        *slog.Logger
}

// Session is the explicit owner of fleet state for one build.
type Session struct {
	id        string
	requested models.BuildMode
	store     *store.Store
	decisions *audit.DecisionWriter
	events    events.Sink
	stopper   AgentStopper
	persist   bool
	logger    *slog.Logger

	mu         sync.Mutex
	mode       models.BuildMode
	agents     []*models.AgentSession
	deployed   []models.HostRecord
	exclusions []models.Exclusion
}

// New starts a session and persists it.
func New(opts Options) (*Session, error) {
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Mode == "" {
		opts.Mode = models.ModeSingle
	}
	if opts.Events == nil {
		opts.Events = events.Noop{}
	}
	if opts.Decisions == nil {
		opts.Decisions = audit.NewDecisionWriter(opts.Store, opts.Logger)
	}
	s := &Session{
		id:        opts.ID,
		requested: opts.Mode,
		mode:      opts.Mode,
		store:     opts.Store,
		decisions: opts.Decisions,
		events:    opts.Events,
		stopper:   opts.Stopper,
		persist:   opts.PersistAgents,
		logger:    logging.OrDiscard(opts.Logger).With("session", opts.ID),
	}
	if s.store != nil {
		if _, err := s.store.CreateSession(s.id, s.mode); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}
	s.logger.Info("session started", "mode", s.mode)
	s.emit(events.Event{Kind: events.SessionStarted, Message: string(s.mode)})
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Mode returns the current build mode.
func (s *Session) Mode() models.BuildMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Requested returns the mode the session was started with.
func (s *Session) Requested() models.BuildMode { return s.requested }

// Downgrade moves the session to single-host mode and records why. It
// returns false when the session already runs in single mode.
func (s *Session) Downgrade(reason string) bool {
	s.mu.Lock()
	from := s.mode
	if from == models.ModeSingle {
		s.mu.Unlock()
		return false
	}
	s.mode = models.ModeSingle
	s.mu.Unlock()

	s.logger.Warn("falling back to single-host mode", "from", from, "reason", reason)
	if s.store != nil {
		if err := s.store.UpdateSessionMode(s.id, models.ModeSingle); err != nil {
			s.logger.Error("failed to persist mode change", "error", err)
		}
	}
	s.record(audit.ActionModeDowngrade, map[string]interface{}{"from": from, "to": models.ModeSingle}, string(models.ModeSingle), reason)
	s.emit(events.Event{Kind: events.ModeChanged, Message: reason, Details: map[string]string{"from": string(from), "to": string(models.ModeSingle)}})
	return true
}

// Exclude removes host from the session's fleet for the rest of the build.
func (s *Session) Exclude(host, reason string) {
	ex := models.Exclusion{SessionID: s.id, Host: host, Reason: reason, At: time.Now().UTC()}
	s.mu.Lock()
	s.exclusions = append(s.exclusions, ex)
	for _, a := range s.agents {
		if a.Name == host || a.Host.Address == host {
			a.State = models.AgentUnreachable
		}
	}
	s.mu.Unlock()

	s.logger.Warn("host excluded", "host", host, "reason", reason)
	if s.store != nil {
		if err := s.store.RecordExclusion(s.id, host, reason); err != nil {
			s.logger.Error("failed to persist exclusion", "host", host, "error", err)
		}
	}
	s.record(audit.ActionHostExclude, map[string]string{"host": host}, "excluded", reason)
	s.emit(events.Event{Kind: events.HostExcluded, Agent: host, Message: reason})
}

// Exclusions returns the hosts excluded so far, in order.
func (s *Session) Exclusions() []models.Exclusion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Exclusion(nil), s.exclusions...)
}

// ApplyProbe excludes unreachable hosts and applies the fallback policy.
func (s *Session) ApplyProbe(res probe.Result) probe.Decision {
	for _, h := range res.Unreachable {
		reason := "unreachable"
		if err := res.Errors[h.Address]; err != nil {
			reason = err.Error()
		}
		s.Exclude(h.Address, reason)
	}
	d := probe.Decide(s.Mode(), res)
	if d.Downgrade {
		s.Downgrade(d.Reason)
	}
	return d
}

// AddAgent registers a ready agent. Agents the session deployed are stopped
// at teardown.
func (s *Session) AddAgent(a *models.AgentSession, deployed bool) {
	s.mu.Lock()
	a.Order = len(s.agents)
	s.agents = append(s.agents, a)
	if deployed {
		s.deployed = append(s.deployed, a.Host)
	}
	s.mu.Unlock()
	s.emit(events.Event{Kind: events.AgentReady, Agent: a.Name})
}

// Agents returns the registered agents in registration order.
func (s *Session) Agents() []*models.AgentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.AgentSession(nil), s.agents...)
}

// Finish records the terminal status of the session.
func (s *Session) Finish(status, summary string) {
	if s.store != nil {
		if err := s.store.FinishSession(s.id, status, summary); err != nil {
			s.logger.Error("failed to persist session result", "error", err)
		}
	}
	s.logger.Info("session finished", "status", status, "summary", summary)
	s.emit(events.Event{Kind: events.SessionFinished, Message: status, Details: map[string]string{"summary": summary}})
}

// Teardown stops the agents this session deployed unless they are
// configured to persist. Stop failures are logged and returned joined; they
// never block the rest of the teardown.
func (s *Session) Teardown(ctx context.Context) error {
	s.mu.Lock()
	hosts := append([]models.HostRecord(nil), s.deployed...)
	s.deployed = nil
	s.mu.Unlock()

	if s.persist || s.stopper == nil || len(hosts) == 0 {
		if len(hosts) > 0 {
			s.logger.Info("leaving agents running", "agents", len(hosts))
		}
		return nil
	}

	errs := make([]error, len(hosts))
	var wg sync.WaitGroup
	for i, h := range hosts {
		wg.Add(1)
		go func(i int, h models.HostRecord) {
			defer wg.Done()
			if err := s.stopper.Stop(ctx, h); err != nil {
				s.logger.Warn("failed to stop agent", "host", h.Address, "error", err)
				errs[i] = fmt.Errorf("stop %s: %w", h.Address, err)
				return
			}
			s.logger.Debug("agent stopped", "host", h.Address)
		}(i, h)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Session) record(action string, inputs interface{}, outcome, details string) {
	if _, err := s.decisions.Record(s.id, action, inputs, outcome, details); err != nil {
		s.logger.Error("failed to record decision", "action", action, "error", err)
	}
}

func (s *Session) emit(e events.Event) {
	e.SessionID = s.id
	e.When = time.Now()
	s.events.Send(e)
}
