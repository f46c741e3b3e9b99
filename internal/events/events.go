// Package events carries build progress events from the controller to
// whoever is watching: the log, a NATS subject, or the progress view.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fentz26/ninjateam/internal/logging"
)

// Kind classifies an event.
type Kind string

const (
	SessionStarted  Kind = "session.started"
	ModeChanged     Kind = "session.mode_changed"
	SessionFinished Kind = "session.finished"
	AgentReady      Kind = "agent.ready"
	AgentLost       Kind = "agent.lost"
	HostExcluded    Kind = "host.excluded"
	UnitDispatched  Kind = "unit.dispatched"
	UnitStolen      Kind = "unit.stolen"
	UnitCached      Kind = "unit.cached"
	UnitCompleted   Kind = "unit.completed"
	UnitRetried     Kind = "unit.retried"
	UnitFailed      Kind = "unit.failed"
	UnitBlocked     Kind = "unit.blocked"
	Progress        Kind = "build.progress"
)

// Event is one build event.
type Event struct {
	Kind      Kind              `json:"kind"`
	SessionID string            `json:"session_id,omitempty"`
	When      time.Time         `json:"when"`
	Unit      string            `json:"unit,omitempty"`
	Agent     string            `json:"agent,omitempty"`
	Message   string            `json:"message,omitempty"`
	Done      int               `json:"done,omitempty"`
	Total     int               `json:"total,omitempty"`
	ETA       time.Duration     `json:"eta,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Sink receives events. Send must not block the caller for long.
type Sink interface {
	Send(Event)
}

// Noop drops events.
type Noop struct{}

// Send drops e.
func (Noop) Send(Event) {}

// LogSink writes events to a structured logger at Debug, progress at Info.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logging.OrDiscard(logger)}
}

// Send logs e.
func (s *LogSink) Send(e Event) {
	switch e.Kind {
	case Progress:
		s.logger.Info("build progress",
			"done", e.Done,
			"total", e.Total,
			"percent", percent(e.Done, e.Total),
			"eta", e.ETA.Round(time.Second).String(),
		)
	default:
		attrs := []any{"kind", string(e.Kind)}
		if e.Unit != "" {
			attrs = append(attrs, "unit", e.Unit)
		}
		if e.Agent != "" {
			attrs = append(attrs, "agent", e.Agent)
		}
		if e.Message != "" {
			attrs = append(attrs, "message", e.Message)
		}
		s.logger.Debug("build event", attrs...)
	}
}

func percent(done, total int) string {
	if total == 0 {
		return "100%"
	}
	return fmt.Sprintf("%d%%", done*100/total)
}

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON on a subject.
type NATSSink struct {
	pub     Publisher
	subject string
	onError func(error)
}

// NewNATSSink creates a sink publishing on subject. onError, when set, is
// called for every failed publish.
func NewNATSSink(pub Publisher, subject string, onError func(error)) *NATSSink {
	return &NATSSink{pub: pub, subject: subject, onError: onError}
}

// Connect dials a NATS server for event publishing.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("ninjateam"), nats.MaxReconnects(5))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Send publishes e. Failures are reported, never returned.
func (s *NATSSink) Send(e Event) {
	data, err := json.Marshal(e)
	if err == nil {
		err = s.pub.Publish(s.subject+"."+string(e.Kind), data)
	}
	if err != nil && s.onError != nil {
		s.onError(err)
	}
}

// ChanSink forwards events to a channel, dropping them when it is full.
type ChanSink struct {
	ch chan Event
}

// NewChanSink creates a ChanSink with the given buffer.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{ch: make(chan Event, buffer)}
}

// Events returns the receive side.
func (s *ChanSink) Events() <-chan Event {
	return s.ch
}

// Send forwards e without blocking.
func (s *ChanSink) Send(e Event) {
	select {
	case s.ch <- e:
	default:
	}
}

// Close closes the channel. Send must not be called afterwards.
func (s *ChanSink) Close() {
	close(s.ch)
}

// Multi fans events out to several sinks.
type Multi struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMulti creates a fan-out sink.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Add appends a sink.
func (m *Multi) Add(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Send forwards e to every sink.
func (m *Multi) Send(e Event) {
	if e.When.IsZero() {
		e.When = time.Now()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sinks {
		s.Send(e)
	}
}
