package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub, "ninjateam.events", nil)

	sink.Send(Event{Kind: UnitCompleted, Unit: "obj/a.o", Agent: "w1"})

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "ninjateam.events.unit.completed", pub.subjects[0])

	var got Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, "obj/a.o", got.Unit)
}

func TestNATSSink_Error(t *testing.T) {
	var reported error
	sink := NewNATSSink(&fakePublisher{err: errors.New("nats down")}, "s", func(err error) { reported = err })
	sink.Send(Event{Kind: Progress})
	assert.EqualError(t, reported, "nats down")
}

func TestChanSink_DropsWhenFull(t *testing.T) {
	sink := NewChanSink(1)
	sink.Send(Event{Kind: UnitDispatched})
	sink.Send(Event{Kind: UnitCompleted})

	got := <-sink.Events()
	assert.Equal(t, UnitDispatched, got.Kind)
	select {
	case e := <-sink.Events():
		t.Fatalf("unexpected event %v", e.Kind)
	default:
	}
}

func TestMulti_StampsTime(t *testing.T) {
	a := NewChanSink(4)
	b := NewChanSink(4)
	m := NewMulti(a)
	m.Add(b)

	m.Send(Event{Kind: AgentReady, Agent: "w1"})

	ea := <-a.Events()
	eb := <-b.Events()
	assert.False(t, ea.When.IsZero())
	assert.Equal(t, ea.When, eb.When)
}

func TestLogSink_Progress(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	sink.Send(Event{Kind: Progress, Done: 5, Total: 20, ETA: 90 * time.Second})
	assert.Contains(t, buf.String(), "percent=25%")
	assert.Contains(t, buf.String(), "eta=1m30s")
}
