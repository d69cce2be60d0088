// Package event defines the immutable messages exchanged between the
// backend supervisor, the command bridge and UI subscribers.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind is the category tag carried by every Event. Log and Error must stay
// distinguishable end-to-end so subscribers can style and filter them.
type Kind string

const (
	KindLog     Kind = "log"
	KindError   Kind = "error"
	KindCommand Kind = "command"
)

// Stream identifies where a backend line was read from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
)

// Well-known event names.
const (
	NameSpawnFailed = "spawn_failed"
	NameExit        = "exit"
	NameStarted     = "started"
)

// Event is a one-way notification flowing from the backend or the host to
// UI subscribers. Values are never mutated after construction; Seq is
// assigned by the bridge on a copy at delivery time.
type Event struct {
	ID       string          `json:"id"`
	Seq      uint64          `json:"seq"`
	Kind     Kind            `json:"kind"`
	Name     string          `json:"name,omitempty"`
	Stream   Stream          `json:"stream"`
	Payload  string          `json:"payload"`
	Data     json.RawMessage `json:"data,omitempty"`
	ExitCode *int            `json:"exit_code,omitempty"`
	Time     time.Time       `json:"time"`
}

func newEvent(kind Kind, stream Stream, payload string) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Stream:  stream,
		Payload: payload,
		Time:    time.Now(),
	}
}

// Log builds an informational event from a raw stdout line.
func Log(payload string) Event { return newEvent(KindLog, StreamStdout, payload) }

// Error builds an error event from a raw stderr line.
func Error(payload string) Event { return newEvent(KindError, StreamStderr, payload) }

// System builds a host-originated event (spawn failures, exits).
func System(kind Kind, name, payload string) Event {
	ev := newEvent(kind, StreamSystem, payload)
	ev.Name = name
	return ev
}

// Exit builds the event emitted once per backend exit. Crashes are reported
// with KindError so the UI surfaces them like stderr output.
func Exit(code int, crashed bool, payload string) Event {
	kind := KindLog
	if crashed {
		kind = KindError
	}
	ev := System(kind, NameExit, payload)
	c := code
	ev.ExitCode = &c
	return ev
}

// CommandEcho mirrors a dispatched command back to subscribers.
func CommandEcho(cmd Command) Event {
	ev := newEvent(KindCommand, StreamSystem, "")
	ev.Name = cmd.Name
	if b, err := json.Marshal(cmd); err == nil {
		ev.Payload = string(b)
		ev.Data = b
	}
	return ev
}

// WithName returns a copy of e carrying a structured name and data.
func (e Event) WithName(name string, data json.RawMessage) Event {
	e.Name = name
	if len(data) > 0 {
		e.Data = append(json.RawMessage(nil), data...)
	}
	return e
}

// WithSeq returns a copy of e stamped with a delivery sequence number.
func (e Event) WithSeq(seq uint64) Event {
	e.Seq = seq
	return e
}
