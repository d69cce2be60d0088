// Package bridge connects UI command requests to the backend process and
// fans backend events out to subscribers in production order.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mdrincic-boop/mpx-link-pro/internal/event"
	"github.com/mdrincic-boop/mpx-link-pro/internal/metrics"
)

// ErrBackendUnavailable is returned when a command needs a running backend
// and none is live.
var ErrBackendUnavailable = errors.New("backend unavailable")

// UnknownCommandError is returned for names that have no registered handler.
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string { return fmt.Sprintf("unknown command %q", e.Name) }

// InvalidArgsError reports an argument that failed validation.
type InvalidArgsError struct {
	Command string
	Field   string
	Value   any
}

func (e *InvalidArgsError) Error() string {
	return fmt.Sprintf("%s: invalid %s %v", e.Command, e.Field, e.Value)
}

// Backend is the process channel commands are written to. The supervisor
// implements it; tests substitute an in-memory fake.
type Backend interface {
	Launch(ctx context.Context) error
	Halt() error
	Send(line []byte) error
	Running() bool
}

// Gate reports whether a UI session is live to receive events.
type Gate interface {
	Live() bool
}

// Ack acknowledges dispatch of a command. It never carries the backend's
// eventual result, which arrives later as an Event.
type Ack struct {
	ID         string          `json:"id"`
	Command    string          `json:"command"`
	Dispatched bool            `json:"dispatched"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Handler implements one named command.
type Handler func(ctx context.Context, b *Bridge, cmd event.Command) (Ack, error)

type Bridge struct {
	backend Backend
	log     *slog.Logger

	gateMu sync.RWMutex
	gate   Gate

	regMu    sync.RWMutex
	handlers map[string]Handler

	// mu serializes delivery: seq assignment and the enqueue to every
	// subscriber happen under it so all subscribers observe one order.
	mu   sync.Mutex
	seq  uint64
	subs []*Subscription

	cacheMu sync.RWMutex
	cache   map[string]json.RawMessage
}

// New builds a bridge over backend with the standard command set
// registered.
func New(backend Backend, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		backend:  backend,
		log:      logger.With("component", "bridge"),
		handlers: make(map[string]Handler),
		cache:    make(map[string]json.RawMessage),
	}
	registerDefaults(b)
	return b
}

// SetGate installs the session liveness check. Without a gate every event
// is delivered.
func (b *Bridge) SetGate(g Gate) {
	b.gateMu.Lock()
	b.gate = g
	b.gateMu.Unlock()
}

// Register adds or replaces the handler for name.
func (b *Bridge) Register(name string, h Handler) {
	b.regMu.Lock()
	b.handlers[name] = h
	b.regMu.Unlock()
}

// Commands lists the registered command names in sorted order.
func (b *Bridge) Commands() []string {
	b.regMu.RLock()
	names := make([]string, 0, len(b.handlers))
	for n := range b.handlers {
		names = append(names, n)
	}
	b.regMu.RUnlock()
	sort.Strings(names)
	return names
}

// IssueCommand runs the handler registered for name. Unknown names fail
// with *UnknownCommandError without touching the backend.
func (b *Bridge) IssueCommand(ctx context.Context, name string, args map[string]any) (Ack, error) {
	b.regMu.RLock()
	h, ok := b.handlers[name]
	b.regMu.RUnlock()
	if !ok {
		metrics.IncCommand(name, "unknown")
		return Ack{}, &UnknownCommandError{Name: name}
	}
	cmd := event.NewCommand(name, args)
	ack, err := h(ctx, b, cmd)
	if ack.ID == "" {
		ack.ID = cmd.ID
	}
	if ack.Command == "" {
		ack.Command = name
	}
	switch {
	case err != nil:
		metrics.IncCommand(name, "error")
		b.log.Warn("command failed", "command", name, "error", err)
	case ack.Dispatched:
		metrics.IncCommand(name, "dispatched")
	default:
		metrics.IncCommand(name, "noop")
	}
	return ack, err
}

// Dispatch writes cmd to the backend and echoes it to subscribers.
func (b *Bridge) Dispatch(cmd event.Command) error {
	if b.backend == nil || !b.backend.Running() {
		return ErrBackendUnavailable
	}
	line, err := cmd.Line()
	if err != nil {
		return err
	}
	if err := b.backend.Send(line); err != nil {
		return fmt.Errorf("dispatch %s: %w", cmd.Name, err)
	}
	b.DeliverEvent(event.CommandEcho(cmd))
	return nil
}

// Backend returns the process channel the bridge writes to.
func (b *Bridge) Backend() Backend { return b.backend }

// DeliverEvent stamps ev with the next sequence number and enqueues it to
// every open subscription. Events are dropped while the gate reports no
// live session. Delivery blocks while a Block subscriber's queue is full;
// DropOldest subscribers lose their oldest queued event instead.
func (b *Bridge) DeliverEvent(ev event.Event) {
	ev = b.decode(ev)

	b.gateMu.RLock()
	gate := b.gate
	b.gateMu.RUnlock()
	if gate != nil && !gate.Live() {
		metrics.IncEventDropped()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ev = ev.WithSeq(b.seq)
	for _, s := range b.subs {
		s.deliver(ev)
	}
	metrics.IncEvent(string(ev.Kind))
}

// Subscribe registers a new ordered event stream with the given queue
// size and Block backpressure. A buffer below one is raised to one.
func (b *Bridge) Subscribe(buffer int) *Subscription {
	return b.SubscribeWith(buffer, Block)
}

// SubscribeWith registers an ordered event stream with an explicit
// backpressure policy.
func (b *Bridge) SubscribeWith(buffer int, policy Backpressure) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{
		bridge: b,
		policy: policy,
		ch:     make(chan event.Event, buffer),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

func (b *Bridge) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
}

// Subscribers returns the number of open subscriptions.
func (b *Bridge) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Last returns the most recent data the backend reported under name
// (for example network_info, devices or stats).
func (b *Bridge) Last(name string) (json.RawMessage, bool) {
	b.cacheMu.RLock()
	defer b.cacheMu.RUnlock()
	d, ok := b.cache[name]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), d...), true
}

// Stats returns the last stats snapshot reported by the backend.
func (b *Bridge) Stats() (json.RawMessage, bool) { return b.Last("stats") }

// backendLine is the JSON object the backend prints, one per line.
type backendLine struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// decode names stdout and stderr events after the backend's "type" field.
// Lines that are not JSON objects pass through unchanged.
func (b *Bridge) decode(ev event.Event) event.Event {
	if ev.Stream != event.StreamStdout && ev.Stream != event.StreamStderr {
		return ev
	}
	trimmed := strings.TrimSpace(ev.Payload)
	if !strings.HasPrefix(trimmed, "{") {
		return ev
	}
	var bl backendLine
	if err := json.Unmarshal([]byte(trimmed), &bl); err != nil || bl.Type == "" {
		return ev
	}
	data := bl.Data
	if len(data) == 0 {
		data = bl.Message
	}
	out := ev.WithName(bl.Type, data)
	if bl.Type == string(event.KindError) {
		out.Kind = event.KindError
	}
	if len(bl.Data) > 0 {
		b.cacheMu.Lock()
		b.cache[bl.Type] = append(json.RawMessage(nil), bl.Data...)
		b.cacheMu.Unlock()
	}
	return out
}
