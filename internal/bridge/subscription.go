package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/mdrincic-boop/mpx-link-pro/internal/event"
	"github.com/mdrincic-boop/mpx-link-pro/internal/metrics"
)

// Backpressure selects what delivery does when a subscriber's queue is full.
type Backpressure int

const (
	// Block waits for the subscriber to make room. Nothing is lost or
	// reordered, but a stalled reader delays every other subscriber.
	Block Backpressure = iota
	// DropOldest discards the oldest queued event to make room. Used for
	// remote readers whose pace the host does not control.
	DropOldest
)

func (p Backpressure) String() string {
	if p == DropOldest {
		return "drop_oldest"
	}
	return "block"
}

// Subscription is one ordered stream of delivered events.
type Subscription struct {
	bridge  *Bridge
	policy  Backpressure
	ch      chan event.Event
	closed  chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// C returns the receive side of the stream. It is closed after Close.
func (s *Subscription) C() <-chan event.Event { return s.ch }

// Dropped returns how many events a DropOldest subscription discarded.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription. A delivery blocked on this queue is
// released and skips it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.bridge.remove(s)
	})
}

// deliver runs with the bridge delivery lock held, so it is the only
// sender on s.ch.
func (s *Subscription) deliver(ev event.Event) {
	select {
	case <-s.closed:
		return
	default:
	}
	if s.policy == DropOldest {
		for {
			select {
			case s.ch <- ev:
				return
			default:
			}
			select {
			case <-s.ch:
				s.dropped.Add(1)
				metrics.IncSubscriberDrop()
			default:
			}
		}
	}
	select {
	case s.ch <- ev:
	case <-s.closed:
	}
}
