// Package window manages the UI session the dashboard renders into. It
// owns session geometry, kiosk input filtering and the close/quit policy,
// and acts as the bridge's gate: events are delivered only while the
// primary session is live.
package window

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mdrincic-boop/mpx-link-pro/internal/bridge"
	"github.com/mdrincic-boop/mpx-link-pro/internal/metrics"
)

var (
	ErrSessionExists = errors.New("a primary session already exists")
	ErrNoDisplay     = errors.New("no display available")
	ErrNotPrimary    = errors.New("session is not the primary session")
)

const (
	DefaultWidth  = 1400
	DefaultHeight = 900
)

// Display is the usable work area of a screen.
type Display struct {
	WorkWidth  int `json:"work_width"`
	WorkHeight int `json:"work_height"`
}

// DisplayProvider reports the primary display.
type DisplayProvider interface {
	PrimaryDisplay(ctx context.Context) (Display, error)
}

// StaticDisplay is a fixed display, typically taken from configuration.
type StaticDisplay Display

func (d StaticDisplay) PrimaryDisplay(context.Context) (Display, error) {
	if d.WorkWidth <= 0 || d.WorkHeight <= 0 {
		return Display{}, ErrNoDisplay
	}
	return Display(d), nil
}

// EventSource hands out ordered event subscriptions.
type EventSource interface {
	Subscribe(buffer int) *bridge.Subscription
}

type Options struct {
	Display  DisplayProvider
	Events   EventSource
	Platform string // defaults to runtime.GOOS
	Width    int
	Height   int
	Buffer   int // per-session event queue size
	// OnQuit runs once when the last session closes on platforms that quit
	// with their last window.
	OnQuit func()
	Logger *slog.Logger
}

type Manager struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	primary   *Session
	lastKiosk bool
	quitOnce  sync.Once
	quitting  bool
}

func NewManager(opts Options) *Manager {
	if opts.Platform == "" {
		opts.Platform = runtime.GOOS
	}
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Manager{opts: opts, log: l.With("component", "window")}
}

// CreateSession opens the primary session. Kiosk sessions take the whole
// work area of the primary display without frame or menu.
func (m *Manager) CreateSession(ctx context.Context, kiosk bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.primary != nil {
		return nil, ErrSessionExists
	}

	geo := Geometry{
		Width:        m.opts.Width,
		Height:       m.opts.Height,
		Frame:        true,
		MenuVisible:  true,
		AutoHideMenu: true,
	}
	if kiosk {
		if m.opts.Display == nil {
			return nil, ErrNoDisplay
		}
		d, err := m.opts.Display.PrimaryDisplay(ctx)
		if err != nil {
			return nil, err
		}
		geo = Geometry{
			Width:      d.WorkWidth,
			Height:     d.WorkHeight,
			Fullscreen: true,
		}
	}

	s := &Session{
		ID:        uuid.NewString(),
		Kiosk:     kiosk,
		Geometry:  geo,
		CreatedAt: time.Now(),
		platform:  m.opts.Platform,
	}
	if m.opts.Events != nil {
		s.sub = m.opts.Events.Subscribe(m.opts.Buffer)
	}
	s.live.Store(true)
	m.primary = s
	m.lastKiosk = kiosk
	metrics.SetSessionsLive(1)
	m.log.Info("session created", "id", s.ID, "kiosk", kiosk, "width", geo.Width, "height", geo.Height)
	return s, nil
}

// Close handles the user closing s. The session stops receiving events at
// once. On every platform except macOS the host then quits; on macOS the
// host keeps running until Activate opens a new session or Quit is called.
func (m *Manager) Close(s *Session) error {
	m.mu.Lock()
	if s == nil || m.primary != s {
		m.mu.Unlock()
		return ErrNotPrimary
	}
	s.live.Store(false)
	m.primary = nil
	m.mu.Unlock()

	if s.sub != nil {
		s.sub.Close()
	}
	metrics.SetSessionsLive(0)
	m.log.Info("session closed", "id", s.ID)

	if m.opts.Platform != "darwin" {
		m.Quit()
	}
	return nil
}

// Activate recreates the primary session when none is open, keeping the
// kiosk mode of the previous one. With a live session it returns that one.
func (m *Manager) Activate(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	cur := m.primary
	kiosk := m.lastKiosk
	quitting := m.quitting
	m.mu.Unlock()
	if cur != nil {
		return cur, nil
	}
	if quitting {
		return nil, errors.New("host is quitting")
	}
	return m.CreateSession(ctx, kiosk)
}

// Quit runs the quit hook once and closes any open session.
func (m *Manager) Quit() {
	m.quitOnce.Do(func() {
		m.mu.Lock()
		m.quitting = true
		s := m.primary
		m.primary = nil
		m.mu.Unlock()
		if s != nil {
			s.live.Store(false)
			if s.sub != nil {
				s.sub.Close()
			}
			metrics.SetSessionsLive(0)
		}
		m.log.Info("quitting")
		if m.opts.OnQuit != nil {
			m.opts.OnQuit()
		}
	})
}

// Live reports whether a primary session is open.
func (m *Manager) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary != nil && m.primary.Live()
}

// Primary returns the open primary session.
func (m *Manager) Primary() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary, m.primary != nil
}

// Platform returns the platform the close policy follows.
func (m *Manager) Platform() string { return m.opts.Platform }
