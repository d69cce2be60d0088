package window

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/mdrincic-boop/mpx-link-pro/internal/bridge"
	"github.com/mdrincic-boop/mpx-link-pro/internal/event"
)

// Geometry describes how a session's surface is presented.
type Geometry struct {
	Width        int  `json:"width"`
	Height       int  `json:"height"`
	Frame        bool `json:"frame"`
	MenuVisible  bool `json:"menu_visible"`
	AutoHideMenu bool `json:"auto_hide_menu"`
	Fullscreen   bool `json:"fullscreen"`
}

// KeyInput is one keyboard event observed by a session before it reaches
// the UI.
type KeyInput struct {
	Key     string `json:"key"`
	Control bool   `json:"control"`
	Meta    bool   `json:"meta"`
	Alt     bool   `json:"alt"`
	Shift   bool   `json:"shift"`
}

// Session is one UI surface. At most one session is primary at a time.
type Session struct {
	ID        string    `json:"id"`
	Kiosk     bool      `json:"kiosk"`
	Geometry  Geometry  `json:"geometry"`
	CreatedAt time.Time `json:"created_at"`

	platform string
	sub      *bridge.Subscription
	live     atomic.Bool
}

// Live reports whether the session has not been closed.
func (s *Session) Live() bool { return s.live.Load() }

// Events returns the ordered event stream delivered to this session, or
// nil when the manager has no event source. The channel is closed when the
// session closes.
func (s *Session) Events() <-chan event.Event {
	if s.sub == nil {
		return nil
	}
	return s.sub.C()
}

// FilterInput reports whether key must be suppressed. Only kiosk sessions
// suppress anything: the full-screen toggle (F11) and the force-close
// combinations Ctrl+W, Cmd+W on macOS and Alt+F4.
func (s *Session) FilterInput(key KeyInput) bool {
	if !s.Kiosk {
		return false
	}
	k := strings.ToLower(key.Key)
	switch {
	case k == "f11":
		return true
	case k == "w" && key.Control:
		return true
	case k == "w" && key.Meta && s.platform == "darwin":
		return true
	case k == "f4" && key.Alt:
		return true
	}
	return false
}
