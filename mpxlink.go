// Package mpxlink hosts the mpx-link dashboard: it supervises the audio
// backend, bridges commands and events between the backend and the UI
// session, persists dashboard settings and serves the web interface.
package mpxlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mdrincic-boop/mpx-link-pro/internal/bridge"
	"github.com/mdrincic-boop/mpx-link-pro/internal/config"
	"github.com/mdrincic-boop/mpx-link-pro/internal/configstore"
	"github.com/mdrincic-boop/mpx-link-pro/internal/event"
	"github.com/mdrincic-boop/mpx-link-pro/internal/history"
	"github.com/mdrincic-boop/mpx-link-pro/internal/history/sqlite"
	"github.com/mdrincic-boop/mpx-link-pro/internal/logger"
	"github.com/mdrincic-boop/mpx-link-pro/internal/metrics"
	"github.com/mdrincic-boop/mpx-link-pro/internal/process"
	"github.com/mdrincic-boop/mpx-link-pro/internal/schedule"
	"github.com/mdrincic-boop/mpx-link-pro/internal/server"
	"github.com/mdrincic-boop/mpx-link-pro/internal/supervisor"
	"github.com/mdrincic-boop/mpx-link-pro/internal/webtls"
	"github.com/mdrincic-boop/mpx-link-pro/internal/window"
)

// Re-export core types for external consumers.

type Config = config.Config

type Settings = config.Settings

type Event = event.Event

type Store = configstore.Store

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// OpenStore opens the settings store described by cfg.
func OpenStore(cfg *Config) (Store, error) { return configstore.Open(cfg.Store) }

// Options tune a Host beyond its configuration.
type Options struct {
	// Console receives the host log. Defaults to stderr.
	Console io.Writer
	// OnEvent consumes events delivered to the primary session. Without it
	// events are written to the host log at debug level.
	OnEvent func(Event)
	// Display overrides the configured display size.
	Display window.DisplayProvider
}

// Host owns every long-lived component of one dashboard instance.
type Host struct {
	cfg      *Config
	settings Settings
	opts     Options
	log      *slog.Logger

	logCloser io.Closer
	store     Store
	history   *sqlite.Sink
	sup       *supervisor.Supervisor
	bridge    *bridge.Bridge
	windows   *window.Manager
	jobs      *schedule.Scheduler

	web        *http.Server
	webErr     <-chan error
	metricsSrv *http.Server

	quit      chan struct{}
	quitOnce  sync.Once
	closeOnce sync.Once
}

// NewHost opens the settings store, applies the persisted settings over
// cfg and wires the supervisor, bridge and window manager together.
// Nothing is started until Run.
func NewHost(cfg *Config, opts Options) (*Host, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := configstore.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}
	settings, err := cfg.ApplyStore(context.Background(), store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("read settings: %w", err)
	}
	env, err := cfg.BackendEnv()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	log, logCloser := logger.New(cfg.Log, opts.Console)
	h := &Host{
		cfg:       cfg,
		settings:  settings,
		opts:      opts,
		log:       log,
		logCloser: logCloser,
		store:     store,
		quit:      make(chan struct{}),
	}

	var sinks []history.Sink
	if cfg.History.Enabled {
		hs, err := sqlite.New(cfg.History.Path)
		if err != nil {
			log.Warn("run history disabled", "path", cfg.History.Path, "error", err)
		} else {
			h.history = hs
			sinks = append(sinks, hs)
		}
	}

	reapCtx, cancel := context.WithTimeout(context.Background(), cfg.Backend.StopGrace+2*time.Second)
	if pid, err := process.ReapOrphan(reapCtx, process.PIDFile{Path: cfg.Backend.PIDFile}, cfg.Backend.StopGrace); err != nil {
		log.Warn("orphan backend check failed", "pid_file", cfg.Backend.PIDFile, "error", err)
	} else if pid > 0 {
		log.Warn("stopped orphaned backend from a previous run", "pid", pid)
	}
	cancel()

	exe, args := cfg.BackendCommand()
	h.sup = supervisor.New(supervisor.Options{
		Name:      cfg.Backend.Name,
		Path:      exe,
		Args:      args,
		WorkDir:   cfg.Backend.WorkDir,
		Env:       env,
		Capture:   cfg.Log.Capture,
		StopGrace: cfg.Backend.StopGrace,
		Logger:    log,
		History:   sinks,
		PIDFile:   cfg.Backend.PIDFile,
	})
	h.bridge = bridge.New(h.sup, log)

	display := opts.Display
	if display == nil {
		display = window.StaticDisplay{WorkWidth: cfg.Window.DisplayWidth, WorkHeight: cfg.Window.DisplayHeight}
	}
	h.windows = window.NewManager(window.Options{
		Display: display,
		Events:  h.bridge,
		Width:   cfg.Window.Width,
		Height:  cfg.Window.Height,
		OnQuit:  h.requestQuit,
		Logger:  log,
	})

	h.sup.SetSink(h.bridge)
	h.bridge.SetGate(h.windows)

	h.jobs = schedule.NewScheduler(h.runJob, log)
	for i := range cfg.Schedule {
		if err := h.jobs.Add(&cfg.Schedule[i]); err != nil {
			_ = h.Close()
			return nil, err
		}
	}
	return h, nil
}

func (h *Host) Config() *Config                    { return h.cfg }
func (h *Host) Settings() Settings                 { return h.settings }
func (h *Host) Logger() *slog.Logger               { return h.log }
func (h *Host) Store() Store                       { return h.store }
func (h *Host) Bridge() *bridge.Bridge             { return h.bridge }
func (h *Host) Supervisor() *supervisor.Supervisor { return h.sup }
func (h *Host) Windows() *window.Manager           { return h.windows }

// Quit asks a running Host to shut down.
func (h *Host) Quit() { h.windows.Quit() }

// Done is closed once the host has been asked to quit.
func (h *Host) Done() <-chan struct{} { return h.quit }

func (h *Host) requestQuit() { h.quitOnce.Do(func() { close(h.quit) }) }

// Run opens the primary session, starts the web interface and, when the
// autoStart setting allows it, the backend. It blocks until ctx is done or
// the host quits, then shuts everything down.
func (h *Host) Run(ctx context.Context) error {
	defer func() { _ = h.Close() }()

	if h.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			h.log.Warn("register metrics", "error", err)
		}
		if h.cfg.Metrics.Addr != "" {
			h.metricsSrv = h.serveMetrics(h.cfg.Metrics.Addr)
		}
	}

	session, err := h.windows.CreateSession(ctx, h.settings.KioskMode)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	h.log.Info("session opened", "id", session.ID, "kiosk", session.Kiosk,
		"width", session.Geometry.Width, "height", session.Geometry.Height)
	go h.consume(session)

	if h.cfg.Web.Enabled {
		r := server.NewRouter(server.Options{
			Bridge:      h.bridge,
			Store:       h.store,
			Backend:     h.sup,
			Sessions:    h.windows,
			History:     h.lister(),
			BasePath:    h.cfg.Web.BasePath,
			CORSOrigins: h.cfg.Web.CORSOrigins,
			Token:       h.cfg.Web.Token,
			Metrics:     h.cfg.Metrics.Enabled,
			Done:        h.quit,
			Logger:      h.log,
		})
		tlsCfg, err := webtls.Setup(h.cfg.Web.TLS)
		if err != nil {
			return fmt.Errorf("web interface TLS: %w", err)
		}
		h.web, h.webErr = server.NewServer(h.cfg.WebAddr(), r, tlsCfg)
		h.log.Info("web interface listening", "addr", h.cfg.WebAddr(), "base_path", h.cfg.Web.BasePath, "tls", tlsCfg != nil)
	}

	if h.settings.AutoStart {
		if err := h.sup.Launch(ctx); err != nil {
			h.log.Error("backend auto-start failed", "error", err)
		}
	}
	if err := h.jobs.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-h.quit:
	case err, ok := <-h.webErr:
		if ok && err != nil {
			return fmt.Errorf("web interface: %w", err)
		}
	}
	return nil
}

// consume drains a session's events until the session closes.
func (h *Host) consume(s *window.Session) {
	for ev := range s.Events() {
		if h.opts.OnEvent != nil {
			h.opts.OnEvent(ev)
			continue
		}
		h.log.Debug("event", "seq", ev.Seq, "kind", ev.Kind, "name", ev.Name, "payload", ev.Payload)
	}
}

// Activate reopens the primary session after it was closed on platforms
// that stay alive without a window.
func (h *Host) Activate(ctx context.Context) error {
	prev, hadPrimary := h.windows.Primary()
	s, err := h.windows.Activate(ctx)
	if err != nil {
		return err
	}
	if !hadPrimary || prev != s {
		go h.consume(s)
	}
	return nil
}

// runJob executes one scheduled tick: either a host resource snapshot or a
// dashboard command.
func (h *Host) runJob(ctx context.Context, j *schedule.Job) error {
	if j.Command != schedule.SystemStats {
		_, err := h.bridge.IssueCommand(ctx, j.Command, j.Args)
		return err
	}
	if !h.windows.Live() {
		return nil
	}
	stats := systemStats{SystemInfo: window.SystemSnapshot(ctx)}
	if u, err := h.sup.Usage(ctx); err == nil {
		stats.Backend = &u
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	h.bridge.DeliverEvent(event.System(event.KindLog, NameSystemStats, "").WithName(NameSystemStats, data))
	return nil
}

// NameSystemStats names the periodic host resource event.
const NameSystemStats = "system_stats"

type systemStats struct {
	window.SystemInfo
	Backend *process.Usage `json:"backend,omitempty"`
}

func (h *Host) lister() history.Lister {
	if h.history == nil {
		return nil
	}
	return h.history
}

func (h *Host) serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("metrics server", "addr", addr, "error", err)
		}
	}()
	return srv
}

// Close stops the backend and releases every resource. It is safe to call
// more than once.
func (h *Host) Close() error {
	var errs []error
	h.closeOnce.Do(func() {
		h.jobs.Stop()
		h.windows.Quit()
		if err := h.sup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stop backend: %w", err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{h.web, h.metricsSrv} {
			if srv != nil && srv.Shutdown(ctx) != nil {
				_ = srv.Close()
			}
		}
		if h.history != nil {
			if err := h.history.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := h.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close settings store: %w", err))
		}
		_ = h.logCloser.Close()
	})
	return errors.Join(errs...)
}
