package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mdrincic-boop/mpx-link-pro/internal/bridge"
	"github.com/mdrincic-boop/mpx-link-pro/internal/configstore"
	"github.com/mdrincic-boop/mpx-link-pro/internal/history"
	"github.com/mdrincic-boop/mpx-link-pro/internal/metrics"
	"github.com/mdrincic-boop/mpx-link-pro/internal/process"
	"github.com/mdrincic-boop/mpx-link-pro/internal/supervisor"
	"github.com/mdrincic-boop/mpx-link-pro/internal/window"
)

// Router serves the web interface of the dashboard.
// Endpoints (relative to basePath):
//
//	GET    /status            backend state, session liveness, last stats
//	GET    /system            host system snapshot
//	GET    /config            all stored settings (?defaults=1 merges defaults)
//	GET    /config/:key       one setting, 404 when absent
//	PUT    /config/:key       body {"value": ...}
//	DELETE /config/:key
//	GET    /commands          registered command names
//	POST   /commands/:name    body {"args": {...}}; 404 unknown, 503 backend unavailable
//	GET    /events            server-sent events stream of bridge events
//	GET    /history           recent backend runs (?limit=N)
//	GET    /metrics           prometheus exposition (when enabled)
type Router struct {
	opts     Options
	basePath string
	log      *slog.Logger
}

// BackendStatus is the read side of the supervisor.
type BackendStatus interface {
	State() supervisor.State
	Current() (*supervisor.Handle, bool)
	Usage(ctx context.Context) (process.Usage, error)
}

type Options struct {
	Bridge      *bridge.Bridge
	Store       configstore.Store
	Backend     BackendStatus
	Sessions    bridge.Gate
	History     history.Lister
	BasePath    string
	CORSOrigins []string
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token   string
	Metrics bool
	// EventBuffer is the queue size of each /events subscriber.
	EventBuffer int
	// Done ends open /events streams when closed.
	Done   <-chan struct{}
	Logger *slog.Logger
}

func NewRouter(opts Options) *Router {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Router{opts: opts, basePath: sanitizeBase(opts.BasePath), log: l.With("component", "web")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if mw := corsMiddleware(r.opts.CORSOrigins); mw != nil {
		g.Use(mw)
	}
	group := g.Group(r.basePath)
	group.Use(r.auth())
	group.GET("/status", r.handleStatus)
	group.GET("/system", r.handleSystem)
	group.GET("/config", r.handleConfigList)
	group.GET("/config/:key", r.handleConfigGet)
	group.PUT("/config/:key", r.handleConfigPut)
	group.DELETE("/config/:key", r.handleConfigDelete)
	group.GET("/commands", r.handleCommandList)
	group.POST("/commands/:name", r.handleCommand)
	group.GET("/events", r.handleEvents)
	group.GET("/history", r.handleHistory)
	if r.opts.Metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router,
// serving HTTPS when tlsCfg is non-nil. Errors other than a normal
// shutdown are sent on the returned channel, which is closed when the
// server stops.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) (*http.Server, <-chan error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: /events streams indefinitely
	}
	errc := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return server, errc
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return nil
	}
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Content-Length", "Authorization", "Accept", "Origin", "Cache-Control"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func (r *Router) auth() gin.HandlerFunc {
	want := []byte(r.opts.Token)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: "authentication required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	State       string         `json:"state"`
	Running     bool           `json:"running"`
	Handle      string         `json:"handle,omitempty"`
	PID         int            `json:"pid,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	Usage       *process.Usage `json:"usage,omitempty"`
	SessionLive bool           `json:"session_live"`
	Subscribers int            `json:"subscribers"`
	Stats       any            `json:"stats,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{State: supervisor.StateStopped.String()}
	if b := r.opts.Backend; b != nil {
		st := b.State()
		resp.State = st.String()
		resp.Running = st == supervisor.StateRunning
		if h, ok := b.Current(); ok {
			resp.Handle = h.ID
			resp.PID = h.PID
			started := h.StartedAt
			resp.StartedAt = &started
			if u, err := b.Usage(c.Request.Context()); err == nil {
				resp.Usage = &u
			}
		}
	}
	if r.opts.Sessions != nil {
		resp.SessionLive = r.opts.Sessions.Live()
	}
	if r.opts.Bridge != nil {
		resp.Subscribers = r.opts.Bridge.Subscribers()
		if stats, ok := r.opts.Bridge.Stats(); ok {
			resp.Stats = stats
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleSystem(c *gin.Context) {
	writeJSON(c, http.StatusOK, window.SystemSnapshot(c.Request.Context()))
}

func (r *Router) store(c *gin.Context) (configstore.Store, bool) {
	if r.opts.Store == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "config store not configured"})
		return nil, false
	}
	return r.opts.Store, true
}

func (r *Router) handleConfigList(c *gin.Context) {
	s, ok := r.store(c)
	if !ok {
		return
	}
	var (
		all map[string]any
		err error
	)
	if c.Query("defaults") != "" {
		all, err = configstore.Resolve(c.Request.Context(), s)
	} else {
		all, err = s.GetAll(c.Request.Context())
	}
	if err != nil {
		r.storeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, all)
}

type configValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (r *Router) handleConfigGet(c *gin.Context) {
	s, ok := r.store(c)
	if !ok {
		return
	}
	key := c.Param("key")
	if !isSafeName(key) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid key"})
		return
	}
	v, found, err := s.Get(c.Request.Context(), key)
	if err != nil {
		r.storeError(c, err)
		return
	}
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "key not found: " + key})
		return
	}
	writeJSON(c, http.StatusOK, configValue{Key: key, Value: v})
}

func (r *Router) handleConfigPut(c *gin.Context) {
	s, ok := r.store(c)
	if !ok {
		return
	}
	key := c.Param("key")
	if !isSafeName(key) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid key"})
		return
	}
	var body struct {
		Value any `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := s.Set(c.Request.Context(), key, body.Value); err != nil {
		r.storeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleConfigDelete(c *gin.Context) {
	s, ok := r.store(c)
	if !ok {
		return
	}
	key := c.Param("key")
	if !isSafeName(key) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid key"})
		return
	}
	if err := s.Delete(c.Request.Context(), key); err != nil {
		r.storeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) storeError(c *gin.Context, err error) {
	var ioErr *configstore.StorageIOError
	switch {
	case errors.Is(err, configstore.ErrClosed):
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
	case errors.As(err, &ioErr):
		r.log.Error("config store", "op", ioErr.Op, "path", ioErr.Path, "error", ioErr.Err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	}
}

func (r *Router) handleCommandList(c *gin.Context) {
	if r.opts.Bridge == nil {
		writeJSON(c, http.StatusOK, []string{})
		return
	}
	writeJSON(c, http.StatusOK, r.opts.Bridge.Commands())
}

func (r *Router) handleCommand(c *gin.Context) {
	if r.opts.Bridge == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "bridge not configured"})
		return
	}
	name := c.Param("name")
	var body struct {
		Args map[string]any `json:"args"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	ack, err := r.opts.Bridge.IssueCommand(c.Request.Context(), name, body.Args)
	if err != nil {
		var unknown *bridge.UnknownCommandError
		var invalid *bridge.InvalidArgsError
		var spawn *supervisor.SpawnError
		switch {
		case errors.As(err, &unknown):
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		case errors.As(err, &invalid):
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		case errors.Is(err, bridge.ErrBackendUnavailable), errors.Is(err, supervisor.ErrNotRunning):
			writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		case errors.As(err, &spawn):
			writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		default:
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		}
		return
	}
	writeJSON(c, http.StatusAccepted, ack)
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.opts.Bridge == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "bridge not configured"})
		return
	}
	// Remote readers must never hold up the backend or command dispatch.
	sub := r.opts.Bridge.SubscribeWith(r.opts.EventBuffer, bridge.DropOldest)
	defer func() {
		sub.Close()
		if n := sub.Dropped(); n > 0 {
			r.log.Info("event stream lagged", "remote", c.ClientIP(), "dropped", n)
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), ev)
			return true
		case <-ctx.Done():
			return false
		case <-r.opts.Done:
			return false
		}
	})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.opts.History == nil {
		writeJSON(c, http.StatusOK, []history.Record{})
		return
	}
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	recs, err := r.opts.History.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, recs)
}
