package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdrincic-boop/mpx-link-pro/internal/bridge"
	"github.com/mdrincic-boop/mpx-link-pro/internal/configstore"
	"github.com/mdrincic-boop/mpx-link-pro/internal/event"
	"github.com/mdrincic-boop/mpx-link-pro/internal/history"
	"github.com/mdrincic-boop/mpx-link-pro/internal/process"
	"github.com/mdrincic-boop/mpx-link-pro/internal/supervisor"
)

func init() { gin.SetMode(gin.TestMode) }

type stubBackend struct {
	mu      sync.Mutex
	running bool
	lines   []string
}

func (b *stubBackend) Launch(context.Context) error {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	return nil
}

func (b *stubBackend) Halt() error {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	return nil
}

func (b *stubBackend) Send(line []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, string(line))
	return nil
}

func (b *stubBackend) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *stubBackend) State() supervisor.State {
	if b.Running() {
		return supervisor.StateRunning
	}
	return supervisor.StateStopped
}

func (b *stubBackend) Current() (*supervisor.Handle, bool) {
	if !b.Running() {
		return nil, false
	}
	return &supervisor.Handle{ID: "run-1", PID: 4242, StartedAt: time.Unix(1700000000, 0)}, true
}

func (b *stubBackend) Usage(context.Context) (process.Usage, error) {
	return process.Usage{}, errors.New("no usage")
}

type liveGate struct{}

func (liveGate) Live() bool { return true }

type stubHistory struct{ recs []history.Record }

func (h stubHistory) Recent(_ context.Context, limit int) ([]history.Record, error) {
	if limit < len(h.recs) {
		return h.recs[:limit], nil
	}
	return h.recs, nil
}

type fixture struct {
	backend *stubBackend
	bridge  *bridge.Bridge
	store   configstore.Store
	handler http.Handler
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	store, err := configstore.OpenFile(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	be := &stubBackend{}
	br := bridge.New(be, nil)
	br.SetGate(liveGate{})
	opts := Options{
		Bridge:   br,
		Store:    store,
		Backend:  be,
		Sessions: liveGate{},
		BasePath: "/api",
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &fixture{backend: be, bridge: br, store: store, handler: NewRouter(opts).Handler()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestStatusReportsBackendAndSession(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "stopped", st.State)
	assert.False(t, st.Running)
	assert.True(t, st.SessionLive)

	require.NoError(t, f.backend.Launch(context.Background()))
	f.bridge.DeliverEvent(event.Log(`{"type":"stats","data":{"packets":7}}` + "\n"))
	rec = f.do(t, http.MethodGet, "/api/status", "")
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, "running", raw["state"])
	assert.Equal(t, "run-1", raw["handle"])
	assert.EqualValues(t, 4242, raw["pid"])
	assert.Equal(t, map[string]any{"packets": float64(7)}, raw["stats"])
	assert.NotContains(t, raw, "usage")
}

func TestConfigEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/config/kioskMode", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/config/kioskMode", `{"value": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/config/kioskMode", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"key":"kioskMode","value":true}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"kioskMode":true}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/config?defaults=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Equal(t, true, all[configstore.KeyKioskMode])
	assert.Equal(t, true, all[configstore.KeyAutoStart])

	rec = f.do(t, http.MethodDelete, "/api/config/kioskMode", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/config/kioskMode", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/config/a..b", `{"value":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/config/webPort", `{"value":`).Code)
}

func TestConfigWithoutStore(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Store = nil })
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/config", "").Code)
}

func TestConfigClosedStore(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.Close())
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/config/webPort", "").Code)
}

func TestCommandEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/commands", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var names []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	assert.Contains(t, names, bridge.CmdStartStream)

	rec = f.do(t, http.MethodPost, "/api/commands/reboot", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/commands/configure_network", `{"args":{"method":"dhcp","interface":"eth0"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dispatched":false`)

	offline := newFixture(t, func(o *Options) { o.Bridge = bridge.New(nil, nil) })
	rec = offline.do(t, http.MethodPost, "/api/commands/start_stream", `{"args":{"mode":"sender"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/commands/start_stream", `{"args":{"mode":"broadcast"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/commands/start_stream", `{"args":{"mode":"sender","channelMode":"stereo"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var ack bridge.Ack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, bridge.CmdStartStream, ack.Command)
	assert.True(t, ack.Dispatched)
	assert.True(t, f.backend.Running())
	require.Len(t, f.backend.lines, 1)
	assert.Contains(t, f.backend.lines[0], `"command":"start_stream"`)

	rec = f.do(t, http.MethodPost, "/api/commands/get_devices", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.bridge.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.bridge.DeliverEvent(event.Log("stream up\n"))

	sc := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event:") {
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
		if strings.HasPrefix(line, "data:") {
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			break
		}
	}
	assert.Equal(t, "log", eventLine)
	var ev event.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.Equal(t, "stream up\n", ev.Payload)
	assert.Equal(t, uint64(1), ev.Seq)

	cancel()
	require.Eventually(t, func() bool { return f.bridge.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHistoryEndpoint(t *testing.T) {
	code := 0
	f := newFixture(t, func(o *Options) {
		o.History = stubHistory{recs: []history.Record{
			{RunID: "b", Name: "backend", ExitCode: &code},
			{RunID: "a", Name: "backend"},
		}}
	})
	rec := f.do(t, http.MethodGet, "/api/history?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []history.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].RunID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/history?limit=x", "").Code)

	f = newFixture(t, nil)
	rec = f.do(t, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestBearerToken(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Token = "s3cret" })

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/status", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.CORSOrigins = []string{"http://localhost:5173"} })
	req := httptest.NewRequest(http.MethodOptions, "/api/config/webPort", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsRouteOptional(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/metrics", "").Code)

	f = newFixture(t, func(o *Options) { o.Metrics = true })
	rec := f.do(t, http.MethodGet, "/api/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSystemEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/system", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.NotEmpty(t, info["platform"])
	assert.NotEmpty(t, info["hostname"])
}
