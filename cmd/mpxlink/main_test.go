package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdrincic-boop/mpx-link-pro/internal/bridge"
	"github.com/mdrincic-boop/mpx-link-pro/internal/server"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mpxlink.toml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir = \""+dir+"\"\n"), 0o600))
	return path
}

func TestRootListsSubcommands(t *testing.T) {
	root := buildRoot()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "config", "status", "command", "events", "history", "sysinfo"} {
		assert.Contains(t, names, want)
	}

	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "mpxlink")
}

func TestConfigCommandsUseLocalStore(t *testing.T) {
	cfgPath := writeConfig(t)

	_, err := execute(t, "--config", cfgPath, "config", "set", "kioskMode", "true")
	require.NoError(t, err)
	_, err = execute(t, "--config", cfgPath, "config", "set", "supabaseUrl", "https://example.supabase.co")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfgPath, "config", "get", "kioskMode")
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)

	out, err = execute(t, "--config", cfgPath, "config", "list", "--defaults")
	require.NoError(t, err)
	var all map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	assert.Equal(t, true, all["kioskMode"])
	assert.Equal(t, "https://example.supabase.co", all["supabaseUrl"])
	assert.Equal(t, "3000", all["webPort"])

	_, err = execute(t, "--config", cfgPath, "config", "delete", "kioskMode")
	require.NoError(t, err)
	_, err = execute(t, "--config", cfgPath, "config", "get", "kioskMode")
	require.ErrorContains(t, err, "not set")
}

type runningBackend struct {
	mu    sync.Mutex
	lines []string
}

func (b *runningBackend) Launch(context.Context) error { return nil }
func (b *runningBackend) Halt() error                  { return nil }
func (b *runningBackend) Running() bool                { return true }
func (b *runningBackend) Send(line []byte) error {
	b.mu.Lock()
	b.lines = append(b.lines, string(line))
	b.mu.Unlock()
	return nil
}

func TestCommandAndRemoteConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)
	be := &runningBackend{}
	br := bridge.New(be, nil)
	srv := httptest.NewServer(server.NewRouter(server.Options{Bridge: br, BasePath: "/api"}).Handler())
	defer srv.Close()
	api := srv.URL + "/api"

	out, err := execute(t, "--api-url", api, "command", "start_stream", "mode=receiver", "channelMode=mono")
	require.NoError(t, err)
	var ack map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &ack))
	assert.Equal(t, "start_stream", ack["command"])
	assert.Equal(t, true, ack["dispatched"])
	require.Len(t, be.lines, 1)
	assert.Contains(t, be.lines[0], `"channelMode":"mono"`)

	_, err = execute(t, "--api-url", api, "command", "configure_network", "--json", `{"method":"dhcp","interface":"eth0"}`)
	require.NoError(t, err)
	require.Len(t, be.lines, 2)
	assert.Contains(t, be.lines[1], `"method":"dhcp"`)

	_, err = execute(t, "--api-url", api, "command", "start_stream", "broken")
	require.ErrorContains(t, err, "key=value")

	_, err = execute(t, "--api-url", api, "config", "list")
	require.Error(t, err, "host without a settings store")
}

func TestSysinfoPrintsJSON(t *testing.T) {
	out, err := execute(t, "sysinfo")
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info["platform"])
}
