package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mdrincic-boop/mpx-link-pro/internal/configstore"
	"github.com/mdrincic-boop/mpx-link-pro/internal/logger"
	"github.com/mdrincic-boop/mpx-link-pro/internal/schedule"
	"github.com/mdrincic-boop/mpx-link-pro/internal/webtls"
)

// Run modes. Development runs the backend script from the source tree;
// packaged runs the copy shipped in the resources directory.
const (
	ModeDevelopment = "development"
	ModePackaged    = "packaged"
)

// Config is the host configuration: TOML file, then MPX_* environment
// variables, then the persisted dashboard settings (see ApplyStore).
type Config struct {
	Mode    string             `mapstructure:"mode"`
	DataDir string             `mapstructure:"data_dir"`
	Backend BackendConfig      `mapstructure:"backend"`
	Store   configstore.Config `mapstructure:"store"`
	Log     logger.Config      `mapstructure:"log"`
	Web     WebConfig          `mapstructure:"web"`
	Metrics MetricsConfig      `mapstructure:"metrics"`
	History HistoryConfig      `mapstructure:"history"`
	Window  WindowConfig       `mapstructure:"window"`
	// Schedule lists periodic jobs ([[schedule]] tables).
	Schedule []schedule.Job `mapstructure:"schedule"`
}

type BackendConfig struct {
	Name          string        `mapstructure:"name"`
	Executable    string        `mapstructure:"executable"`
	Args          []string      `mapstructure:"args"`
	DevExecutable string        `mapstructure:"dev_executable"`
	DevArgs       []string      `mapstructure:"dev_args"`
	ResourcesDir  string        `mapstructure:"resources_dir"`
	WorkDir       string        `mapstructure:"workdir"`
	Env           []string      `mapstructure:"env"`
	EnvFiles      []string      `mapstructure:"env_files"`
	StopGrace     time.Duration `mapstructure:"stop_signal_grace"`
	PIDFile       string        `mapstructure:"pid_file"`
}

type WebConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Host        string   `mapstructure:"host"`
	Port        string   `mapstructure:"port"`
	BasePath    string   `mapstructure:"base_path"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// Token, when set, must be presented as a bearer token by API clients.
	Token string        `mapstructure:"token"`
	TLS   webtls.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type WindowConfig struct {
	Kiosk         bool `mapstructure:"kiosk"`
	Width         int  `mapstructure:"width"`
	Height        int  `mapstructure:"height"`
	DisplayWidth  int  `mapstructure:"display_width"`
	DisplayHeight int  `mapstructure:"display_height"`
}

// DefaultDataDir is where settings and history live when data_dir is unset.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mpx-link-pro")
	}
	return ".mpx-link-pro"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModePackaged)
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("backend.name", "backend")
	v.SetDefault("backend.executable", "python3")
	v.SetDefault("backend.dev_executable", "python3")
	v.SetDefault("backend.dev_args", []string{filepath.Join("python", "backend.py")})
	v.SetDefault("backend.stop_signal_grace", "5s")
	v.SetDefault("backend.pid_file", "")

	v.SetDefault("store.type", "json")
	v.SetDefault("store.seal_keys", []string{configstore.KeySupabaseKey})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)

	v.SetDefault("web.enabled", true)
	v.SetDefault("web.host", "0.0.0.0")
	v.SetDefault("web.port", "3000")
	v.SetDefault("web.base_path", "/api")
	v.SetDefault("web.token", "")
	v.SetDefault("web.tls.enabled", false)
	v.SetDefault("web.tls.auto_generate", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9464")

	v.SetDefault("history.enabled", true)

	v.SetDefault("window.kiosk", false)
	v.SetDefault("window.display_width", 1920)
	v.SetDefault("window.display_height", 1080)

	v.SetDefault("schedule", []map[string]any{
		{"name": "system", "schedule": "@every 2s", "command": schedule.SystemStats},
	})
}

// Load reads the optional TOML file at path and the environment.
// Besides MPX_<SECTION>_<KEY>, the legacy KIOSK_MODE and NODE_ENV
// variables are honoured.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MPX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("window.kiosk", "MPX_WINDOW_KIOSK", "KIOSK_MODE")
	_ = v.BindEnv("mode", "MPX_MODE", "NODE_ENV")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	if c.Mode != ModeDevelopment {
		c.Mode = ModePackaged
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Store.Path == "" {
		name := "config.json"
		if c.Store.Type == "sqlite" {
			name = "config.db"
		}
		c.Store.Path = filepath.Join(c.DataDir, name)
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(c.DataDir, "history.db")
	}
	if c.Backend.PIDFile == "" {
		c.Backend.PIDFile = filepath.Join(c.DataDir, "backend.pid")
	}
	if c.Backend.ResourcesDir == "" {
		if exe, err := os.Executable(); err == nil {
			c.Backend.ResourcesDir = filepath.Join(filepath.Dir(exe), "resources")
		}
	}
	c.Web.BasePath = strings.TrimRight(c.Web.BasePath, "/")
	if c.Web.TLS.Enabled && c.Web.TLS.CertFile == "" && c.Web.TLS.Dir == "" {
		c.Web.TLS.Dir = filepath.Join(c.DataDir, "tls")
	}
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.Backend.StopGrace < 0 {
		return fmt.Errorf("backend.stop_signal_grace must not be negative")
	}
	if c.Web.Enabled && c.Web.Port == "" {
		return fmt.Errorf("web.port is required when the web interface is enabled")
	}
	if c.Window.Width < 0 || c.Window.Height < 0 {
		return fmt.Errorf("window size must not be negative")
	}
	for i := range c.Schedule {
		if err := c.Schedule[i].Validate(); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// Development reports whether the host runs from a source checkout.
func (c *Config) Development() bool { return c.Mode == ModeDevelopment }

// BackendCommand returns the executable and arguments for the current
// run mode.
func (c *Config) BackendCommand() (string, []string) {
	b := c.Backend
	if c.Development() {
		return b.DevExecutable, append([]string(nil), b.DevArgs...)
	}
	args := b.Args
	if len(args) == 0 && b.ResourcesDir != "" {
		args = []string{filepath.Join(b.ResourcesDir, "python", "backend.py")}
	}
	return b.Executable, append([]string(nil), args...)
}

// BackendEnv composes the extra environment for the backend: env files in
// order, then the env list. Later entries win.
func (c *Config) BackendEnv() ([]string, error) {
	m := map[string]string{}
	var order []string
	put := func(k, v string) {
		if _, seen := m[k]; !seen {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.Backend.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("backend env file %s: %w", p, err)
		}
		for _, kv := range pairs {
			put(kv[0], kv[1])
		}
	}
	for _, kv := range c.Backend.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			put(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+os.Expand(m[k], func(name string) string {
			if v, ok := m[name]; ok {
				return v
			}
			return os.Getenv(name)
		}))
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines; blank lines and # comments are
// skipped and surrounding quotes are removed.
func loadEnvFile(path string) ([][2]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
		out = append(out, [2]string{k, v})
	}
	return out, nil
}

// Settings are the host-relevant values of the persisted dashboard
// settings after defaults are applied.
type Settings struct {
	AutoStart          bool
	KioskMode          bool
	EnableWebInterface bool
	WebPort            string
}

// ApplyStore overlays the persisted dashboard settings: a stored kioskMode,
// enableWebInterface or webPort overrides the file and environment. It
// returns the effective settings.
func (c *Config) ApplyStore(ctx context.Context, s configstore.Store) (Settings, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return Settings{}, err
	}
	if v, ok := all[configstore.KeyKioskMode].(bool); ok {
		c.Window.Kiosk = c.Window.Kiosk || v
	}
	if v, ok := all[configstore.KeyEnableWebInterface].(bool); ok {
		c.Web.Enabled = v
	}
	if _, ok := all[configstore.KeyWebPort]; ok {
		c.Web.Port = configstore.String(ctx, s, configstore.KeyWebPort, c.Web.Port)
	}
	return Settings{
		AutoStart:          configstore.Bool(ctx, s, configstore.KeyAutoStart, true),
		KioskMode:          c.Window.Kiosk,
		EnableWebInterface: c.Web.Enabled,
		WebPort:            c.Web.Port,
	}, nil
}

// WebAddr is the listen address of the web interface.
func (c *Config) WebAddr() string { return net.JoinHostPort(c.Web.Host, c.Web.Port) }
