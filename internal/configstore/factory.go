package configstore

import (
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures the backing store.
type Config struct {
	Type         string   `mapstructure:"type" json:"type"` // "json" (default) or "sqlite"
	Path         string   `mapstructure:"path" json:"path"`
	SealKeys     []string `mapstructure:"seal_keys" json:"seal_keys,omitempty"`
	IdentityPath string   `mapstructure:"identity_path" json:"identity_path,omitempty"`
}

// Builder creates a store from config.
type Builder func(cfg Config) (Store, error)

var (
	buildersMu sync.RWMutex
	builders   = map[string]Builder{}
)

func init() {
	RegisterType("json", func(cfg Config) (Store, error) { return OpenFile(cfg.Path) })
	RegisterType("sqlite", func(cfg Config) (Store, error) { return OpenSQLite(cfg.Path) })
}

// RegisterType makes a store type available to Open.
func RegisterType(name string, b Builder) {
	buildersMu.Lock()
	builders[name] = b
	buildersMu.Unlock()
}

// SupportedTypes lists the registered store types.
func SupportedTypes() []string {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	out := make([]string, 0, len(builders))
	for k := range builders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open builds the store named by cfg.Type. When SealKeys is non-empty the
// store is wrapped so those keys are encrypted; the identity lives at
// IdentityPath, or next to the store as "<path>.key".
func Open(cfg Config) (Store, error) {
	typ := cfg.Type
	if typ == "" {
		typ = "json"
	}
	buildersMu.RLock()
	b, ok := builders[typ]
	buildersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported store type: %s (supported: %v)", typ, SupportedTypes())
	}
	s, err := b(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.SealKeys) == 0 {
		return s, nil
	}
	idPath := cfg.IdentityPath
	if idPath == "" {
		if cfg.Path == "" || cfg.Path == ":memory:" {
			_ = s.Close()
			return nil, fmt.Errorf("sealed keys need identity_path for an in-memory store")
		}
		idPath = cfg.Path + ".key"
	}
	id, err := LoadOrCreateIdentity(idPath)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return NewSealed(s, id, cfg.SealKeys), nil
}
