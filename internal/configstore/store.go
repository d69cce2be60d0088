// Package configstore persists the dashboard settings: a flat map from
// string keys to JSON-compatible values. Every Set is durable before it
// returns; a failed write leaves the previous value in place.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mdrincic-boop/mpx-link-pro/internal/metrics"
)

// Settings keys read by the host and the UI.
const (
	KeyAutoStart          = "autoStart"
	KeyKioskMode          = "kioskMode"
	KeyEnableWebInterface = "enableWebInterface"
	KeyWebPort            = "webPort"
	KeySupabaseURL        = "supabaseUrl"
	KeySupabaseKey        = "supabaseKey"
)

var (
	ErrClosed   = errors.New("config store closed")
	ErrLocked   = errors.New("config store locked by another process")
	ErrEmptyKey = errors.New("config key must not be empty")
)

// StorageIOError reports a failed read or write of the backing medium.
type StorageIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageIOError) Error() string {
	return fmt.Sprintf("config store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageIOError) Unwrap() error { return e.Err }

// Store is a durable key/value settings map. Get reports absent keys with
// ok=false; absent is distinct from a stored null.
type Store interface {
	Get(ctx context.Context, key string) (value any, ok bool, err error)
	Set(ctx context.Context, key string, value any) error
	GetAll(ctx context.Context) (map[string]any, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Defaults are the values the UI assumes for keys that were never set.
func Defaults() map[string]any {
	return map[string]any{
		KeyAutoStart:          true,
		KeyKioskMode:          false,
		KeyEnableWebInterface: true,
		KeyWebPort:            "3000",
	}
}

// Resolve returns GetAll layered over Defaults.
func Resolve(ctx context.Context, s Store) (map[string]any, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := Defaults()
	for k, v := range all {
		out[k] = v
	}
	return out, nil
}

// Bool reads key as a boolean, falling back to def when absent or of
// another type.
func Bool(ctx context.Context, s Store, key string, def bool) bool {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def
	}
	b, isBool := v.(bool)
	if !isBool {
		return def
	}
	return b
}

// String reads key as a string. Numbers are formatted without a fraction
// so a webPort stored as 3000 reads as "3000".
func String(ctx context.Context, s Store, key string, def string) string {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return def
	}
}

// normalize round-trips value through JSON so stored values are detached
// from the caller and read back with the same types after a reload.
func normalize(value any) (any, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-compatible: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func recordWrite(err error) error {
	metrics.IncConfigWrite(err == nil)
	return err
}
