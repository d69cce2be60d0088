package configstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// sealedField marks an encrypted value inside the underlying store.
const sealedField = "$sealed"

// SealedStore encrypts the values of selected keys before they reach the
// underlying store, so credentials such as the Supabase key are never
// written in plaintext. Reads decrypt transparently.
type SealedStore struct {
	Store
	identity *age.X25519Identity
	keys     map[string]bool
}

// NewSealed wraps inner so the values of keys are stored age-encrypted to
// identity.
func NewSealed(inner Store, identity *age.X25519Identity, keys []string) *SealedStore {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return &SealedStore{Store: inner, identity: identity, keys: set}
}

// LoadOrCreateIdentity reads an age X25519 identity from path, generating
// and writing a new one (mode 0600) when the file does not exist.
func LoadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		id, perr := age.ParseX25519Identity(strings.TrimSpace(string(b)))
		if perr != nil {
			return nil, fmt.Errorf("parsing identity %s: %w", path, perr)
		}
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, &StorageIOError{Op: "read identity", Path: path, Err: err}
	}
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &StorageIOError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return nil, &StorageIOError{Op: "write identity", Path: path, Err: err}
	}
	return id, nil
}

func (s *SealedStore) Get(ctx context.Context, key string) (any, bool, error) {
	v, ok, err := s.Store.Get(ctx, key)
	if err != nil || !ok {
		return v, ok, err
	}
	plain, err := s.open(key, v)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

func (s *SealedStore) GetAll(ctx context.Context) (map[string]any, error) {
	all, err := s.Store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range all {
		plain, err := s.open(k, v)
		if err != nil {
			return nil, err
		}
		all[k] = plain
	}
	return all, nil
}

func (s *SealedStore) Set(ctx context.Context, key string, value any) error {
	if !s.keys[key] || value == nil {
		return s.Store.Set(ctx, key, value)
	}
	sealed, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("sealing %q: %w", key, err)
	}
	return s.Store.Set(ctx, key, map[string]any{sealedField: sealed})
}

// Sealed reports whether key is stored encrypted.
func (s *SealedStore) Sealed(key string) bool { return s.keys[key] }

func (s *SealedStore) seal(value any) (string, error) {
	plain, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// open decrypts v when key is sealed and v carries the sealed marker.
// Values of other keys, and plain values written before sealing was
// enabled, are returned unchanged.
func (s *SealedStore) open(key string, v any) (any, error) {
	if !s.keys[key] {
		return v, nil
	}
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return v, nil
	}
	enc, ok := m[sealedField].(string)
	if !ok {
		return v, nil
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed %q: %w", key, err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting %q: %w", key, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted %q: %w", key, err)
	}
	var out any
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, fmt.Errorf("decoding decrypted %q: %w", key, err)
	}
	return out, nil
}
