// Package webtls builds the TLS configuration of the web interface from
// certificate files or a directory holding a self-signed pair.
package webtls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File names inside Dir.
const (
	CACertName = "ca.crt"
	CertName   = "tls.crt"
	KeyName    = "tls.key"
)

// Config selects the certificate of the web interface. CertFile/KeyFile
// take precedence over Dir.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"` // DNS names and IPs of a generated certificate
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3"
}

var ErrNoCertificate = errors.New("TLS enabled but no certificate configured")

// Setup returns nil when TLS is disabled.
func Setup(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.Dir == "" {
			return nil, ErrNoCertificate
		}
		certPath = filepath.Join(cfg.Dir, CertName)
		keyPath = filepath.Join(cfg.Dir, KeyName)
		if cfg.AutoGenerate && !exists(certPath, keyPath) {
			days := cfg.ValidDays
			if days <= 0 {
				days = 365 * 5
			}
			if err := GenerateSelfSigned(CertOptions{
				Hosts:      cfg.Hosts,
				NotAfter:   time.Now().AddDate(0, 0, days),
				CertPath:   certPath,
				KeyPath:    keyPath,
				CACertPath: filepath.Join(cfg.Dir, CACertName),
			}); err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
		}
	}

	r := &reloader{certPath: certPath, keyPath: keyPath}
	if _, err := r.load(); err != nil {
		return nil, err
	}
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.load() },
		MinVersion:     minVer,
	}, nil
}

func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2", "tls1.2", "TLS1.2":
		return tls.VersionTLS12, nil
	case "1.3", "tls1.3", "TLS1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// reloader re-reads the key pair when the certificate file changes so a
// renewed certificate is picked up without a restart.
type reloader struct {
	certPath, keyPath string

	mu      sync.Mutex
	modTime time.Time
	cert    *tls.Certificate
}

func (r *reloader) load() (*tls.Certificate, error) {
	st, err := os.Stat(r.certPath)
	if err != nil {
		return nil, fmt.Errorf("stat certificate: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cert != nil && st.ModTime().Equal(r.modTime) {
		return r.cert, nil
	}
	pair, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	r.cert = &pair
	r.modTime = st.ModTime()
	return r.cert, nil
}
