package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested config key or command does not exist.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the dashboard web interface.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message) }

// Client talks to the web interface of a running mpx-link host.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	// stream has no timeout; /events is long-lived.
	stream *http.Client
	logger *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Token    string // Sent as "Authorization: Bearer <token>" when set
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:3000/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new client with optional TLS support
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
	}
}

// IsReachable checks if the host is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.getJSON(ctx, "/status", nil)
	if err != nil {
		c.logger.Debug("Host unreachable", "error", err)
		return false
	}
	return true
}

// Status returns backend state and session liveness.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.getJSON(ctx, "/status", &st)
	return st, err
}

// System returns a snapshot of the host machine.
func (c *Client) System(ctx context.Context) (SystemInfo, error) {
	var info SystemInfo
	err := c.getJSON(ctx, "/system", &info)
	return info, err
}

// Config returns all stored settings. With defaults set the built-in
// defaults are merged under the stored values.
func (c *Client) Config(ctx context.Context, defaults bool) (map[string]any, error) {
	path := "/config"
	if defaults {
		path += "?defaults=1"
	}
	out := map[string]any{}
	err := c.getJSON(ctx, path, &out)
	return out, err
}

// GetConfig returns one stored setting. A missing key yields ErrNotFound.
func (c *Client) GetConfig(ctx context.Context, key string) (any, error) {
	var v configValue
	if err := c.getJSON(ctx, "/config/"+url.PathEscape(key), &v); err != nil {
		return nil, err
	}
	return v.Value, nil
}

// SetConfig persists one setting.
func (c *Client) SetConfig(ctx context.Context, key string, value any) error {
	c.logger.Debug("Setting config value", "key", key)
	return c.doJSON(ctx, http.MethodPut, "/config/"+url.PathEscape(key), configValue{Value: value}, nil)
}

// DeleteConfig removes one setting.
func (c *Client) DeleteConfig(ctx context.Context, key string) error {
	return c.doJSON(ctx, http.MethodDelete, "/config/"+url.PathEscape(key), nil, nil)
}

// Commands lists the command names the host accepts.
func (c *Client) Commands(ctx context.Context) ([]string, error) {
	var names []string
	err := c.getJSON(ctx, "/commands", &names)
	return names, err
}

// Issue sends a command with its arguments to the backend.
func (c *Client) Issue(ctx context.Context, name string, args map[string]any) (Ack, error) {
	c.logger.Debug("Issuing command", "command", name)
	if args == nil {
		args = map[string]any{}
	}
	var ack Ack
	body := struct {
		Args map[string]any `json:"args"`
	}{Args: args}
	err := c.doJSON(ctx, http.MethodPost, "/commands/"+url.PathEscape(name), body, &ack)
	return ack, err
}

// History returns up to limit recent backend runs, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]Run, error) {
	path := "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var runs []Run
	err := c.getJSON(ctx, path, &runs)
	return runs, err
}

// Events follows the event stream until ctx is cancelled, the server ends
// the stream, or fn returns false.
func (c *Client) Events(ctx context.Context, fn func(Event) bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkResponse(resp); err != nil {
		return err
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			c.logger.Debug("Skipping undecodable event", "error", err)
			continue
		}
		if !fn(ev) {
			return nil
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// doJSON performs a request with an optional JSON body and decodes a JSON
// response into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkResponse maps error responses to *APIError, wrapping ErrNotFound for 404.
func (c *Client) checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		errorResp.Error = http.StatusText(resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	apiErr := &APIError{Status: resp.StatusCode, Message: errorResp.Error}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
	}
	return apiErr
}
