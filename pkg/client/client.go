// Package client talks to a `portpilot serve` daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/loykin/portpilot"
)

const DefaultBaseURL = "http://127.0.0.1:7171/api"

// Client provides HTTP client functionality to communicate with the portpilot daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path, e.g. the daemon's tls_ca.crt
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a new portpilot API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// BaseURL returns the daemon URL the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/servers", nil, nil, nil)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

// Start asks the daemon to start a server and returns it once ready.
func (c *Client) Start(ctx context.Context, req portpilot.Request) (portpilot.Info, error) {
	c.logger.Debug("Starting server", "name", req.Name, "port", req.DesiredPort)
	var info portpilot.Info
	err := c.do(ctx, http.MethodPost, "/start", nil, req, &info)
	return info, err
}

// Stop stops the selected server.
func (c *Client) Stop(ctx context.Context, sel Selector) (StopResult, error) {
	var res StopResult
	err := c.do(ctx, http.MethodPost, "/stop", sel.query(), nil, &res)
	return res, err
}

// Restart stops the selected server and starts it again with the same request.
func (c *Client) Restart(ctx context.Context, sel Selector) (portpilot.Info, error) {
	var info portpilot.Info
	err := c.do(ctx, http.MethodPost, "/restart", sel.query(), nil, &info)
	return info, err
}

// Servers lists the servers the daemon manages.
func (c *Client) Servers(ctx context.Context) ([]portpilot.Info, error) {
	var out []portpilot.Info
	if err := c.do(ctx, http.MethodGet, "/servers", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Who reports who listens on port.
func (c *Client) Who(ctx context.Context, port int) (portpilot.PortStatus, error) {
	var st portpilot.PortStatus
	err := c.do(ctx, http.MethodGet, "/ports/"+strconv.Itoa(port), nil, nil, &st)
	return st, err
}

// Free stops whatever listens on port.
func (c *Client) Free(ctx context.Context, port int) (StopResult, error) {
	var res StopResult
	err := c.do(ctx, http.MethodPost, "/ports/"+strconv.Itoa(port)+"/free", nil, nil, &res)
	return res, err
}

func (s Selector) query() url.Values {
	q := url.Values{}
	if s.ID != "" {
		q.Set("id", s.ID)
		return q
	}
	q.Set("workspace", s.Workspace)
	q.Set("port", strconv.Itoa(s.Port))
	return q
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		// #nosec G402 explicitly requested
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS != nil {
		tlsConfig.InsecureSkipVerify = config.TLS.SkipVerify // #nosec G402
		tlsConfig.ServerName = config.TLS.ServerName
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
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

// do sends body as JSON when non-nil and decodes a 200 response into out.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", apiErr.ErrorResponse.Error, "status", resp.StatusCode)
	return apiErr
}
