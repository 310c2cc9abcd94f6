// Package kernel is a client for a Jupyter server: it manages kernels over
// the REST API and executes code over the kernel websocket channels.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config configures a Client.
type Config struct {
	// BaseURL of the Jupyter server, e.g. http://localhost:8888.
	BaseURL string
	Token   string
	// Username is sent in message headers. Defaults to "askem".
	Username string
	// ExecuteTimeout bounds a single execution. Zero means no limit besides
	// the caller's context.
	ExecuteTimeout time.Duration
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	Logger         zerolog.Logger
}

// Client talks to one Jupyter server.
type Client struct {
	cfg     Config
	baseURL *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
	logger  zerolog.Logger
}

// Model describes a running kernel.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	LastActivity   string `json:"last_activity,omitempty"`
	ExecutionState string `json:"execution_state,omitempty"`
	Connections    int    `json:"connections,omitempty"`
}

// NewClient creates a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("jupyter base url is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid jupyter url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid jupyter url scheme %q", u.Scheme)
	}
	if cfg.Username == "" {
		cfg.Username = "askem"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return &Client{
		cfg:     cfg,
		baseURL: u,
		http:    httpClient,
		dialer:  dialer,
		logger:  cfg.Logger,
	}, nil
}

// StartKernel starts a kernel from the named kernelspec.
func (c *Client) StartKernel(ctx context.Context, name string) (*Model, error) {
	var m Model
	body := map[string]string{}
	if name != "" {
		body["name"] = name
	}
	if err := c.do(ctx, http.MethodPost, "/api/kernels", body, &m); err != nil {
		return nil, fmt.Errorf("failed to start kernel %q: %w", name, err)
	}
	c.logger.Info().Str("kernel_id", m.ID).Str("kernel", m.Name).Msg("Kernel started")
	return &m, nil
}

// ListKernels lists running kernels.
func (c *Client) ListKernels(ctx context.Context) ([]Model, error) {
	var out []Model
	if err := c.do(ctx, http.MethodGet, "/api/kernels", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list kernels: %w", err)
	}
	return out, nil
}

// GetKernel returns one kernel.
func (c *Client) GetKernel(ctx context.Context, id string) (*Model, error) {
	var m Model
	if err := c.do(ctx, http.MethodGet, "/api/kernels/"+url.PathEscape(id), nil, &m); err != nil {
		return nil, fmt.Errorf("failed to get kernel %s: %w", id, err)
	}
	return &m, nil
}

// InterruptKernel interrupts the running execution of a kernel.
func (c *Client) InterruptKernel(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/api/kernels/"+url.PathEscape(id)+"/interrupt", nil, nil); err != nil {
		return fmt.Errorf("failed to interrupt kernel %s: %w", id, err)
	}
	return nil
}

// ShutdownKernel stops a kernel.
func (c *Client) ShutdownKernel(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/kernels/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("failed to shut down kernel %s: %w", id, err)
	}
	c.logger.Info().Str("kernel_id", id).Msg("Kernel shut down")
	return nil
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) authorize(h http.Header) {
	if c.cfg.Token != "" {
		h.Set("Authorization", "token "+c.cfg.Token)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return err
	}
	c.authorize(req.Header)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("jupyter server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
