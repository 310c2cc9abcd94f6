// Package hmi is a client for the HMI data service that stores models,
// datasets, model configurations and simulations.
package hmi

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

	"github.com/harun/askem/internal/observability"
	"github.com/harun/askem/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTimeout bounds every request unless Config.Timeout is set.
const DefaultTimeout = 10 * time.Second

// Config configures a Client.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client calls the HMI REST API with HTTP basic auth.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   zerolog.Logger
}

// StatusError is returned for responses with status >= 300.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// NewClient creates a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("hmi server url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid hmi server url %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     httpClient,
		logger:   cfg.Logger,
	}, nil
}

// BaseURL returns the server URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Credentials returns the basic auth user name and password. Procedures that
// talk to the service from inside the kernel need them.
func (c *Client) Credentials() (string, string) { return c.username, c.password }

type idResponse struct {
	ID string `json:"id"`
}

// GetModel fetches a model AMR.
func (c *Client) GetModel(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/models/"+url.PathEscape(id), "/models/{id}", nil, &out)
	return out, err
}

// CreateModel stores a new model and returns its id.
func (c *Client) CreateModel(ctx context.Context, model map[string]any) (string, error) {
	var out idResponse
	if err := c.do(ctx, http.MethodPost, "/models", "/models", model, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// AddProjectAsset links an asset to a project.
func (c *Client) AddProjectAsset(ctx context.Context, projectID, assetType, assetID string) error {
	path := fmt.Sprintf("/projects/%s/assets/%s/%s",
		url.PathEscape(projectID), url.PathEscape(assetType), url.PathEscape(assetID))
	return c.do(ctx, http.MethodPost, path, "/projects/{id}/assets/{type}/{id}", nil, nil)
}

// GetDataset fetches a dataset record.
func (c *Client) GetDataset(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/datasets/"+url.PathEscape(id), "/datasets/{id}", nil, &out)
	return out, err
}

// CreateDataset stores a new dataset record and returns its id. The file
// itself is uploaded separately.
func (c *Client) CreateDataset(ctx context.Context, dataset map[string]any) (string, error) {
	var out idResponse
	if err := c.do(ctx, http.MethodPost, "/datasets", "/datasets", dataset, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// DatasetDownloadURL returns a URL the kernel can fetch a dataset file from.
func (c *Client) DatasetDownloadURL(ctx context.Context, id, filename string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	path := "/datasets/" + url.PathEscape(id) + "/download-url?filename=" + url.QueryEscape(filename)
	if err := c.do(ctx, http.MethodGet, path, "/datasets/{id}/download-url", nil, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("no download url for dataset %s file %q", id, filename)
	}
	return out.URL, nil
}

// UploadCSVURL is the endpoint that receives the file of a dataset as a
// multipart form. Code running in the kernel posts to it.
func (c *Client) UploadCSVURL(id string) string {
	return c.baseURL + "/datasets/" + url.PathEscape(id) + "/upload-csv"
}

// GetModelConfiguration fetches a model configuration.
func (c *Client) GetModelConfiguration(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/model-configurations/"+url.PathEscape(id), "/model-configurations/{id}", nil, &out)
	return out, err
}

// UpdateModelConfiguration replaces a model configuration and returns the id
// reported by the service.
func (c *Client) UpdateModelConfiguration(ctx context.Context, id string, config any) (string, error) {
	var out idResponse
	err := c.do(ctx, http.MethodPut, "/model-configurations/"+url.PathEscape(id), "/model-configurations/{id}", config, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		out.ID = id
	}
	return out.ID, nil
}

// CreateSimulation stores a simulation record and returns its id.
func (c *Client) CreateSimulation(ctx context.Context, sim map[string]any) (string, error) {
	var out idResponse
	if err := c.do(ctx, http.MethodPost, "/simulations", "/simulations", sim, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetSimulation fetches a simulation record.
func (c *Client) GetSimulation(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/simulations/"+url.PathEscape(id), "/simulations/{id}", nil, &out)
	return out, err
}

// GetAPIDocs fetches the OpenAPI document of the service.
func (c *Client) GetAPIDocs(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/v3/api-docs", "/v3/api-docs", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path, endpoint string, in, out any) (err error) {
	ctx, span := tracing.StartSpan(ctx, "askem/hmi", "hmi."+strings.ToLower(method),
		attribute.String("http.method", method),
		attribute.String("hmi.endpoint", endpoint),
	)
	start := time.Now()
	status := 0
	defer func() {
		observability.RecordHMIRequest(method, endpoint, status, time.Since(start))
		tracing.EndSpan(span, err)
	}()

	var body io.Reader
	if in != nil {
		data, merr := json.Marshal(in)
		if merr != nil {
			return fmt.Errorf("failed to encode %s body: %w", endpoint, merr)
		}
		body = bytes.NewReader(data)
	}

	full := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, full, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, full, err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Debug().Str("method", method).Str("endpoint", endpoint).Int("status", status).Msg("HMI request")

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			Method:     method,
			URL:        full,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}
