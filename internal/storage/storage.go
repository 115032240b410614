// Package storage provides an HTTP client for Supabase-style object storage.
//
// Media relayed from the provider is uploaded into a bucket and served back
// through durable public URLs, replacing the provider's short-lived links.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Default client configuration constants
const (
	// DefaultHTTPTimeout bounds every storage API call.
	DefaultHTTPTimeout = 30 * time.Second
)

// Uploader stores object content and returns a durable public URL.
type Uploader interface {
	Upload(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// Opts holds configuration options for the storage client.
type Opts struct {
	BaseURL    string
	Bucket     string
	ServiceKey string
	HTTPClient *http.Client
}

// Option defines a configuration option for the storage client.
type Option func(*Opts)

// WithBaseURL sets the storage service root URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithBucket sets the bucket objects are uploaded into.
func WithBucket(bucket string) Option {
	return func(o *Opts) {
		o.Bucket = bucket
	}
}

// WithServiceKey sets the service role key used to authorize uploads.
func WithServiceKey(key string) Option {
	return func(o *Opts) {
		o.ServiceKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = client
	}
}

// Compile-time check that Client implements Uploader.
var _ Uploader = (*Client)(nil)

// Client uploads objects to a storage bucket over HTTP.
type Client struct {
	baseURL    string
	bucket     string
	serviceKey string
	httpClient *http.Client
}

// NewClient creates a new storage client based on provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("storage base URL not set")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket not set")
	}
	if cfg.ServiceKey == "" {
		return nil, fmt.Errorf("storage service key not set")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	slog.Debug("Client.NewClient: creating storage client", "baseURL", cfg.BaseURL, "bucket", cfg.Bucket)
	return &Client{
		baseURL:    cfg.BaseURL,
		bucket:     cfg.Bucket,
		serviceKey: cfg.ServiceKey,
		httpClient: cfg.HTTPClient,
	}, nil
}

// Upload stores data at path in the configured bucket and returns the public URL.
func (c *Client) Upload(ctx context.Context, path, contentType string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("object path is empty")
	}
	if len(data) == 0 {
		return "", fmt.Errorf("object content is empty")
	}

	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, c.bucket, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	} else {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return "", fmt.Errorf("upload returned status %d: %s", resp.StatusCode, string(body))
	}

	publicURL := fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, c.bucket, path)
	slog.Debug("Client.Upload: object stored", "path", path, "bytes", len(data), "publicURL", publicURL)
	return publicURL, nil
}
