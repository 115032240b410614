// Package whatsapp provides a client for the WhatsApp Cloud API.
//
// The client covers the surface the messaging core needs: sending text and
// media messages through the Graph API and resolving provider-hosted media
// for relay into durable storage.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
)

// Default client configuration constants
const (
	// DefaultBaseURL is the Graph API root.
	DefaultBaseURL = "https://graph.facebook.com"
	// DefaultAPIVersion is the Graph API version used when none is configured.
	DefaultAPIVersion = "v19.0"
	// DefaultHTTPTimeout bounds every Graph API call.
	DefaultHTTPTimeout = 30 * time.Second
	// MaxMediaDownloadBytes caps media downloads to avoid unbounded memory use.
	MaxMediaDownloadBytes = 25 * 1024 * 1024
)

// Sender sends outbound messages through the provider.
type Sender interface {
	// SendText sends a text message and returns the provider message ID.
	SendText(ctx context.Context, to, body string) (string, error)

	// SendMedia sends a media message by public URL and returns the provider
	// message ID. mediaType must be image or audio.
	SendMedia(ctx context.Context, to, mediaURL string, mediaType models.MessageType) (string, error)
}

// MediaFetcher resolves and downloads provider-hosted media. Provider media
// URLs are short-lived, so content must be fetched promptly and relayed to
// durable storage.
type MediaFetcher interface {
	// ResolveMediaURL exchanges a media ID for a download URL and MIME type.
	ResolveMediaURL(ctx context.Context, mediaID string) (url string, mimeType string, err error)

	// DownloadMedia fetches media content from a resolved URL.
	DownloadMedia(ctx context.Context, url string) ([]byte, error)
}

// Opts holds configuration options for the Cloud API client.
type Opts struct {
	AccessToken   string
	PhoneNumberID string
	BaseURL       string
	APIVersion    string
	HTTPClient    *http.Client
}

// Option defines a configuration option for the Cloud API client.
type Option func(*Opts)

// WithAccessToken sets the Graph API access token.
func WithAccessToken(token string) Option {
	return func(o *Opts) {
		o.AccessToken = token
	}
}

// WithPhoneNumberID sets the business phone number ID messages are sent from.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) {
		o.PhoneNumberID = id
	}
}

// WithBaseURL overrides the Graph API root (used in tests).
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithAPIVersion sets the Graph API version, e.g. "v19.0".
func WithAPIVersion(version string) Option {
	return func(o *Opts) {
		o.APIVersion = version
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = client
	}
}

// Compile-time checks that Client implements both roles.
var (
	_ Sender       = (*Client)(nil)
	_ MediaFetcher = (*Client)(nil)
)

// Client is a WhatsApp Cloud API client.
type Client struct {
	accessToken   string
	phoneNumberID string
	baseURL       string
	apiVersion    string
	httpClient    *http.Client
}

// NewClient creates a new Cloud API client based on provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("whatsapp access token not set")
	}
	if cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp phone number ID not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	slog.Debug("Client.NewClient: creating WhatsApp client", "baseURL", cfg.BaseURL, "apiVersion", cfg.APIVersion)
	return &Client{
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		baseURL:       cfg.BaseURL,
		apiVersion:    cfg.APIVersion,
		httpClient:    cfg.HTTPClient,
	}, nil
}

// outboundMessage is the Graph API send payload.
type outboundMessage struct {
	MessagingProduct string         `json:"messaging_product"`
	RecipientType    string         `json:"recipient_type"`
	To               string         `json:"to"`
	Type             string         `json:"type"`
	Text             *textPayload   `json:"text,omitempty"`
	Image            *linkedPayload `json:"image,omitempty"`
	Audio            *linkedPayload `json:"audio,omitempty"`
}

type textPayload struct {
	Body string `json:"body"`
}

type linkedPayload struct {
	Link string `json:"link"`
}

// sendResponse is the Graph API send response.
type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// mediaResponse is the Graph API media lookup response.
type mediaResponse struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// apiError is the Graph API error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText sends a text message and returns the provider message ID.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	if to == "" {
		return "", models.ErrEmptyRecipient
	}
	if body == "" {
		return "", models.ErrEmptyContent
	}
	msg := outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &textPayload{Body: body},
	}
	return c.sendMessage(ctx, msg)
}

// SendMedia sends a media message by public URL and returns the provider message ID.
func (c *Client) SendMedia(ctx context.Context, to, mediaURL string, mediaType models.MessageType) (string, error) {
	if to == "" {
		return "", models.ErrEmptyRecipient
	}
	if mediaURL == "" {
		return "", models.ErrEmptyContent
	}

	msg := outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
	}
	switch mediaType {
	case models.MessageTypeImage:
		msg.Type = "image"
		msg.Image = &linkedPayload{Link: mediaURL}
	case models.MessageTypeAudio:
		msg.Type = "audio"
		msg.Audio = &linkedPayload{Link: mediaURL}
	default:
		return "", fmt.Errorf("%w: %s", models.ErrInvalidMessageType, mediaType)
	}
	return c.sendMessage(ctx, msg)
}

func (c *Client) sendMessage(ctx context.Context, msg outboundMessage) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.readAPIError(resp)
	}

	var result sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode send response: %w", err)
	}
	if len(result.Messages) == 0 || result.Messages[0].ID == "" {
		return "", fmt.Errorf("send response missing message id")
	}

	slog.Debug("Client.sendMessage: message sent", "to", msg.To, "type", msg.Type, "providerMessageID", result.Messages[0].ID)
	return result.Messages[0].ID, nil
}

// ResolveMediaURL exchanges a media ID for a short-lived download URL.
func (c *Client) ResolveMediaURL(ctx context.Context, mediaID string) (string, string, error) {
	if mediaID == "" {
		return "", "", fmt.Errorf("media ID is empty")
	}

	url := fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to build media lookup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("media lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", c.readAPIError(resp)
	}

	var result mediaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", fmt.Errorf("failed to decode media lookup response: %w", err)
	}
	if result.URL == "" {
		return "", "", fmt.Errorf("media lookup response missing url")
	}
	return result.URL, result.MimeType, nil
}

// DownloadMedia fetches media content from a resolved URL.
func (c *Client) DownloadMedia(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build media download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media content: %w", err)
	}
	if len(data) > MaxMediaDownloadBytes {
		return nil, fmt.Errorf("media content exceeds %d bytes", MaxMediaDownloadBytes)
	}
	return data, nil
}

func (c *Client) readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("graph API error (status %d, code %d): %s", resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
	}
	return fmt.Errorf("graph API error (status %d): %s", resp.StatusCode, string(body))
}
