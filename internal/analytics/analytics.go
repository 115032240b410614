// Package analytics emits conversion events to a Meta-style Conversions API.
//
// Emission is strictly best effort: PII is hashed before leaving the process,
// failures are logged and swallowed, and no caller ever blocks on or fails
// because of analytics.
package analytics

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Emitter configuration constants
const (
	// DefaultTimeout bounds each analytics request so emission never stalls
	// the processing pipeline.
	DefaultTimeout = 5 * time.Second

	// EventNameLead is sent when a new lead is captured.
	EventNameLead = "Lead"
	// EventNamePurchase is sent when a conversation reaches purchase intent.
	EventNamePurchase = "Purchase"
)

// Emitter sends conversion events.
type Emitter interface {
	// EmitLead reports a captured lead. Best effort; never returns an error.
	EmitLead(ctx context.Context, phone, name string)

	// EmitPurchase reports purchase intent. Best effort; never returns an error.
	EmitPurchase(ctx context.Context, phone, name string)
}

// NoopEmitter discards events. Used when analytics is not configured.
type NoopEmitter struct{}

var _ Emitter = (*NoopEmitter)(nil)

func (NoopEmitter) EmitLead(ctx context.Context, phone, name string)     {}
func (NoopEmitter) EmitPurchase(ctx context.Context, phone, name string) {}

// Opts holds configuration options for the CAPI emitter.
type Opts struct {
	Endpoint    string
	AccessToken string
	HTTPClient  *http.Client
}

// Option defines a configuration option for the CAPI emitter.
type Option func(*Opts)

// WithEndpoint sets the Conversions API endpoint URL.
func WithEndpoint(url string) Option {
	return func(o *Opts) {
		o.Endpoint = url
	}
}

// WithAccessToken sets the API access token.
func WithAccessToken(token string) Option {
	return func(o *Opts) {
		o.AccessToken = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = client
	}
}

// Compile-time check that CAPIEmitter implements Emitter.
var _ Emitter = (*CAPIEmitter)(nil)

// CAPIEmitter posts hashed conversion events over HTTP.
type CAPIEmitter struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
}

// NewCAPIEmitter creates a new Conversions API emitter.
func NewCAPIEmitter(opts ...Option) (*CAPIEmitter, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("analytics endpoint not set")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &CAPIEmitter{
		endpoint:    cfg.Endpoint,
		accessToken: cfg.AccessToken,
		httpClient:  cfg.HTTPClient,
	}, nil
}

// capiEvent is the wire format for a single conversion event.
type capiEvent struct {
	EventName    string   `json:"event_name"`
	EventTime    int64    `json:"event_time"`
	EventID      string   `json:"event_id"`
	ActionSource string   `json:"action_source"`
	UserData     userData `json:"user_data"`
}

type userData struct {
	Phone []string `json:"ph,omitempty"`
	Name  []string `json:"fn,omitempty"`
}

type capiRequest struct {
	Data        []capiEvent `json:"data"`
	AccessToken string      `json:"access_token,omitempty"`
}

// hashedField wraps a hashed PII value as the single-element list the
// Conversions API expects, or nil when the value is absent.
func hashedField(value string) []string {
	if h := HashPII(value); h != "" {
		return []string{h}
	}
	return nil
}

func (e *CAPIEmitter) EmitLead(ctx context.Context, phone, name string) {
	e.emit(ctx, EventNameLead, phone, name)
}

func (e *CAPIEmitter) EmitPurchase(ctx context.Context, phone, name string) {
	e.emit(ctx, EventNamePurchase, phone, name)
}

func (e *CAPIEmitter) emit(ctx context.Context, eventName, phone, name string) {
	evt := capiEvent{
		EventName:    eventName,
		EventTime:    time.Now().Unix(),
		EventID:      uuid.NewString(),
		ActionSource: "website",
		UserData: userData{
			Phone: hashedField(phone),
			Name:  hashedField(name),
		},
	}

	body, err := json.Marshal(capiRequest{Data: []capiEvent{evt}, AccessToken: e.accessToken})
	if err != nil {
		slog.Warn("CAPIEmitter.emit: marshal failed", "event", eventName, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		slog.Warn("CAPIEmitter.emit: request build failed", "event", eventName, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		slog.Warn("CAPIEmitter.emit: request failed", "event", eventName, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("CAPIEmitter.emit: rejected", "event", eventName, "status", resp.StatusCode)
		return
	}
	slog.Debug("CAPIEmitter.emit: event sent", "event", eventName, "eventID", evt.EventID)
}

// HashPII normalizes a PII value (lowercase, trimmed) and returns its SHA-256
// hex digest. Empty values hash to the empty string so they are omitted from
// the payload.
func HashPII(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
