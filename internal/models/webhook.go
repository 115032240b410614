// Package models defines the WhatsApp Cloud API webhook envelope shapes.
package models

import (
	"strconv"
	"time"
)

// WebhookPayload mirrors the envelope sent by the provider's webhook callbacks.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry represents one entry payload within the webhook body.
type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

// WebhookChange captures the actual notification contents.
type WebhookChange struct {
	Value WebhookValue `json:"value"`
	Field string       `json:"field"`
}

// WebhookValue contains contacts, message events and status callbacks.
type WebhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Contacts         []WebhookContact `json:"contacts"`
	Messages         []InboundMessage `json:"messages"`
	Statuses         []StatusUpdate   `json:"statuses"`
}

// WebhookContact represents the contact initiating the conversation.
type WebhookContact struct {
	Profile WebhookProfile `json:"profile"`
	WaID    string         `json:"wa_id"`
}

// WebhookProfile contains the human-friendly contact name.
type WebhookProfile struct {
	Name string `json:"name"`
}

// InboundMessage aggregates the inbound message shapes this core handles.
type InboundMessage struct {
	From      string        `json:"from"`
	ID        string        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Type      string        `json:"type"`
	Text      *TextContent  `json:"text,omitempty"`
	Image     *MediaContent `json:"image,omitempty"`
	Audio     *MediaContent `json:"audio,omitempty"`
}

// TextContent contains a text message body.
type TextContent struct {
	Body string `json:"body"`
}

// MediaContent represents minimal media attachment metadata.
type MediaContent struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
}

// StatusUpdate represents a delivery/read/failure callback for a previously
// sent message, matched by the provider-assigned message id.
type StatusUpdate struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	Timestamp   string         `json:"timestamp"`
	RecipientID string         `json:"recipient_id"`
	Errors      []WebhookError `json:"errors,omitempty"`
}

// WebhookError exposes provider errors attached to a failed status.
type WebhookError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Value extracts entry[0].changes[0].value, the only slot the provider
// populates. Returns nil if the envelope carries neither.
func (p *WebhookPayload) Value() *WebhookValue {
	if len(p.Entry) == 0 || len(p.Entry[0].Changes) == 0 {
		return nil
	}
	return &p.Entry[0].Changes[0].Value
}

// ParsedTimestamp converts the provider's unix-seconds string to a time.Time,
// falling back to now when the field is absent or malformed.
func (m *InboundMessage) ParsedTimestamp() time.Time {
	if secs, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0)
	}
	return time.Now()
}

// InboundEventPayload is the normalized inbound-message event persisted by the
// webhook gateway and consumed by the pipeline processor.
type InboundEventPayload struct {
	Channel           Channel     `json:"channel"`
	From              string      `json:"from"`
	ProfileName       string      `json:"profile_name,omitempty"`
	ProviderMessageID string      `json:"provider_message_id"`
	Type              MessageType `json:"type"`
	Text              string      `json:"text,omitempty"`
	MediaID           string      `json:"media_id,omitempty"`
	MimeType          string      `json:"mime_type,omitempty"`
	Timestamp         time.Time   `json:"timestamp"`
}

// StatusEventPayload is the normalized status-update event persisted by the
// webhook gateway and consumed by the pipeline processor.
type StatusEventPayload struct {
	ProviderMessageID string     `json:"provider_message_id"`
	Status            StatusType `json:"status"`
	Detail            string     `json:"detail,omitempty"`
}
