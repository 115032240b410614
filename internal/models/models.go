// Package models defines the core data structures for the CRM messaging core.
//
// It includes the Conversation, Message, Lead, Client and Plan entities shared
// across modules, validated at the persistence boundary.
package models

import (
	"errors"
	"time"
)

// Channel identifies the messaging channel a conversation belongs to.
type Channel string

const (
	// ChannelWhatsApp is the WhatsApp Business (Cloud API) channel.
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelOther is a catch-all for channels this core does not manage.
	ChannelOther Channel = "other"
)

// MessageType defines the content kind of a message.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeAudio MessageType = "audio"
)

// IsValidMessageType checks if the given message type is supported.
func IsValidMessageType(mt MessageType) bool {
	switch mt {
	case MessageTypeText, MessageTypeImage, MessageTypeAudio:
		return true
	default:
		return false
	}
}

// Direction indicates whether a message was received or sent. It is immutable
// after the message row is created.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ConversationStatus represents whether a conversation is open or closed.
type ConversationStatus string

const (
	ConversationStatusOpen   ConversationStatus = "open"
	ConversationStatusClosed ConversationStatus = "closed"
)

// StatusType represents a provider delivery status callback value.
type StatusType string

const (
	StatusTypeSent      StatusType = "sent"
	StatusTypeDelivered StatusType = "delivered"
	StatusTypeRead      StatusType = "read"
	StatusTypeFailed    StatusType = "failed"
)

// Error variables for better error handling and testability
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists for channel and identifier")
	ErrMessageNotFound      = errors.New("message not found")
	ErrStateConflict        = errors.New("chatbot state changed concurrently")
	ErrEmptyRecipient       = errors.New("recipient cannot be empty")
	ErrEmptyContent         = errors.New("message content cannot be empty")
	ErrInvalidMessageType   = errors.New("invalid message type")
	ErrMissingConversation  = errors.New("conversation id is required")
)

// MetadataKeyFailureDetail is the message metadata key holding the provider
// failure description recorded by a "failed" status callback.
const MetadataKeyFailureDetail = "failure_detail"

// Conversation is the unit of threaded messages between the business and one
// external contact on one channel. Unique on (Channel, ExternalID).
type Conversation struct {
	ID           string             `json:"id"`
	Channel      Channel            `json:"channel"`
	ExternalID   string             `json:"external_identifier"`
	LeadID       *string            `json:"lead_id,omitempty"`
	ClientID     *string            `json:"client_id,omitempty"`
	Status       ConversationStatus `json:"status"`
	ChatbotState ChatState          `json:"chatbot_state"`
	Tags         []string           `json:"tags,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Message is a single inbound or outbound unit of content within a
// Conversation. ProviderMessageID, when present, is unique and serves as the
// idempotency key for duplicate-webhook suppression and status matching.
type Message struct {
	ID                string            `json:"id"`
	ConversationID    string            `json:"conversation_id"`
	Content           string            `json:"content"`
	Type              MessageType       `json:"type"`
	Direction         Direction         `json:"direction"`
	Read              bool              `json:"read"`
	Delivered         bool              `json:"delivered"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Validate performs basic validation on a Message before persistence.
func (m *Message) Validate() error {
	if m.ConversationID == "" {
		return ErrMissingConversation
	}
	if !IsValidMessageType(m.Type) {
		return ErrInvalidMessageType
	}
	if m.Direction != DirectionInbound && m.Direction != DirectionOutbound {
		return errors.New("direction must be inbound or outbound")
	}
	return nil
}

// Lead is the minimal lead projection this core creates and reads. Leads are
// otherwise owned by the CRM record-keeping screens.
type Lead struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// LeadStatusNew is the status assigned to leads created from a first inbound
// contact.
const LeadStatusNew = "nuevo"

// Client is the minimal client projection used for phone-based linking.
type Client struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Plan is a read-only catalog entry rendered by the chatbot.
type Plan struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Active   bool    `json:"active"`
	Position int     `json:"position"`
}

// SendRequest is the internal outbound dispatch request shape.
type SendRequest struct {
	To             string      `json:"to"`
	Message        string      `json:"message"`
	MediaURL       string      `json:"media_url,omitempty"`
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversacion_id"` // optional; resolved from To when empty
}

// Validate checks the dispatch request for required fields.
func (r *SendRequest) Validate() error {
	if r.To == "" {
		return ErrEmptyRecipient
	}
	if r.Type == "" {
		r.Type = MessageTypeText
	}
	if !IsValidMessageType(r.Type) {
		return ErrInvalidMessageType
	}
	if r.Type == MessageTypeText && r.Message == "" {
		return ErrEmptyContent
	}
	if r.Type != MessageTypeText && r.MediaURL == "" {
		return errors.New("media_url is required for media messages")
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
