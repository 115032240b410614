// Package realtime fans persisted conversation activity out to subscribers.
//
// Events are published to a topic exchange after the corresponding row is
// committed, so consumers never observe activity that the store does not.
package realtime

import (
	"time"

	"github.com/google/uuid"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
)

// EventKind identifies what a realtime event describes.
type EventKind string

const (
	// EventKindMessage announces a newly persisted message.
	EventKindMessage EventKind = "message"
	// EventKindStatus announces a delivery or read flag change.
	EventKindStatus EventKind = "status"
	// EventKindState announces a chatbot state transition.
	EventKindState EventKind = "state"
)

// Event is the payload fanned out to realtime subscribers.
type Event struct {
	ID                string            `json:"id"`
	Kind              EventKind         `json:"kind"`
	ConversationID    string            `json:"conversation_id"`
	OccurredAt        time.Time         `json:"occurred_at"`
	Message           *models.Message   `json:"message,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	Status            models.StatusType `json:"status,omitempty"`
	State             models.ChatState  `json:"state,omitempty"`
}

// RoutingKey returns the topic routing key for the event, shaped as
// "conversation.<id>.<kind>" so subscribers can filter per conversation.
func (e Event) RoutingKey() string {
	return "conversation." + e.ConversationID + "." + string(e.Kind)
}

// NewMessageEvent builds an event for a persisted message.
func NewMessageEvent(m models.Message) Event {
	return Event{
		ID:             uuid.NewString(),
		Kind:           EventKindMessage,
		ConversationID: m.ConversationID,
		OccurredAt:     time.Now(),
		Message:        &m,
	}
}

// NewStatusEvent builds an event for a delivery or read flag change.
func NewStatusEvent(conversationID, providerMessageID string, status models.StatusType) Event {
	return Event{
		ID:                uuid.NewString(),
		Kind:              EventKindStatus,
		ConversationID:    conversationID,
		OccurredAt:        time.Now(),
		ProviderMessageID: providerMessageID,
		Status:            status,
	}
}

// NewStateEvent builds an event for a chatbot state transition.
func NewStateEvent(conversationID string, state models.ChatState) Event {
	return Event{
		ID:             uuid.NewString(),
		Kind:           EventKindState,
		ConversationID: conversationID,
		OccurredAt:     time.Now(),
		State:          state,
	}
}
