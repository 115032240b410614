// Package dispatch sends outbound messages through the provider and persists
// the resulting rows.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/realtime"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/store"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/whatsapp"
)

// OutboxKindSendMessage is the outbox message kind for provider sends.
const OutboxKindSendMessage = "send_message"

// OutboundPayload is the outbox payload for a provider send.
type OutboundPayload struct {
	ConversationID string             `json:"conversation_id"`
	To             string             `json:"to"`
	Body           string             `json:"body"`
	MediaURL       string             `json:"media_url,omitempty"`
	Type           models.MessageType `json:"type"`
}

// DispatchError wraps a provider send failure. Retry policy belongs to the
// caller: the API surfaces it to the operator, the outbox sender reschedules.
type DispatchError struct {
	To  string
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed: %v", e.To, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatcher sends messages through the provider, persists the outbound row
// with the provider-assigned id, and publishes a realtime event.
type Dispatcher struct {
	sender   whatsapp.Sender
	store    store.Store
	notifier realtime.Notifier
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(sender whatsapp.Sender, st store.Store, notifier realtime.Notifier) *Dispatcher {
	return &Dispatcher{sender: sender, store: st, notifier: notifier}
}

// Send validates the request, resolves the target conversation, calls the
// provider and persists the outbound message. The provider call happens first
// because the row needs the provider-assigned message id; a failure therefore
// persists nothing and surfaces a *DispatchError.
func (d *Dispatcher) Send(ctx context.Context, req models.SendRequest) (models.Message, error) {
	if err := req.Validate(); err != nil {
		return models.Message{}, err
	}

	conv, err := d.resolveConversation(req)
	if err != nil {
		return models.Message{}, err
	}

	msgType := req.Type
	if msgType == "" {
		msgType = models.MessageTypeText
	}

	var providerID string
	var content string
	switch {
	case req.MediaURL != "":
		content = req.MediaURL
		providerID, err = d.sender.SendMedia(ctx, req.To, req.MediaURL, msgType)
	default:
		content = req.Message
		providerID, err = d.sender.SendText(ctx, req.To, req.Message)
	}
	if err != nil {
		slog.Error("Dispatcher.Send: provider send failed", "to", req.To, "conversationID", conv.ID, "error", err)
		return models.Message{}, &DispatchError{To: req.To, Err: err}
	}

	stored, _, err := d.store.InsertMessage(models.Message{
		ConversationID:    conv.ID,
		Content:           content,
		Type:              msgType,
		Direction:         models.DirectionOutbound,
		ProviderMessageID: providerID,
	})
	if err != nil {
		// The send already happened; surface the persistence failure as is.
		slog.Error("Dispatcher.Send: persist failed after send", "to", req.To, "providerMessageID", providerID, "error", err)
		return models.Message{}, fmt.Errorf("failed to persist outbound message: %w", err)
	}

	if err := d.notifier.Publish(ctx, realtime.NewMessageEvent(stored)); err != nil {
		slog.Warn("Dispatcher.Send: realtime publish failed", "messageID", stored.ID, "error", err)
	}

	slog.Info("Dispatcher.Send: message dispatched", "to", req.To, "conversationID", conv.ID, "providerMessageID", providerID)
	return stored, nil
}

// SendOutbox adapts Send for the outbox sender. It decodes the durable
// payload and performs the send; errors trigger the outbox retry schedule.
func (d *Dispatcher) SendOutbox(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != OutboxKindSendMessage {
		return fmt.Errorf("unknown outbox kind: %s", msg.Kind)
	}
	var payload OutboundPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("failed to decode outbox payload: %w", err)
	}

	_, err := d.Send(ctx, models.SendRequest{
		To:             payload.To,
		Message:        payload.Body,
		MediaURL:       payload.MediaURL,
		Type:           payload.Type,
		ConversationID: payload.ConversationID,
	})
	return err
}

func (d *Dispatcher) resolveConversation(req models.SendRequest) (*models.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := d.store.GetConversation(req.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			return nil, models.ErrConversationNotFound
		}
		return conv, nil
	}

	conv, err := d.store.GetConversationByChannelAndIdentifier(models.ChannelWhatsApp, req.To)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, models.ErrMissingConversation
	}
	return conv, nil
}
