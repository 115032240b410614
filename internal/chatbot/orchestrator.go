package chatbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/analytics"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/dispatch"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/realtime"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/store"
)

// Orchestrator serializes the state machine per conversation and turns
// transitions into durable side effects: the CAS state write, the outbox
// reply and the analytics event.
type Orchestrator struct {
	store    store.Store
	outbox   store.OutboxRepo
	emitter  analytics.Emitter
	notifier realtime.Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(st store.Store, outbox store.OutboxRepo, emitter analytics.Emitter, notifier realtime.Notifier) *Orchestrator {
	return &Orchestrator{
		store:    st,
		outbox:   outbox,
		emitter:  emitter,
		notifier: notifier,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockConversation acquires the per-conversation mutex. Two messages from the
// same contact arriving in quick succession must not both read the same state.
func (o *Orchestrator) lockConversation(id string) func() {
	o.mu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	o.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// HandleInbound advances the state machine for one persisted inbound message.
// The state is read under the conversation lock, the transition persisted via
// compare-and-swap, and only then is the reply committed to the outbox: a
// crash in between skips a reply rather than corrupting the state.
func (o *Orchestrator) HandleInbound(ctx context.Context, conversationID string, inbound models.Message) error {
	unlock := o.lockConversation(conversationID)
	defer unlock()

	conv, err := o.store.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return models.ErrConversationNotFound
	}

	if conv.ChatbotState.IsTerminal() {
		slog.Debug("Orchestrator.HandleInbound: terminal state, staying silent", "conversationID", conv.ID, "state", conv.ChatbotState)
		return nil
	}

	var plans []models.Plan
	if conv.ChatbotState == models.StateDecision {
		// Only the DECISION step can render the catalog.
		plans, err = o.store.ListActivePlans()
		if err != nil {
			return fmt.Errorf("failed to load plan catalog: %w", err)
		}
	}

	action := Advance(conv.ChatbotState, inbound.Content, plans)

	if action.Next != conv.ChatbotState {
		if err := o.store.UpdateConversationState(conv.ID, conv.ChatbotState, action.Next); err != nil {
			return fmt.Errorf("failed to persist state transition %s -> %s: %w", conv.ChatbotState, action.Next, err)
		}
		slog.Info("Orchestrator.HandleInbound: state transition", "conversationID", conv.ID, "from", conv.ChatbotState, "to", action.Next)

		if err := o.notifier.Publish(ctx, realtime.NewStateEvent(conv.ID, action.Next)); err != nil {
			slog.Warn("Orchestrator.HandleInbound: realtime publish failed", "conversationID", conv.ID, "error", err)
		}
	}

	if action.Reply != "" {
		if err := o.enqueueReply(conv, action.Reply, inbound.ProviderMessageID); err != nil {
			return err
		}
	}

	if action.EmitPurchase {
		name := ""
		if lead, err := o.store.FindLeadByPhone(conv.ExternalID); err == nil && lead != nil {
			name = lead.Name
		}
		o.emitter.EmitPurchase(ctx, conv.ExternalID, name)
	}

	return nil
}

// enqueueReply commits the automated reply to the outbox. The dedupe key ties
// the reply to the inbound provider message id so a retried job cannot queue
// the same reply twice.
func (o *Orchestrator) enqueueReply(conv *models.Conversation, reply, inboundProviderID string) error {
	payload, err := json.Marshal(dispatch.OutboundPayload{
		ConversationID: conv.ID,
		To:             conv.ExternalID,
		Body:           reply,
		Type:           models.MessageTypeText,
	})
	if err != nil {
		return fmt.Errorf("failed to encode reply payload: %w", err)
	}

	dedupeKey := ""
	if inboundProviderID != "" {
		dedupeKey = "reply:" + inboundProviderID
	}

	id, err := o.outbox.EnqueueOutboxMessage(conv.ID, dispatch.OutboxKindSendMessage, string(payload), dedupeKey)
	if err != nil {
		return fmt.Errorf("failed to enqueue reply: %w", err)
	}
	slog.Debug("Orchestrator.enqueueReply: reply queued", "conversationID", conv.ID, "outboxID", id)
	return nil
}
