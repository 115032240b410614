// Package pipeline processes the normalized webhook events behind the durable
// job queue.
//
// The webhook gateway acknowledges the provider immediately and enqueues one
// job per inbound message or status update; the processor here does the slow
// work (identity resolution, media relay, chatbot orchestration) on the job
// runner's schedule, with retries on failure.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/chatbot"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/conversation"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/media"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/store"
)

// Job kinds processed by the pipeline.
const (
	JobKindInboundMessage = "inbound_message"
	JobKindStatusUpdate   = "status_update"
)

// Processor wires the webhook event jobs to the conversation, media and
// chatbot components.
type Processor struct {
	resolver     *conversation.Resolver
	ingestor     *conversation.Ingestor
	retriever    *media.Retriever
	orchestrator *chatbot.Orchestrator
}

// NewProcessor creates a new Processor. retriever may be nil when object
// storage is not configured; media messages then persist with the fallback
// content.
func NewProcessor(resolver *conversation.Resolver, ingestor *conversation.Ingestor, retriever *media.Retriever, orchestrator *chatbot.Orchestrator) *Processor {
	return &Processor{
		resolver:     resolver,
		ingestor:     ingestor,
		retriever:    retriever,
		orchestrator: orchestrator,
	}
}

// Register attaches the pipeline handlers to the job runner.
func (p *Processor) Register(runner *store.JobRunner) {
	runner.RegisterHandler(JobKindInboundMessage, p.HandleInboundMessage)
	runner.RegisterHandler(JobKindStatusUpdate, p.HandleStatusUpdate)
}

// HandleInboundMessage processes one normalized inbound message: resolve the
// conversation, relay media if any, persist the message, then advance the
// chatbot. A duplicate provider message id short-circuits before the chatbot
// so webhook redeliveries cannot re-run the state machine.
func (p *Processor) HandleInboundMessage(ctx context.Context, payload string) error {
	var evt models.InboundEventPayload
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return fmt.Errorf("failed to decode inbound event: %w", err)
	}

	conv, err := p.resolver.Resolve(ctx, evt.Channel, evt.From, evt.ProfileName)
	if err != nil {
		return fmt.Errorf("failed to resolve conversation: %w", err)
	}

	content := evt.Text
	if evt.MediaID != "" {
		content = p.relayMedia(ctx, evt, conv.ID)
	}

	msg, inserted, err := p.ingestor.IngestInbound(ctx, models.Message{
		ConversationID:    conv.ID,
		Content:           content,
		Type:              evt.Type,
		ProviderMessageID: evt.ProviderMessageID,
		Timestamp:         evt.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to ingest message: %w", err)
	}
	if !inserted {
		return nil
	}

	if err := p.orchestrator.HandleInbound(ctx, conv.ID, msg); err != nil {
		return fmt.Errorf("chatbot failed: %w", err)
	}
	return nil
}

// relayMedia fetches and stores inbound media, returning the durable URL or
// the fallback content. Relay failure is logged but never fails the job; the
// message row is more important than the attachment.
func (p *Processor) relayMedia(ctx context.Context, evt models.InboundEventPayload, conversationID string) string {
	if p.retriever == nil {
		slog.Warn("Processor.relayMedia: no media storage configured", "mediaID", evt.MediaID)
		return media.FallbackContent
	}
	url, err := p.retriever.Relay(ctx, evt.MediaID, evt.MimeType, conversationID)
	if err != nil {
		slog.Warn("Processor.relayMedia: relay failed", "mediaID", evt.MediaID, "conversationID", conversationID, "error", err)
		return media.FallbackContent
	}
	return url
}

// HandleStatusUpdate applies one normalized status callback. An unmatched
// provider message id completes the job without retry; callbacks for unknown
// sends are routine.
func (p *Processor) HandleStatusUpdate(ctx context.Context, payload string) error {
	var evt models.StatusEventPayload
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return fmt.Errorf("failed to decode status event: %w", err)
	}

	matched, err := p.ingestor.ApplyStatus(ctx, evt.ProviderMessageID, evt.Status, evt.Detail)
	if err != nil {
		return fmt.Errorf("failed to apply status: %w", err)
	}
	if !matched {
		slog.Debug("Processor.HandleStatusUpdate: unmatched status", "providerMessageID", evt.ProviderMessageID, "status", evt.Status)
	}
	return nil
}
