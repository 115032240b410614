package conversation

import (
	"context"
	"log/slog"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/realtime"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/store"
)

// Ingestor persists messages and applies provider status callbacks.
type Ingestor struct {
	store    store.Store
	notifier realtime.Notifier
}

// NewIngestor creates a new Ingestor.
func NewIngestor(st store.Store, notifier realtime.Notifier) *Ingestor {
	return &Ingestor{store: st, notifier: notifier}
}

// IngestInbound persists an inbound message. Inserts are idempotent on the
// provider message id: a redelivered webhook returns the original row with
// inserted=false and publishes nothing. The realtime event fires only after
// the row is committed.
func (i *Ingestor) IngestInbound(ctx context.Context, m models.Message) (models.Message, bool, error) {
	m.Direction = models.DirectionInbound

	stored, inserted, err := i.store.InsertMessage(m)
	if err != nil {
		return models.Message{}, false, err
	}
	if !inserted {
		slog.Debug("Ingestor.IngestInbound: duplicate suppressed", "providerMessageID", m.ProviderMessageID)
		return stored, false, nil
	}

	if err := i.notifier.Publish(ctx, realtime.NewMessageEvent(stored)); err != nil {
		slog.Warn("Ingestor.IngestInbound: realtime publish failed", "messageID", stored.ID, "error", err)
	}

	slog.Info("Ingestor.IngestInbound: message persisted", "messageID", stored.ID, "conversationID", stored.ConversationID, "type", stored.Type)
	return stored, true, nil
}

// ApplyStatus applies a provider status callback to the matching outbound
// message. Flags move monotonically: delivered sets delivered, read sets both,
// failed records the detail, and "sent" is accepted but changes nothing. An
// unmatched id is not an error; the callback may precede the insert.
func (i *Ingestor) ApplyStatus(ctx context.Context, providerMessageID string, status models.StatusType, detail string) (bool, error) {
	matched, err := i.store.ApplyMessageStatus(providerMessageID, status, detail)
	if err != nil {
		return false, err
	}
	if !matched {
		slog.Debug("Ingestor.ApplyStatus: no matching message", "providerMessageID", providerMessageID, "status", status)
		return false, nil
	}

	if status != models.StatusTypeSent {
		msg, err := i.store.GetMessageByProviderID(providerMessageID)
		if err == nil && msg != nil {
			evt := realtime.NewStatusEvent(msg.ConversationID, providerMessageID, status)
			if err := i.notifier.Publish(ctx, evt); err != nil {
				slog.Warn("Ingestor.ApplyStatus: realtime publish failed", "providerMessageID", providerMessageID, "error", err)
			}
		}
	}

	slog.Debug("Ingestor.ApplyStatus: status applied", "providerMessageID", providerMessageID, "status", status)
	return true, nil
}
