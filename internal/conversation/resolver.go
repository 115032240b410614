// Package conversation resolves contact identity and ingests messages.
//
// Resolution maps a channel plus external identifier (the contact's phone
// number) to exactly one conversation, creating it and the backing lead on
// first contact. Ingestion persists messages idempotently on the provider
// message id.
package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/analytics"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/store"
)

// Resolver finds or creates the conversation for an inbound contact.
type Resolver struct {
	store   store.Store
	emitter analytics.Emitter
}

// NewResolver creates a new Resolver.
func NewResolver(st store.Store, emitter analytics.Emitter) *Resolver {
	return &Resolver{store: st, emitter: emitter}
}

// Resolve returns the unique conversation for (channel, externalID), creating
// it on first contact. A concurrent create losing the unique-constraint race
// falls back to fetching the winner's row, so duplicate webhooks can never
// produce two conversations for one contact.
func (r *Resolver) Resolve(ctx context.Context, channel models.Channel, externalID, profileName string) (*models.Conversation, error) {
	conv, err := r.store.GetConversationByChannelAndIdentifier(channel, externalID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		if err := r.ensureIdentity(ctx, conv, externalID, profileName); err != nil {
			return nil, err
		}
		return conv, nil
	}

	created, err := r.store.CreateConversation(models.Conversation{
		Channel:    channel,
		ExternalID: externalID,
	})
	if err == models.ErrConversationExists {
		existing, err := r.store.GetConversationByChannelAndIdentifier(channel, externalID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("conversation vanished after unique conflict for %s/%s", channel, externalID)
		}
		if err := r.ensureIdentity(ctx, existing, externalID, profileName); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}

	slog.Info("Resolver.Resolve: conversation created", "id", created.ID, "channel", channel, "externalID", externalID)

	if err := r.linkIdentity(ctx, &created, externalID, profileName); err != nil {
		return nil, err
	}
	return &created, nil
}

// ensureIdentity repairs a conversation left unlinked by an earlier failed
// resolve. A retried webhook job lands here instead of the create path, so the
// lead/client link and the Lead analytics event must not depend on the create
// succeeding in one pass.
func (r *Resolver) ensureIdentity(ctx context.Context, conv *models.Conversation, phone, profileName string) error {
	if conv.LeadID != nil || conv.ClientID != nil {
		return nil
	}
	return r.linkIdentity(ctx, conv, phone, profileName)
}

// linkIdentity attaches an existing client, or finds/creates a lead, to a
// freshly created conversation.
func (r *Resolver) linkIdentity(ctx context.Context, conv *models.Conversation, phone, profileName string) error {
	client, err := r.store.FindClientByPhone(phone)
	if err != nil {
		return fmt.Errorf("client lookup failed: %w", err)
	}
	if client != nil {
		if err := r.store.LinkConversationClient(conv.ID, client.ID); err != nil {
			return fmt.Errorf("failed to link client: %w", err)
		}
		conv.ClientID = &client.ID
		slog.Debug("Resolver.linkIdentity: linked existing client", "conversationID", conv.ID, "clientID", client.ID)
		return nil
	}

	lead, err := r.store.FindLeadByPhone(phone)
	if err != nil {
		return fmt.Errorf("lead lookup failed: %w", err)
	}
	if lead == nil {
		name := profileName
		if name == "" {
			name = phone
		}
		created, err := r.store.CreateLead(models.Lead{
			Name:   name,
			Phone:  phone,
			Source: string(conv.Channel),
			Status: models.LeadStatusNew,
		})
		if err != nil {
			return fmt.Errorf("failed to create lead: %w", err)
		}
		lead = &created
		slog.Info("Resolver.linkIdentity: lead created", "leadID", lead.ID, "source", lead.Source)

		// Best effort; never blocks resolution.
		r.emitter.EmitLead(ctx, phone, name)
	}

	if err := r.store.LinkConversationLead(conv.ID, lead.ID); err != nil {
		return fmt.Errorf("failed to link lead: %w", err)
	}
	conv.LeadID = &lead.ID
	return nil
}
