// Package store provides storage backends for the CRM messaging core.
//
// It defines the Store interface over conversations, messages, leads, clients
// and the plan catalog, implemented by SQLite and PostgreSQL backends, plus the
// durable job queue and outbox used to decouple webhook acknowledgment from
// downstream processing.
package store

import (
	"strings"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL-style DSNs and "sqlite"
// otherwise (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Store defines persistence over the messaging core's entities.
//
// Implementations must enforce the two idempotency invariants at the schema
// level: conversations are unique on (channel, external_identifier) and
// messages are unique on provider_message_id when present.
type Store interface {
	// CreateConversation inserts a new conversation. Returns
	// models.ErrConversationExists if the (channel, external_identifier) pair is
	// already taken, so callers can re-fetch instead of racing.
	CreateConversation(c models.Conversation) (models.Conversation, error)

	// GetConversation retrieves a conversation by id. Returns nil when absent.
	GetConversation(id string) (*models.Conversation, error)

	// GetConversationByChannelAndIdentifier looks up the unique conversation for
	// a channel + external identifier. Returns nil when absent.
	GetConversationByChannelAndIdentifier(channel models.Channel, externalID string) (*models.Conversation, error)

	// ListConversations returns all conversations, most recently updated first.
	ListConversations() ([]models.Conversation, error)

	// UpdateConversationState transitions chatbot state with a compare-and-swap
	// on the expected current state. Returns models.ErrStateConflict when the
	// stored state no longer matches from.
	UpdateConversationState(id string, from, to models.ChatState) error

	// UpdateConversationTags replaces the conversation's tag list.
	UpdateConversationTags(id string, tags []string) error

	// LinkConversationLead associates a lead with the conversation.
	LinkConversationLead(id, leadID string) error

	// LinkConversationClient associates a client with the conversation.
	LinkConversationClient(id, clientID string) error

	// InsertMessage persists a message. When ProviderMessageID is set and a row
	// with that id already exists, the existing row is returned unchanged and
	// inserted is false (idempotent insert).
	InsertMessage(m models.Message) (stored models.Message, inserted bool, err error)

	// GetMessageByProviderID retrieves a message by provider message id.
	// Returns nil when absent.
	GetMessageByProviderID(providerMessageID string) (*models.Message, error)

	// ApplyMessageStatus applies a provider status callback to the message with
	// the given provider id. delivered sets delivered; read sets read and
	// delivered; failed records detail in metadata. Flags only ever move to
	// true. Returns matched=false (and no error) when no message exists yet.
	ApplyMessageStatus(providerMessageID string, status models.StatusType, detail string) (matched bool, err error)

	// ListMessages returns a conversation's messages in chronological order.
	ListMessages(conversationID string) ([]models.Message, error)

	// FindLeadByPhone returns the lead with the given phone, or nil.
	FindLeadByPhone(phone string) (*models.Lead, error)

	// CreateLead inserts a new lead.
	CreateLead(l models.Lead) (models.Lead, error)

	// FindClientByPhone returns the client with the given phone, or nil.
	FindClientByPhone(phone string) (*models.Client, error)

	// CreateClient inserts a new client.
	CreateClient(c models.Client) (models.Client, error)

	// ListActivePlans returns active catalog plans in display order.
	ListActivePlans() ([]models.Plan, error)

	// Close releases the underlying database connection.
	Close() error
}
