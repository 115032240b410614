// Package store provides storage backends for the CRM messaging core.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/util"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// isPostgresUniqueViolation reports whether err is a unique_violation (23505).
func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PostgresStore) CreateConversation(c models.Conversation) (models.Conversation, error) {
	if c.ID == "" {
		c.ID = util.GenerateConversationID()
	}
	if c.Status == "" {
		c.Status = models.ConversationStatusOpen
	}
	if c.ChatbotState == "" {
		c.ChatbotState = models.StateStart
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	var leadID, clientID interface{}
	if c.LeadID != nil {
		leadID = *c.LeadID
	}
	if c.ClientID != nil {
		clientID = *c.ClientID
	}

	_, err := s.db.Exec(
		`INSERT INTO conversations (`+conversationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.Channel, c.ExternalID, leadID, clientID, c.Status, c.ChatbotState,
		nilIfEmpty(marshalStrings(c.Tags)), nilIfEmpty(marshalMetadata(c.Metadata)), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return models.Conversation{}, models.ErrConversationExists
		}
		return models.Conversation{}, fmt.Errorf("insert conversation failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateConversation", "id", c.ID, "channel", c.Channel, "externalID", c.ExternalID)
	return c, nil
}

func (s *PostgresStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetConversationByChannelAndIdentifier(channel models.Channel, externalID string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations WHERE channel = $1 AND external_identifier = $2`,
		channel, externalID,
	)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation by identifier failed: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListConversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(`SELECT ` + conversationColumns + ` FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations failed: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation failed: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations iteration failed: %w", err)
	}
	return conversations, nil
}

func (s *PostgresStore) UpdateConversationState(id string, from, to models.ChatState) error {
	result, err := s.db.Exec(
		`UPDATE conversations SET chatbot_state = $1, updated_at = $2 WHERE id = $3 AND chatbot_state = $4`,
		to, time.Now(), id, from,
	)
	if err != nil {
		return fmt.Errorf("update conversation state failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		existing, err := s.GetConversation(id)
		if err != nil {
			return err
		}
		if existing == nil {
			return models.ErrConversationNotFound
		}
		return models.ErrStateConflict
	}
	slog.Debug("PostgresStore.UpdateConversationState", "id", id, "from", from, "to", to)
	return nil
}

func (s *PostgresStore) UpdateConversationTags(id string, tags []string) error {
	result, err := s.db.Exec(
		`UPDATE conversations SET tags = $1, updated_at = $2 WHERE id = $3`,
		nilIfEmpty(marshalStrings(tags)), time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("update conversation tags failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrConversationNotFound
	}
	return nil
}

func (s *PostgresStore) LinkConversationLead(id, leadID string) error {
	result, err := s.db.Exec(
		`UPDATE conversations SET lead_id = $1, updated_at = $2 WHERE id = $3`,
		leadID, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("link conversation lead failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrConversationNotFound
	}
	return nil
}

func (s *PostgresStore) LinkConversationClient(id, clientID string) error {
	result, err := s.db.Exec(
		`UPDATE conversations SET client_id = $1, updated_at = $2 WHERE id = $3`,
		clientID, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("link conversation client failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrConversationNotFound
	}
	return nil
}

func (s *PostgresStore) InsertMessage(m models.Message) (models.Message, bool, error) {
	if err := m.Validate(); err != nil {
		return models.Message{}, false, err
	}
	if m.ProviderMessageID != "" {
		existing, err := s.GetMessageByProviderID(m.ProviderMessageID)
		if err != nil {
			return models.Message{}, false, err
		}
		if existing != nil {
			slog.Debug("PostgresStore.InsertMessage: duplicate provider message id", "providerMessageID", m.ProviderMessageID)
			return *existing, false, nil
		}
	}

	if m.ID == "" {
		m.ID = util.GenerateMessageID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.CreatedAt = time.Now()

	_, err := s.db.Exec(
		`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.ConversationID, m.Content, m.Type, m.Direction, m.Read, m.Delivered,
		nilIfEmpty(m.ProviderMessageID), nilIfEmpty(marshalMetadata(m.Metadata)), m.Timestamp, m.CreatedAt,
	)
	if err != nil {
		// Lost an insert race on the provider message id: the row is the winner's.
		if isPostgresUniqueViolation(err) && m.ProviderMessageID != "" {
			existing, getErr := s.GetMessageByProviderID(m.ProviderMessageID)
			if getErr == nil && existing != nil {
				return *existing, false, nil
			}
		}
		return models.Message{}, false, fmt.Errorf("insert message failed: %w", err)
	}
	slog.Debug("PostgresStore.InsertMessage", "id", m.ID, "conversationID", m.ConversationID, "direction", m.Direction)
	return m, true, nil
}

func (s *PostgresStore) GetMessageByProviderID(providerMessageID string) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE provider_message_id = $1`,
		providerMessageID,
	)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message by provider id failed: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) ApplyMessageStatus(providerMessageID string, status models.StatusType, detail string) (bool, error) {
	existing, err := s.GetMessageByProviderID(providerMessageID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		// The status callback can arrive before the message insert is visible.
		return false, nil
	}

	switch status {
	case models.StatusTypeDelivered:
		_, err = s.db.Exec(`UPDATE messages SET is_delivered = TRUE WHERE id = $1`, existing.ID)
	case models.StatusTypeRead:
		_, err = s.db.Exec(`UPDATE messages SET is_read = TRUE, is_delivered = TRUE WHERE id = $1`, existing.ID)
	case models.StatusTypeFailed:
		meta := existing.Metadata
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[models.MetadataKeyFailureDetail] = detail
		_, err = s.db.Exec(`UPDATE messages SET metadata = $1 WHERE id = $2`, marshalMetadata(meta), existing.ID)
	case models.StatusTypeSent:
		// Sent is implied by the row existing; nothing to update.
	default:
		slog.Warn("PostgresStore.ApplyMessageStatus: unknown status", "status", status, "providerMessageID", providerMessageID)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("apply message status failed: %w", err)
	}
	slog.Debug("PostgresStore.ApplyMessageStatus", "providerMessageID", providerMessageID, "status", status)
	return true, nil
}

func (s *PostgresStore) ListMessages(conversationID string) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY timestamp ASC, created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages iteration failed: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) FindLeadByPhone(phone string) (*models.Lead, error) {
	row := s.db.QueryRow(
		`SELECT id, name, phone, source, status, created_at FROM leads WHERE phone = $1 LIMIT 1`,
		phone,
	)
	var l models.Lead
	err := row.Scan(&l.ID, &l.Name, &l.Phone, &l.Source, &l.Status, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find lead by phone failed: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) CreateLead(l models.Lead) (models.Lead, error) {
	if l.ID == "" {
		l.ID = util.GenerateLeadID()
	}
	l.CreatedAt = time.Now()
	_, err := s.db.Exec(
		`INSERT INTO leads (id, name, phone, source, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.Name, l.Phone, l.Source, l.Status, l.CreatedAt,
	)
	if err != nil {
		return models.Lead{}, fmt.Errorf("insert lead failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateLead", "id", l.ID, "phone", l.Phone, "source", l.Source)
	return l, nil
}

func (s *PostgresStore) FindClientByPhone(phone string) (*models.Client, error) {
	row := s.db.QueryRow(`SELECT id, name, phone FROM clients WHERE phone = $1 LIMIT 1`, phone)
	var c models.Client
	err := row.Scan(&c.ID, &c.Name, &c.Phone)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find client by phone failed: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) CreateClient(c models.Client) (models.Client, error) {
	if c.ID == "" {
		c.ID = util.GenerateRandomID("cli_", 32)
	}
	_, err := s.db.Exec(
		`INSERT INTO clients (id, name, phone) VALUES ($1, $2, $3)`,
		c.ID, c.Name, c.Phone,
	)
	if err != nil {
		return models.Client{}, fmt.Errorf("insert client failed: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListActivePlans() ([]models.Plan, error) {
	rows, err := s.db.Query(`SELECT id, name, price, active, position FROM plans WHERE active = TRUE ORDER BY position ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active plans failed: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		var p models.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Active, &p.Position); err != nil {
			return nil, fmt.Errorf("scan plan failed: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list plans iteration failed: %w", err)
	}
	return plans, nil
}
