// Package store provides storage backends for the CRM messaging core.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

const conversationColumns = `id, channel, external_identifier, lead_id, client_id, status, chatbot_state, tags, metadata, created_at, updated_at`

const messageColumns = `id, conversation_id, content, type, direction, is_read, is_delivered, provider_message_id, metadata, timestamp, created_at`

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// isSQLiteUniqueViolation reports whether err is a UNIQUE constraint failure.
func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) CreateConversation(c models.Conversation) (models.Conversation, error) {
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
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Channel, c.ExternalID, leadID, clientID, c.Status, c.ChatbotState,
		nilIfEmpty(marshalStrings(c.Tags)), nilIfEmpty(marshalMetadata(c.Metadata)), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return models.Conversation{}, models.ErrConversationExists
		}
		return models.Conversation{}, fmt.Errorf("insert conversation failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateConversation", "id", c.ID, "channel", c.Channel, "externalID", c.ExternalID)
	return c, nil
}

func (s *SQLiteStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) GetConversationByChannelAndIdentifier(channel models.Channel, externalID string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations WHERE channel = ? AND external_identifier = ?`,
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

func (s *SQLiteStore) ListConversations() ([]models.Conversation, error) {
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

func (s *SQLiteStore) UpdateConversationState(id string, from, to models.ChatState) error {
	result, err := s.db.Exec(
		`UPDATE conversations SET chatbot_state = ?, updated_at = ? WHERE id = ? AND chatbot_state = ?`,
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
	slog.Debug("SQLiteStore.UpdateConversationState", "id", id, "from", from, "to", to)
	return nil
}

func (s *SQLiteStore) UpdateConversationTags(id string, tags []string) error {
	result, err := s.db.Exec(
		`UPDATE conversations SET tags = ?, updated_at = ? WHERE id = ?`,
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

func (s *SQLiteStore) LinkConversationLead(id, leadID string) error {
	result, err := s.db.Exec(
		`UPDATE conversations SET lead_id = ?, updated_at = ? WHERE id = ?`,
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

func (s *SQLiteStore) LinkConversationClient(id, clientID string) error {
	result, err := s.db.Exec(
		`UPDATE conversations SET client_id = ?, updated_at = ? WHERE id = ?`,
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

func (s *SQLiteStore) InsertMessage(m models.Message) (models.Message, bool, error) {
	if err := m.Validate(); err != nil {
		return models.Message{}, false, err
	}
	if m.ProviderMessageID != "" {
		existing, err := s.GetMessageByProviderID(m.ProviderMessageID)
		if err != nil {
			return models.Message{}, false, err
		}
		if existing != nil {
			slog.Debug("SQLiteStore.InsertMessage: duplicate provider message id", "providerMessageID", m.ProviderMessageID)
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
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Content, m.Type, m.Direction, m.Read, m.Delivered,
		nilIfEmpty(m.ProviderMessageID), nilIfEmpty(marshalMetadata(m.Metadata)), m.Timestamp, m.CreatedAt,
	)
	if err != nil {
		// Lost an insert race on the provider message id: the row is the winner's.
		if isSQLiteUniqueViolation(err) && m.ProviderMessageID != "" {
			existing, getErr := s.GetMessageByProviderID(m.ProviderMessageID)
			if getErr == nil && existing != nil {
				return *existing, false, nil
			}
		}
		return models.Message{}, false, fmt.Errorf("insert message failed: %w", err)
	}
	slog.Debug("SQLiteStore.InsertMessage", "id", m.ID, "conversationID", m.ConversationID, "direction", m.Direction)
	return m, true, nil
}

func (s *SQLiteStore) GetMessageByProviderID(providerMessageID string) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE provider_message_id = ?`,
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

func (s *SQLiteStore) ApplyMessageStatus(providerMessageID string, status models.StatusType, detail string) (bool, error) {
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
		_, err = s.db.Exec(`UPDATE messages SET is_delivered = 1 WHERE id = ?`, existing.ID)
	case models.StatusTypeRead:
		_, err = s.db.Exec(`UPDATE messages SET is_read = 1, is_delivered = 1 WHERE id = ?`, existing.ID)
	case models.StatusTypeFailed:
		meta := existing.Metadata
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[models.MetadataKeyFailureDetail] = detail
		_, err = s.db.Exec(`UPDATE messages SET metadata = ? WHERE id = ?`, marshalMetadata(meta), existing.ID)
	case models.StatusTypeSent:
		// Sent is implied by the row existing; nothing to update.
	default:
		slog.Warn("SQLiteStore.ApplyMessageStatus: unknown status", "status", status, "providerMessageID", providerMessageID)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("apply message status failed: %w", err)
	}
	slog.Debug("SQLiteStore.ApplyMessageStatus", "providerMessageID", providerMessageID, "status", status)
	return true, nil
}

func (s *SQLiteStore) ListMessages(conversationID string) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC, created_at ASC`,
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

func (s *SQLiteStore) FindLeadByPhone(phone string) (*models.Lead, error) {
	row := s.db.QueryRow(
		`SELECT id, name, phone, source, status, created_at FROM leads WHERE phone = ? LIMIT 1`,
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

func (s *SQLiteStore) CreateLead(l models.Lead) (models.Lead, error) {
	if l.ID == "" {
		l.ID = util.GenerateLeadID()
	}
	l.CreatedAt = time.Now()
	_, err := s.db.Exec(
		`INSERT INTO leads (id, name, phone, source, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.Name, l.Phone, l.Source, l.Status, l.CreatedAt,
	)
	if err != nil {
		return models.Lead{}, fmt.Errorf("insert lead failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateLead", "id", l.ID, "phone", l.Phone, "source", l.Source)
	return l, nil
}

func (s *SQLiteStore) FindClientByPhone(phone string) (*models.Client, error) {
	row := s.db.QueryRow(`SELECT id, name, phone FROM clients WHERE phone = ? LIMIT 1`, phone)
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

func (s *SQLiteStore) CreateClient(c models.Client) (models.Client, error) {
	if c.ID == "" {
		c.ID = util.GenerateRandomID("cli_", 32)
	}
	_, err := s.db.Exec(
		`INSERT INTO clients (id, name, phone) VALUES (?, ?, ?)`,
		c.ID, c.Name, c.Phone,
	)
	if err != nil {
		return models.Client{}, fmt.Errorf("insert client failed: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListActivePlans() ([]models.Plan, error) {
	rows, err := s.db.Query(`SELECT id, name, price, active, position FROM plans WHERE active = 1 ORDER BY position ASC, name ASC`)
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
