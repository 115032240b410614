package store

import (
	"database/sql"
	"encoding/json"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalStrings encodes a string slice as JSON for a TEXT column; empty
// slices become the empty string (stored as NULL).
func marshalStrings(values []string) string {
	if len(values) == 0 {
		return ""
	}
	data, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}

// marshalMetadata encodes a metadata map as JSON for a TEXT column.
func marshalMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalMetadata(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	meta := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil
	}
	return meta
}

// scanConversation scans a conversation row in canonical column order.
func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var leadID, clientID, tags, metadata sql.NullString
	err := row.Scan(
		&c.ID, &c.Channel, &c.ExternalID, &leadID, &clientID, &c.Status,
		&c.ChatbotState, &tags, &metadata, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	if leadID.Valid {
		c.LeadID = &leadID.String
	}
	if clientID.Valid {
		c.ClientID = &clientID.String
	}
	c.Tags = unmarshalStrings(tags.String)
	c.Metadata = unmarshalMetadata(metadata.String)
	return c, nil
}

// scanMessage scans a message row in canonical column order.
func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var providerID, metadata sql.NullString
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.Content, &m.Type, &m.Direction,
		&m.Read, &m.Delivered, &providerID, &metadata, &m.Timestamp, &m.CreatedAt,
	)
	if err != nil {
		return m, err
	}
	m.ProviderMessageID = providerID.String
	m.Metadata = unmarshalMetadata(metadata.String)
	return m, nil
}

// scanJob scans a Job row in canonical column order.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanOutboxMessage scans an OutboxMessage row in canonical column order.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, err
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
