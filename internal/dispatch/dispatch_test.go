package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/realtime"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/store"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/whatsapp"
)

func newDispatchTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSendText(t *testing.T) {
	s := newDispatchTestStore(t)
	mock := &whatsapp.MockClient{
		SendTextFn: func(ctx context.Context, to, body string) (string, error) {
			return "wamid.DISPATCH1", nil
		},
	}
	d := NewDispatcher(mock, s, realtime.NoopNotifier{})

	conv, _ := s.CreateConversation(models.Conversation{
		Channel:    models.ChannelWhatsApp,
		ExternalID: "573001234567",
	})

	msg, err := d.Send(context.Background(), models.SendRequest{
		To:             "573001234567",
		Message:        "hola desde el CRM",
		ConversationID: conv.ID,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.Direction != models.DirectionOutbound {
		t.Errorf("expected outbound direction, got %s", msg.Direction)
	}
	if msg.ProviderMessageID != "wamid.DISPATCH1" {
		t.Errorf("expected provider message id, got %s", msg.ProviderMessageID)
	}
	if len(mock.SentTexts) != 1 || mock.SentTexts[0].Body != "hola desde el CRM" {
		t.Errorf("unexpected sends %v", mock.SentTexts)
	}

	stored, _ := s.ListMessages(conv.ID)
	if len(stored) != 1 {
		t.Errorf("expected 1 persisted message, got %d", len(stored))
	}
}

func TestSendResolvesConversationByRecipient(t *testing.T) {
	s := newDispatchTestStore(t)
	d := NewDispatcher(&whatsapp.MockClient{}, s, realtime.NoopNotifier{})

	conv, _ := s.CreateConversation(models.Conversation{
		Channel:    models.ChannelWhatsApp,
		ExternalID: "573001234567",
	})

	msg, err := d.Send(context.Background(), models.SendRequest{
		To:      "573001234567",
		Message: "hola",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.ConversationID != conv.ID {
		t.Errorf("expected message in conversation %s, got %s", conv.ID, msg.ConversationID)
	}
}

func TestSendMissingConversation(t *testing.T) {
	s := newDispatchTestStore(t)
	d := NewDispatcher(&whatsapp.MockClient{}, s, realtime.NoopNotifier{})

	_, err := d.Send(context.Background(), models.SendRequest{
		To:      "573009990000",
		Message: "hola",
	})
	if err != models.ErrMissingConversation {
		t.Errorf("expected ErrMissingConversation, got %v", err)
	}

	_, err = d.Send(context.Background(), models.SendRequest{
		To:             "573009990000",
		Message:        "hola",
		ConversationID: "conv_unknown",
	})
	if err != models.ErrConversationNotFound {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestSendProviderFailure(t *testing.T) {
	s := newDispatchTestStore(t)
	mock := &whatsapp.MockClient{
		SendTextFn: func(ctx context.Context, to, body string) (string, error) {
			return "", errors.New("rate limited")
		},
	}
	d := NewDispatcher(mock, s, realtime.NoopNotifier{})

	conv, _ := s.CreateConversation(models.Conversation{
		Channel:    models.ChannelWhatsApp,
		ExternalID: "573001234567",
	})

	_, err := d.Send(context.Background(), models.SendRequest{
		To:             "573001234567",
		Message:        "hola",
		ConversationID: conv.ID,
	})
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("expected *DispatchError, got %v", err)
	}
	if dispatchErr.To != "573001234567" {
		t.Errorf("unexpected recipient in error: %s", dispatchErr.To)
	}

	// Nothing persisted on provider failure.
	stored, _ := s.ListMessages(conv.ID)
	if len(stored) != 0 {
		t.Errorf("expected no persisted message, got %d", len(stored))
	}
}

func TestSendMedia(t *testing.T) {
	s := newDispatchTestStore(t)
	mock := &whatsapp.MockClient{}
	d := NewDispatcher(mock, s, realtime.NoopNotifier{})

	conv, _ := s.CreateConversation(models.Conversation{
		Channel:    models.ChannelWhatsApp,
		ExternalID: "573001234567",
	})

	msg, err := d.Send(context.Background(), models.SendRequest{
		To:             "573001234567",
		MediaURL:       "https://storage.example.com/public/media/a.jpg",
		Type:           models.MessageTypeImage,
		ConversationID: conv.ID,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.Content != "https://storage.example.com/public/media/a.jpg" {
		t.Errorf("expected media URL as content, got %s", msg.Content)
	}
	if len(mock.SentMedia) != 1 || mock.SentMedia[0].Type != models.MessageTypeImage {
		t.Errorf("unexpected media sends %v", mock.SentMedia)
	}
}

func TestSendValidation(t *testing.T) {
	s := newDispatchTestStore(t)
	d := NewDispatcher(&whatsapp.MockClient{}, s, realtime.NoopNotifier{})

	if _, err := d.Send(context.Background(), models.SendRequest{Message: "hola"}); err != models.ErrEmptyRecipient {
		t.Errorf("expected ErrEmptyRecipient, got %v", err)
	}
	if _, err := d.Send(context.Background(), models.SendRequest{To: "573001"}); err != models.ErrEmptyContent {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
}

func TestSendOutbox(t *testing.T) {
	s := newDispatchTestStore(t)
	mock := &whatsapp.MockClient{}
	d := NewDispatcher(mock, s, realtime.NoopNotifier{})

	conv, _ := s.CreateConversation(models.Conversation{
		Channel:    models.ChannelWhatsApp,
		ExternalID: "573001234567",
	})

	payload, _ := json.Marshal(OutboundPayload{
		ConversationID: conv.ID,
		To:             "573001234567",
		Body:           "respuesta automatica",
		Type:           models.MessageTypeText,
	})

	err := d.SendOutbox(context.Background(), store.OutboxMessage{
		ID:             "outbox_1",
		ConversationID: conv.ID,
		Kind:           OutboxKindSendMessage,
		PayloadJSON:    string(payload),
	})
	if err != nil {
		t.Fatalf("SendOutbox failed: %v", err)
	}
	if len(mock.SentTexts) != 1 || mock.SentTexts[0].Body != "respuesta automatica" {
		t.Errorf("unexpected sends %v", mock.SentTexts)
	}

	// Unknown kinds are rejected.
	if err := d.SendOutbox(context.Background(), store.OutboxMessage{Kind: "mystery"}); err == nil {
		t.Error("expected error for unknown outbox kind")
	}
}
