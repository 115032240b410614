package chatbot

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/dispatch"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/realtime"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/store"
)

type fakeEmitter struct {
	mu        sync.Mutex
	leads     []string
	purchases []string
}

func (f *fakeEmitter) EmitLead(ctx context.Context, phone, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leads = append(f.leads, phone)
}

func (f *fakeEmitter) EmitPurchase(ctx context.Context, phone, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchases = append(f.purchases, phone)
}

func newOrchestratorTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func inboundText(convID, text, providerID string) models.Message {
	return models.Message{
		ConversationID:    convID,
		Content:           text,
		Type:              models.MessageTypeText,
		Direction:         models.DirectionInbound,
		ProviderMessageID: providerID,
	}
}

func TestHandleInboundGreeting(t *testing.T) {
	s := newOrchestratorTestStore(t)
	emitter := &fakeEmitter{}
	o := NewOrchestrator(s, s, emitter, realtime.NoopNotifier{})

	conv, err := s.CreateConversation(models.Conversation{
		Channel:    models.ChannelWhatsApp,
		ExternalID: "573001234567",
	})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	if err := o.HandleInbound(context.Background(), conv.ID, inboundText(conv.ID, "hola", "wamid.IN1")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}

	got, _ := s.GetConversation(conv.ID)
	if got.ChatbotState != models.StateQualifying {
		t.Errorf("expected QUALIFYING, got %s", got.ChatbotState)
	}

	msgs, err := s.ClaimDueOutboxMessages(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one queued reply, got %d", len(msgs))
	}
	var payload dispatch.OutboundPayload
	if err := json.Unmarshal([]byte(msgs[0].PayloadJSON), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.To != "573001234567" {
		t.Errorf("expected reply addressed to contact, got %s", payload.To)
	}
	if payload.Body == "" {
		t.Error("expected greeting body")
	}
	if len(emitter.purchases) != 0 {
		t.Error("greeting must not emit purchase")
	}
}

func TestHandleInboundRetryDoesNotDuplicateReply(t *testing.T) {
	s := newOrchestratorTestStore(t)
	o := NewOrchestrator(s, s, &fakeEmitter{}, realtime.NoopNotifier{})

	conv, _ := s.CreateConversation(models.Conversation{
		Channel:    models.ChannelWhatsApp,
		ExternalID: "573001234567",
	})

	msg := inboundText(conv.ID, "hola", "wamid.IN1")
	if err := o.HandleInbound(context.Background(), conv.ID, msg); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	// Second delivery of the same inbound message (job retry). State is now
	// QUALIFYING so the machine produces a clarify reply, but the dedupe key
	// must collapse it into the already queued one.
	if err := o.HandleInbound(context.Background(), conv.ID, msg); err != nil {
		t.Fatalf("retried HandleInbound failed: %v", err)
	}

	msgs, _ := s.ClaimDueOutboxMessages(time.Now(), 10)
	if len(msgs) != 1 {
		t.Errorf("expected dedupe to keep a single reply, got %d", len(msgs))
	}
}

func TestHandleInboundPurchaseFlow(t *testing.T) {
	s := newOrchestratorTestStore(t)
	emitter := &fakeEmitter{}
	o := NewOrchestrator(s, s, emitter, realtime.NoopNotifier{})

	conv, _ := s.CreateConversation(models.Conversation{
		Channel:    models.ChannelWhatsApp,
		ExternalID: "573001234567",
	})

	steps := []struct {
		text  string
		state models.ChatState
	}{
		{"hola", models.StateQualifying},
		{"la promocion", models.StateDecision},
		{"ver los planes", models.StateShowingPlans},
		{"el primero", models.StateCompleted},
	}
	for i, step := range steps {
		providerID := "wamid.STEP" + string(rune('A'+i))
		if err := o.HandleInbound(context.Background(), conv.ID, inboundText(conv.ID, step.text, providerID)); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
		got, _ := s.GetConversation(conv.ID)
		if got.ChatbotState != step.state {
			t.Fatalf("step %d: expected %s, got %s", i, step.state, got.ChatbotState)
		}
	}

	if len(emitter.purchases) != 1 {
		t.Errorf("expected exactly one purchase event, got %d", len(emitter.purchases))
	}

	// Terminal: a further message produces no transition and no reply.
	before, _ := s.ClaimDueOutboxMessages(time.Now(), 100)
	if err := o.HandleInbound(context.Background(), conv.ID, inboundText(conv.ID, "hola?", "wamid.AFTER")); err != nil {
		t.Fatalf("terminal HandleInbound failed: %v", err)
	}
	after, _ := s.ClaimDueOutboxMessages(time.Now(), 100)
	if len(after) != 0 {
		t.Errorf("expected no new replies after COMPLETED, got %d (had %d)", len(after), len(before))
	}
}

func TestHandleInboundSerializesPerConversation(t *testing.T) {
	s := newOrchestratorTestStore(t)
	o := NewOrchestrator(s, s, &fakeEmitter{}, realtime.NoopNotifier{})

	conv, _ := s.CreateConversation(models.Conversation{
		Channel:    models.ChannelWhatsApp,
		ExternalID: "573001234567",
	})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i, text := range []string{"hola", "la promocion"} {
		wg.Add(1)
		providerID := "wamid.RACE" + string(rune('A'+i))
		go func(text, providerID string) {
			defer wg.Done()
			errs <- o.HandleInbound(context.Background(), conv.ID, inboundText(conv.ID, text, providerID))
		}(text, providerID)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent HandleInbound failed: %v", err)
		}
	}

	got, _ := s.GetConversation(conv.ID)
	if !models.IsValidChatState(got.ChatbotState) {
		t.Errorf("invalid state after concurrent messages: %s", got.ChatbotState)
	}
	// Both messages were processed, so the machine advanced at least once.
	if got.ChatbotState == models.StateStart {
		t.Error("expected the machine to have advanced past START")
	}
}

func TestHandleInboundUnknownConversation(t *testing.T) {
	s := newOrchestratorTestStore(t)
	o := NewOrchestrator(s, s, &fakeEmitter{}, realtime.NoopNotifier{})

	err := o.HandleInbound(context.Background(), "conv_missing", inboundText("conv_missing", "hola", ""))
	if err != models.ErrConversationNotFound {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}
