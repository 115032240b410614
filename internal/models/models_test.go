package models

import (
	"errors"
	"testing"
)

func TestMessageValidate(t *testing.T) {
	valid := Message{
		ConversationID: "conv_1",
		Content:        "hola",
		Type:           MessageTypeText,
		Direction:      DirectionInbound,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid message, got %v", err)
	}

	missing := valid
	missing.ConversationID = ""
	if err := missing.Validate(); !errors.Is(err, ErrMissingConversation) {
		t.Errorf("expected ErrMissingConversation, got %v", err)
	}

	badType := valid
	badType.Type = "video"
	if err := badType.Validate(); !errors.Is(err, ErrInvalidMessageType) {
		t.Errorf("expected ErrInvalidMessageType, got %v", err)
	}

	badDirection := valid
	badDirection.Direction = "sideways"
	if err := badDirection.Validate(); err == nil {
		t.Error("expected error for invalid direction")
	}
}

func TestSendRequestValidate(t *testing.T) {
	req := SendRequest{
		To:             "573001234567",
		Message:        "hola",
		ConversationID: "conv_1",
	}
	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got %v", err)
	}
	if req.Type != MessageTypeText {
		t.Errorf("expected type to default to text, got %s", req.Type)
	}

	noRecipient := SendRequest{Message: "hola", ConversationID: "conv_1"}
	if err := noRecipient.Validate(); !errors.Is(err, ErrEmptyRecipient) {
		t.Errorf("expected ErrEmptyRecipient, got %v", err)
	}

	// The conversation id is optional; dispatch resolves it from the
	// recipient when absent.
	byRecipient := SendRequest{To: "573001234567", Message: "hola"}
	if err := byRecipient.Validate(); err != nil {
		t.Errorf("expected request without conversation id to validate, got %v", err)
	}

	noContent := SendRequest{To: "573001234567", ConversationID: "conv_1"}
	if err := noContent.Validate(); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}

	mediaNoURL := SendRequest{
		To:             "573001234567",
		Type:           MessageTypeImage,
		ConversationID: "conv_1",
	}
	if err := mediaNoURL.Validate(); err == nil {
		t.Error("expected error for media request without media_url")
	}
}

func TestChatStateHelpers(t *testing.T) {
	valid := []ChatState{StateStart, StateQualifying, StateDecision, StateShowingPlans, StateHumanHandoff, StateCompleted}
	for _, s := range valid {
		if !IsValidChatState(s) {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if IsValidChatState("DREAMING") {
		t.Error("expected unknown state to be invalid")
	}

	if !StateHumanHandoff.IsTerminal() || !StateCompleted.IsTerminal() {
		t.Error("expected handoff and completed to be terminal")
	}
	if StateStart.IsTerminal() || StateShowingPlans.IsTerminal() {
		t.Error("expected non-terminal states")
	}
}

func TestAPIResponseBuilders(t *testing.T) {
	ok := Success(map[string]string{"id": "conv_1"})
	if ok.Status != string(APIStatusOK) || ok.Result == nil {
		t.Errorf("unexpected success response %+v", ok)
	}

	withMsg := SuccessWithMessage("tags updated", nil)
	if withMsg.Status != string(APIStatusOK) || withMsg.Message != "tags updated" {
		t.Errorf("unexpected response %+v", withMsg)
	}

	fail := Error("boom")
	if fail.Status != string(APIStatusError) || fail.Message != "boom" {
		t.Errorf("unexpected error response %+v", fail)
	}
}

func TestWebhookPayloadValue(t *testing.T) {
	empty := WebhookPayload{}
	if empty.Value() != nil {
		t.Error("expected nil value for empty envelope")
	}

	payload := WebhookPayload{
		Entry: []WebhookEntry{{
			Changes: []WebhookChange{{
				Value: WebhookValue{MessagingProduct: "whatsapp"},
			}},
		}},
	}
	if v := payload.Value(); v == nil || v.MessagingProduct != "whatsapp" {
		t.Errorf("unexpected value %+v", payload.Value())
	}
}

func TestParsedTimestamp(t *testing.T) {
	m := InboundMessage{Timestamp: "1700000000"}
	if got := m.ParsedTimestamp(); got.Unix() != 1700000000 {
		t.Errorf("expected provider timestamp, got %v", got)
	}

	malformed := InboundMessage{Timestamp: "not-a-number"}
	if got := malformed.ParsedTimestamp(); got.IsZero() {
		t.Error("expected fallback to now for malformed timestamp")
	}
}
