package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/dispatch"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/pipeline"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/realtime"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/store"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/whatsapp"
)

type testServer struct {
	store  *store.SQLiteStore
	mock   *whatsapp.MockClient
	server *httptest.Server
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mock := &whatsapp.MockClient{}
	dispatcher := dispatch.NewDispatcher(mock, s, realtime.NoopNotifier{})

	srv := NewServer(s, s, dispatcher, opts...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testServer{store: s, mock: mock, server: ts}
}

func (ts *testServer) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) models.APIResponse {
	t.Helper()
	var out models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

func TestWebhookVerify(t *testing.T) {
	ts := newTestServer(t, WithVerifyToken("secreto"))

	resp, err := http.Get(ts.server.URL + "/webhook?hub.mode=subscribe&hub.verify_token=secreto&hub.challenge=12345")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if body.String() != "12345" {
		t.Errorf("expected challenge echoed back, got %q", body.String())
	}

	resp, err = http.Get(ts.server.URL + "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for bad token, got %d", resp.StatusCode)
	}
}

func TestWebhookVerifyUnconfigured(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.server.URL + "/webhook?hub.mode=subscribe&hub.verify_token=x&hub.challenge=1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 when verify token is unset, got %d", resp.StatusCode)
	}
}

func webhookEnvelope(messages, statuses string) string {
	return fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"id": "entry-1", "changes": [{"field": "messages", "value": {
			"messaging_product": "whatsapp",
			"contacts": [{"profile": {"name": "Maria"}, "wa_id": "573001234567"}],
			"messages": [%s],
			"statuses": [%s]
		}}]}]
	}`, messages, statuses)
}

func TestWebhookEventEnqueuesInboundJob(t *testing.T) {
	ts := newTestServer(t, WithVerifyToken("secreto"))

	body := webhookEnvelope(`{
		"from": "573001234567",
		"id": "wamid.ABC",
		"timestamp": "1700000000",
		"type": "text",
		"text": {"body": "hola"}
	}`, "")

	resp := ts.postJSON(t, "/webhook", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	jobs, err := ts.store.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Kind != pipeline.JobKindInboundMessage {
		t.Errorf("expected inbound_message job, got %s", job.Kind)
	}
	if job.DedupeKey != "inbound:wamid.ABC" {
		t.Errorf("unexpected dedupe key %q", job.DedupeKey)
	}

	var evt models.InboundEventPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &evt); err != nil {
		t.Fatalf("failed to decode job payload: %v", err)
	}
	if evt.From != "573001234567" || evt.Text != "hola" || evt.ProfileName != "Maria" {
		t.Errorf("unexpected normalized event %+v", evt)
	}
	if evt.Type != models.MessageTypeText {
		t.Errorf("expected text type, got %s", evt.Type)
	}
	if evt.Timestamp.Unix() != 1700000000 {
		t.Errorf("expected provider timestamp, got %v", evt.Timestamp)
	}
}

func TestWebhookEventDedupe(t *testing.T) {
	ts := newTestServer(t)

	body := webhookEnvelope(`{
		"from": "573001234567",
		"id": "wamid.SAME",
		"type": "text",
		"text": {"body": "hola"}
	}`, "")

	ts.postJSON(t, "/webhook", body)
	ts.postJSON(t, "/webhook", body)

	jobs, _ := ts.store.ClaimDueJobs(time.Now(), 10)
	if len(jobs) != 1 {
		t.Errorf("expected redelivery to dedupe to 1 job, got %d", len(jobs))
	}
}

func TestWebhookEventMediaMessage(t *testing.T) {
	ts := newTestServer(t)

	body := webhookEnvelope(`{
		"from": "573001234567",
		"id": "wamid.IMG",
		"type": "image",
		"image": {"id": "media-77", "mime_type": "image/jpeg"}
	}`, "")

	ts.postJSON(t, "/webhook", body)

	jobs, _ := ts.store.ClaimDueJobs(time.Now(), 10)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	var evt models.InboundEventPayload
	json.Unmarshal([]byte(jobs[0].PayloadJSON), &evt)
	if evt.Type != models.MessageTypeImage || evt.MediaID != "media-77" || evt.MimeType != "image/jpeg" {
		t.Errorf("unexpected media event %+v", evt)
	}
}

func TestWebhookEventStatusUpdate(t *testing.T) {
	ts := newTestServer(t)

	body := webhookEnvelope("", `{
		"id": "wamid.OUT",
		"status": "failed",
		"recipient_id": "573001234567",
		"errors": [{"code": 131047, "title": "Re-engagement message"}]
	}`)

	ts.postJSON(t, "/webhook", body)

	jobs, _ := ts.store.ClaimDueJobs(time.Now(), 10)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Kind != pipeline.JobKindStatusUpdate {
		t.Errorf("expected status_update job, got %s", jobs[0].Kind)
	}
	if jobs[0].DedupeKey != "status:wamid.OUT:failed" {
		t.Errorf("unexpected dedupe key %q", jobs[0].DedupeKey)
	}
	var evt models.StatusEventPayload
	json.Unmarshal([]byte(jobs[0].PayloadJSON), &evt)
	if evt.Status != models.StatusTypeFailed || evt.Detail != "Re-engagement message" {
		t.Errorf("unexpected status event %+v", evt)
	}
}

func TestWebhookEventMalformedStillAcknowledged(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/webhook", "{not json")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for malformed payload, got %d", resp.StatusCode)
	}
	var ack map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("failed to decode ack: %v", err)
	}
	if !ack["success"] {
		t.Errorf("expected success ack, got %v", ack)
	}

	jobs, _ := ts.store.ClaimDueJobs(time.Now(), 10)
	if len(jobs) != 0 {
		t.Errorf("expected no jobs from malformed payload, got %d", len(jobs))
	}
}

func TestSendMessageEndpoint(t *testing.T) {
	ts := newTestServer(t)

	conv, _ := ts.store.CreateConversation(models.Conversation{
		Channel:    models.ChannelWhatsApp,
		ExternalID: "573001234567",
	})

	body, _ := json.Marshal(models.SendRequest{
		To:             "573001234567",
		Message:        "hola desde el CRM",
		ConversationID: conv.ID,
	})
	resp := ts.postJSON(t, "/messages", string(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(ts.mock.SentTexts) != 1 {
		t.Errorf("expected 1 provider send, got %d", len(ts.mock.SentTexts))
	}

	msgs, _ := ts.store.ListMessages(conv.ID)
	if len(msgs) != 1 || msgs[0].Direction != models.DirectionOutbound {
		t.Errorf("expected persisted outbound message, got %v", msgs)
	}
}

func TestSendMessageValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/messages", `{"message": "hola"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing recipient, got %d", resp.StatusCode)
	}

	resp = ts.postJSON(t, "/messages", `{"to": "573009990000", "message": "hola", "conversacion_id": "conv_unknown"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown conversation, got %d", resp.StatusCode)
	}
}

func TestSendMessageProviderFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.mock.SendTextFn = func(ctx context.Context, to, body string) (string, error) {
		return "", fmt.Errorf("rate limited")
	}

	conv, _ := ts.store.CreateConversation(models.Conversation{
		Channel:    models.ChannelWhatsApp,
		ExternalID: "573001234567",
	})

	body, _ := json.Marshal(models.SendRequest{
		To:             "573001234567",
		Message:        "hola",
		ConversationID: conv.ID,
	})
	resp := ts.postJSON(t, "/messages", string(body))
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502 on provider failure, got %d", resp.StatusCode)
	}
}

func TestConversationEndpoints(t *testing.T) {
	ts := newTestServer(t)

	conv, _ := ts.store.CreateConversation(models.Conversation{
		Channel:    models.ChannelWhatsApp,
		ExternalID: "573001234567",
	})
	ts.store.InsertMessage(models.Message{
		ConversationID:    conv.ID,
		Content:           "hola",
		Type:              models.MessageTypeText,
		Direction:         models.DirectionInbound,
		ProviderMessageID: "wamid.LIST1",
	})

	resp, err := http.Get(ts.server.URL + "/conversations")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	out := decodeResponse(t, resp)
	if out.Status != "ok" {
		t.Errorf("expected ok, got %+v", out)
	}

	resp, err = http.Get(ts.server.URL + "/conversations/" + conv.ID + "/messages")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.server.URL + "/conversations/conv_unknown/messages")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown conversation, got %d", resp.StatusCode)
	}
}

func TestUpdateTags(t *testing.T) {
	ts := newTestServer(t)

	conv, _ := ts.store.CreateConversation(models.Conversation{
		Channel:    models.ChannelWhatsApp,
		ExternalID: "573001234567",
	})

	req, _ := http.NewRequest(http.MethodPatch, ts.server.URL+"/conversations/"+conv.ID+"/tags", strings.NewReader(`{"tags": ["vip", "promo"]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	got, _ := ts.store.GetConversation(conv.ID)
	if len(got.Tags) != 2 || got.Tags[0] != "vip" {
		t.Errorf("unexpected tags %v", got.Tags)
	}

	req, _ = http.NewRequest(http.MethodPatch, ts.server.URL+"/conversations/conv_unknown/tags", strings.NewReader(`{"tags": []}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
