package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/pipeline"
)

// maxWebhookBodyBytes bounds how much of a webhook POST body is read.
const maxWebhookBodyBytes = 1 << 20

// handleWebhookVerify answers the provider's GET verification handshake. The
// provider sends hub.mode, hub.verify_token and hub.challenge; on a token
// match the challenge is echoed back verbatim.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	if s.verifyToken == "" {
		slog.Error("Server.handleWebhookVerify: verify token not configured")
		http.Error(w, "verify token not configured", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && token == s.verifyToken {
		slog.Info("Server.handleWebhookVerify: webhook verified")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(challenge)); err != nil {
			slog.Error("Server.handleWebhookVerify: failed to write challenge", "error", err)
		}
		return
	}

	slog.Warn("Server.handleWebhookVerify: verification rejected", "mode", mode)
	http.Error(w, "verification failed", http.StatusForbidden)
}

// handleWebhookEvent ingests a webhook POST. The provider retries on non-200
// responses, so this handler always acknowledges with 200: malformed bodies
// are logged and dropped, well-formed events are normalized and enqueued as
// durable jobs before the response goes out.
func (s *Server) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	// The provider retries on anything but 200, so the acknowledgment is
	// unconditional and in the shape it expects.
	defer writeJSONResponse(w, http.StatusOK, map[string]bool{"success": true})

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		slog.Warn("Server.handleWebhookEvent: failed to read body", "error", err)
		return
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("Server.handleWebhookEvent: malformed payload", "error", err)
		return
	}

	value := payload.Value()
	if value == nil {
		slog.Debug("Server.handleWebhookEvent: empty envelope")
		return
	}

	for i := range value.Messages {
		s.enqueueInbound(&value.Messages[i], value.Contacts)
	}
	for i := range value.Statuses {
		s.enqueueStatus(&value.Statuses[i])
	}
}

// enqueueInbound normalizes one inbound message and enqueues an
// inbound_message job. The dedupe key is derived from the provider message id
// so webhook redeliveries collapse onto the pending job.
func (s *Server) enqueueInbound(msg *models.InboundMessage, contacts []models.WebhookContact) {
	evt := models.InboundEventPayload{
		Channel:           models.ChannelWhatsApp,
		From:              msg.From,
		ProfileName:       profileName(msg.From, contacts),
		ProviderMessageID: msg.ID,
		Timestamp:         msg.ParsedTimestamp(),
	}

	switch msg.Type {
	case "text":
		evt.Type = models.MessageTypeText
		if msg.Text != nil {
			evt.Text = msg.Text.Body
		}
	case "image":
		evt.Type = models.MessageTypeImage
		if msg.Image != nil {
			evt.MediaID = msg.Image.ID
			evt.MimeType = msg.Image.MimeType
		}
	case "audio":
		evt.Type = models.MessageTypeAudio
		if msg.Audio != nil {
			evt.MediaID = msg.Audio.ID
			evt.MimeType = msg.Audio.MimeType
		}
	default:
		slog.Warn("Server.enqueueInbound: unsupported message type", "type", msg.Type, "providerMessageID", msg.ID)
		return
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Error("Server.enqueueInbound: failed to marshal event", "error", err, "providerMessageID", msg.ID)
		return
	}

	jobID, err := s.jobs.EnqueueJob(pipeline.JobKindInboundMessage, time.Now(), string(payload), "inbound:"+msg.ID)
	if err != nil {
		slog.Error("Server.enqueueInbound: failed to enqueue job", "error", err, "providerMessageID", msg.ID)
		return
	}
	slog.Debug("Server.enqueueInbound: enqueued", "jobID", jobID, "providerMessageID", msg.ID, "type", evt.Type)
}

// enqueueStatus normalizes one status callback and enqueues a status_update
// job. The dedupe key includes the status value: delivered and read callbacks
// for the same message are distinct events.
func (s *Server) enqueueStatus(st *models.StatusUpdate) {
	status := models.StatusType(st.Status)
	switch status {
	case models.StatusTypeSent, models.StatusTypeDelivered, models.StatusTypeRead, models.StatusTypeFailed:
	default:
		slog.Warn("Server.enqueueStatus: unknown status value", "status", st.Status, "providerMessageID", st.ID)
		return
	}

	evt := models.StatusEventPayload{
		ProviderMessageID: st.ID,
		Status:            status,
	}
	if status == models.StatusTypeFailed && len(st.Errors) > 0 {
		evt.Detail = st.Errors[0].Title
		if evt.Detail == "" {
			evt.Detail = st.Errors[0].Message
		}
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Error("Server.enqueueStatus: failed to marshal event", "error", err, "providerMessageID", st.ID)
		return
	}

	jobID, err := s.jobs.EnqueueJob(pipeline.JobKindStatusUpdate, time.Now(), string(payload), "status:"+st.ID+":"+st.Status)
	if err != nil {
		slog.Error("Server.enqueueStatus: failed to enqueue job", "error", err, "providerMessageID", st.ID)
		return
	}
	slog.Debug("Server.enqueueStatus: enqueued", "jobID", jobID, "providerMessageID", st.ID, "status", st.Status)
}

// profileName returns the display name from the contact matching the sender,
// or empty when the provider sent no usable contact block.
func profileName(from string, contacts []models.WebhookContact) string {
	for _, c := range contacts {
		if c.WaID == from {
			return c.Profile.Name
		}
	}
	if len(contacts) > 0 {
		return contacts[0].Profile.Name
	}
	return ""
}
