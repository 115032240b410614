package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/dispatch"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
)

// handleSendMessage sends an outbound message on behalf of a CRM agent.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	msg, err := s.dispatcher.Send(r.Context(), req)
	if err != nil {
		var dispatchErr *dispatch.DispatchError
		switch {
		case errors.Is(err, models.ErrConversationNotFound), errors.Is(err, models.ErrMissingConversation):
			writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
		case errors.As(err, &dispatchErr):
			slog.Error("Server.handleSendMessage: provider send failed", "error", err, "to", dispatchErr.To)
			writeJSONResponse(w, http.StatusBadGateway, models.Error("failed to deliver message"))
		default:
			slog.Error("Server.handleSendMessage: send failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to send message"))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(msg))
}

// handleListConversations returns all conversations, most recently updated
// first.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations()
	if err != nil {
		slog.Error("Server.handleListConversations: store error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to list conversations"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(convs))
}

// handleGetConversation returns a single conversation by id.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.store.GetConversation(id)
	if err != nil {
		slog.Error("Server.handleGetConversation: store error", "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("conversation not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// handleListMessages returns the message history of one conversation in
// chronological order.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.store.GetConversation(id)
	if err != nil {
		slog.Error("Server.handleListMessages: store error", "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("conversation not found"))
		return
	}

	msgs, err := s.store.ListMessages(id)
	if err != nil {
		slog.Error("Server.handleListMessages: store error", "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to list messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// updateTagsRequest is the body of PATCH /conversations/{id}/tags.
type updateTagsRequest struct {
	Tags []string `json:"tags"`
}

// handleUpdateTags replaces the tag list of a conversation.
func (s *Server) handleUpdateTags(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateTagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}

	conv, err := s.store.GetConversation(id)
	if err != nil {
		slog.Error("Server.handleUpdateTags: store error", "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("conversation not found"))
		return
	}

	if err := s.store.UpdateConversationTags(id, req.Tags); err != nil {
		slog.Error("Server.handleUpdateTags: store error", "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to update tags"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("tags updated", nil))
}
