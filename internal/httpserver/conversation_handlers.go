package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"plantchat/internal/domain"
)

type conversationCreateRequest struct {
	RecipientID string  `json:"recipient_id"`
	ListingID   *string `json:"listing_id"`
}

func (h *handlers) createConversation(w http.ResponseWriter, r *http.Request) {
	p, ok := CurrentPrincipal(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req conversationCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	conv, err := h.deps.Conversations.FindOrCreate(r.Context(), p, req.RecipientID, req.ListingID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *handlers) listConversations(w http.ResponseWriter, r *http.Request) {
	p, ok := CurrentPrincipal(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	summaries, err := h.deps.Conversations.LoadSummaries(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []*domain.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *handlers) getConversation(w http.ResponseWriter, r *http.Request) {
	p, ok := CurrentPrincipal(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	conv, err := h.deps.Conversations.Get(r.Context(), p, chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// listMessages returns the conversation ascending and marks it read, as
// opening a conversation does.
func (h *handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := CurrentPrincipal(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	convID := chi.URLParam(r, "conversationID")

	msgs, err := h.deps.Messages.List(r.Context(), p, convID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	changed, err := h.deps.Reads.MarkConversationRead(r.Context(), p, convID)
	if err != nil {
		h.logger.Warn("read sweep failed", "conversation", convID, "error", err)
	}
	byID := make(map[string]*domain.Message, len(changed))
	for _, m := range changed {
		byID[m.ID] = m
	}
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if upd, ok := byID[m.ID]; ok {
			out = append(out, domain.MergeMessage(*m, *upd))
			continue
		}
		out = append(out, *m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) markConversationRead(w http.ResponseWriter, r *http.Request) {
	p, ok := CurrentPrincipal(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	changed, err := h.deps.Reads.MarkConversationRead(r.Context(), p, chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "marked": len(changed)})
}

func (h *handlers) unreadCount(w http.ResponseWriter, r *http.Request) {
	p, ok := CurrentPrincipal(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	convID := chi.URLParam(r, "conversationID")
	n, err := h.deps.Reads.UnreadCount(r.Context(), p, convID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": convID, "unread_count": n})
}
