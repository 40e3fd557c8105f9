package httpserver

import (
	"encoding/json"
	"net/http"

	"plantchat/internal/service"
)

func (h *handlers) vapidPublicKey(w http.ResponseWriter, r *http.Request) {
	if h.deps.VAPIDPublicKey == "" || h.deps.Pushes == nil || !h.deps.Pushes.Enabled() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "push notifications are not configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.deps.VAPIDPublicKey})
}

func (h *handlers) registerPushSubscription(w http.ResponseWriter, r *http.Request) {
	p, ok := CurrentPrincipal(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var in service.SubscriptionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if in.UserAgent == "" {
		in.UserAgent = r.UserAgent()
	}
	sub, err := h.deps.Pushes.Register(r.Context(), p, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"endpoint": sub.Endpoint})
}

func (h *handlers) unregisterPushSubscription(w http.ResponseWriter, r *http.Request) {
	p, ok := CurrentPrincipal(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := h.deps.Pushes.Unregister(r.Context(), p, req.Endpoint); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
