package httpserver

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"plantchat/internal/service"
	"plantchat/internal/storage"
)

// maxSendBody bounds a multipart send: the image plus a little form overhead.
const maxSendBody = storage.MaxImageBytes + 1<<20

type messageCreateRequest struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	RecipientID    string  `json:"recipient_id"`
	ListingID      *string `json:"listing_id"`
	Content        string  `json:"content"`
}

// sendMessage accepts either a JSON body or multipart/form-data with an
// optional "image" file part.
func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := CurrentPrincipal(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var in service.SendInput
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxSendBody)
		if err := r.ParseMultipartForm(2 << 20); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "image too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to parse multipart form"})
			return
		}
		defer r.MultipartForm.RemoveAll()

		in = service.SendInput{
			MessageID:      r.FormValue("id"),
			ConversationID: r.FormValue("conversation_id"),
			RecipientID:    r.FormValue("recipient_id"),
			Content:        r.FormValue("content"),
		}
		if listing := strings.TrimSpace(r.FormValue("listing_id")); listing != "" {
			in.ListingID = &listing
		}
		file, header, err := r.FormFile("image")
		switch {
		case err == nil:
			defer file.Close()
			in.Image = &service.ImageUpload{Filename: header.Filename, Body: file}
		case !errors.Is(err, http.ErrMissingFile):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid image part"})
			return
		}
	} else {
		var req messageCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		in = service.SendInput{
			MessageID:      req.ID,
			ConversationID: req.ConversationID,
			RecipientID:    req.RecipientID,
			ListingID:      req.ListingID,
			Content:        req.Content,
		}
	}

	res, err := h.deps.Messages.Send(r.Context(), p, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
