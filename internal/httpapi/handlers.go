// ABOUTME: HTTP handlers for message submission and provider webhook intake
// ABOUTME: Decodes requests, invokes the relay service, and maps errors to status codes

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/deskrelay/deskrelay/internal/relay"
	"github.com/deskrelay/deskrelay/internal/slack"
)

// sendMessageRequest is an inbound end-user submission.
type sendMessageRequest struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Channel  string `json:"channel"`
	Message  string `json:"message"`
}

// SendMessage relays one end-user message into the workspace.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = h.defaultChannel
	}

	result, err := h.service.Submit(r.Context(), &relay.SubmitRequest{
		UserID:   req.ID,
		Username: req.Username,
		Email:    req.Email,
		Channel:  channel,
		Text:     req.Message,
	})
	if err != nil {
		var apiErr *slack.APIError
		if errors.As(err, &apiErr) {
			// The workspace rejected the dispatch; surface its reason
			writeError(w, http.StatusBadRequest, "error sending message: "+apiErr.Code)
			return
		}
		h.logger.Error("message submission failed", "user_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"message":   "Message sent successfully",
		"thread_id": result.ThreadID,
	})
}

// SlackEvents handles the provider's event callbacks, including the
// url_verification handshake.
func (h *Handler) SlackEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}

	env, err := relay.ParseEventEnvelope(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	result, err := h.service.Ingest(r.Context(), env)
	if err != nil {
		h.logger.Error("event ingestion failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if result.Challenge != "" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": result.Challenge})
		return
	}
	// Dropped events acknowledge with ok=false so redeliveries stop without
	// signaling success.
	writeJSON(w, http.StatusOK, map[string]bool{"ok": result.Processed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError mirrors the success shape: ok plus a human-readable message.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"ok": false, "message": detail})
}
