// Package api exposes the degraded-mode HTTP surface: a read endpoint for
// recent messages and an admin-gated history wipe. It mirrors the semantics
// of the corresponding event-channel operations so clients without a live
// WebSocket still have a fallback.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/eshare/chat-server/internal/hub"
)

// RecentLimit is the page size served by the read endpoint.
const RecentLimit = 100

// AdminHeader names the caller's identity for the admin endpoint. The
// surrounding deployment is expected to authenticate it upstream.
const AdminHeader = "X-Admin-User"

// Handler serves the /api/messages endpoints.
type Handler struct {
	hub *hub.Hub
}

// NewHandler creates the HTTP handler backed by the given hub. Authorization
// for the wipe endpoint runs through the hub's moderation policy, so the
// event channel and HTTP enforce the same rules.
func NewHandler(h *hub.Hub) *Handler {
	return &Handler{hub: h}
}

// ServeHTTP routes /api/messages: GET returns the latest messages oldest
// first, DELETE wipes the history.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleRecent(w, r)
	case http.MethodDelete:
		h.handleDeleteAll(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.hub.RecentMessages(r.Context(), RecentLimit)
	if err != nil {
		log.Printf("[api] recent messages failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Messages interface{} `json:"messages"`
	}{Messages: msgs})
}

// handleDeleteAll wipes the message history on behalf of the identity in the
// admin header. A successful wipe is broadcast to connected clients by the
// hub, so WebSocket consumers stay consistent with HTTP-initiated wipes.
func (h *Handler) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get(AdminHeader)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "missing "+AdminHeader+" header")
		return
	}

	if err := h.hub.Wipe(r.Context(), actor, actor); err != nil {
		if errors.Is(err, hub.ErrNotAuthorized) {
			writeError(w, http.StatusForbidden, "not authorized to delete history")
			return
		}
		log.Printf("[api] delete-all failed actor=%s: %v", actor, err)
		writeError(w, http.StatusInternalServerError, "failed to delete history")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Status    string `json:"status"`
		DeletedBy string `json:"deletedBy"`
	}{Status: "deleted", DeletedBy: actor})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}
