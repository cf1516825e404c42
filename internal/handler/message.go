package handler

import (
	"net/http"

	"duochat/internal/apperr"
	"duochat/internal/db"
	"duochat/internal/media"
	"duochat/internal/middleware"
	"duochat/internal/models"
	"duochat/internal/presence"
	"duochat/internal/router"
)

type MessageHandler struct {
	DB       *db.Database
	Presence *presence.Registry
	Router   *router.Router
	Media    *media.Store
}

type SendMessageRequest struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

type TransferMessageRequest struct {
	TargetUserID string `json:"targetUserId"`
}

// Users lists everyone but the caller for the sidebar.
func (h *MessageHandler) Users(w http.ResponseWriter, r *http.Request) {
	users, err := h.DB.ListUsersExcept(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		middleware.WriteError(w, r, apperr.StoreUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, publicUsers(users, h.Presence))
}

func (h *MessageHandler) Contacts(w http.ResponseWriter, r *http.Request) {
	users, err := h.DB.ListRelatedUsers(r.Context(), middleware.UserID(r.Context()), models.SetContacts)
	if err != nil {
		middleware.WriteError(w, r, apperr.StoreUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, publicUsers(users, h.Presence))
}

func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Router.Messages(r.Context(), middleware.UserID(r.Context()), r.PathValue("id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	image, err := h.Media.Resolve(req.Image)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	msg, err := h.Router.SendMessage(r.Context(), middleware.UserID(r.Context()), r.PathValue("id"), req.Text, image)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Router.DeleteMessage(r.Context(), middleware.UserID(r.Context()), r.PathValue("id")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Message deleted"})
}

func (h *MessageHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	msg, err := h.Router.TransferMessage(r.Context(), middleware.UserID(r.Context()), r.PathValue("id"), req.TargetUserID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
