package handler

import (
	"net/http"

	"duochat/internal/apperr"
	"duochat/internal/db"
	"duochat/internal/middleware"
	"duochat/internal/models"
	"duochat/internal/presence"
	"duochat/internal/router"
)

type FriendsHandler struct {
	DB       *db.Database
	Presence *presence.Registry
	Router   *router.Router
}

type FriendRequestsResponse struct {
	Incoming []models.PublicUser `json:"incoming"`
	Outgoing []models.PublicUser `json:"outgoing"`
}

// Requests lists the caller's pending friend requests in both directions.
func (h *FriendsHandler) Requests(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	incoming, err := h.DB.ListRelatedUsers(r.Context(), userID, models.SetIncomingRequests)
	if err != nil {
		middleware.WriteError(w, r, apperr.StoreUnavailable(err))
		return
	}
	outgoing, err := h.DB.ListRelatedUsers(r.Context(), userID, models.SetOutgoingRequests)
	if err != nil {
		middleware.WriteError(w, r, apperr.StoreUnavailable(err))
		return
	}

	writeJSON(w, http.StatusOK, FriendRequestsResponse{
		Incoming: publicUsers(incoming, h.Presence),
		Outgoing: publicUsers(outgoing, h.Presence),
	})
}

func (h *FriendsHandler) Send(w http.ResponseWriter, r *http.Request) {
	if err := h.Router.SendFriendRequest(r.Context(), middleware.UserID(r.Context()), r.PathValue("id")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Friend request sent"})
}

func (h *FriendsHandler) Accept(w http.ResponseWriter, r *http.Request) {
	if err := h.Router.AcceptFriendRequest(r.Context(), middleware.UserID(r.Context()), r.PathValue("id")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Friend request accepted"})
}

func (h *FriendsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	if err := h.Router.RejectFriendRequest(r.Context(), middleware.UserID(r.Context()), r.PathValue("id")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Friend request rejected"})
}
