package models

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FullName     string    `json:"fullName"`
	PasswordHash string    `json:"-"`
	ProfilePic   string    `json:"profilePic"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PublicUser is a user as seen by other users, with the derived online flag.
type PublicUser struct {
	ID         string `json:"id"`
	FullName   string `json:"fullName"`
	ProfilePic string `json:"profilePic"`
	Online     bool   `json:"online"`
}

func (u *User) Public(online bool) PublicUser {
	return PublicUser{
		ID:         u.ID,
		FullName:   u.FullName,
		ProfilePic: u.ProfilePic,
		Online:     online,
	}
}

// RelationSet names one of the per-user id sets kept by the relationship store.
type RelationSet string

const (
	SetContacts         RelationSet = "contacts"
	SetBlocked          RelationSet = "blockedUsers"
	SetBlockedBy        RelationSet = "blockedByUsers"
	SetIncomingRequests RelationSet = "incomingFriendRequests"
	SetOutgoingRequests RelationSet = "outgoingFriendRequests"
)

func (s RelationSet) Valid() bool {
	switch s {
	case SetContacts, SetBlocked, SetBlockedBy, SetIncomingRequests, SetOutgoingRequests:
		return true
	}
	return false
}

type Message struct {
	ID              string    `json:"id"`
	SenderID        string    `json:"senderId"`
	ReceiverID      string    `json:"receiverId"`
	Text            string    `json:"text,omitempty"`
	Image           string    `json:"image,omitempty"`
	Seen            bool      `json:"seen"`
	Transferred     bool      `json:"transferred"`
	TransferredFrom string    `json:"transferredFrom,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// HasParticipant reports whether userID is the sender or the receiver.
func (m *Message) HasParticipant(userID string) bool {
	return userID != "" && (m.SenderID == userID || m.ReceiverID == userID)
}

// OtherParticipant returns the participant that is not userID.
func (m *Message) OtherParticipant(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Event is the realtime frame exchanged over the websocket in both directions.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
