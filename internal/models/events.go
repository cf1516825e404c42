package models

import "encoding/json"

// Inbound realtime events.
const (
	EventMarkMessagesAsSeen = "markMessagesAsSeen"
	EventTyping             = "typing"
	EventSelectConversation = "selectConversation"
	EventInitiateCall       = "initiateCall"
	EventAcceptCall         = "acceptCall"
	EventRejectCall         = "rejectCall"
	EventUserJoinedCall     = "userJoinedCall"
	EventUserLeftCall       = "userLeftCall"
)

// Outbound realtime events.
const (
	EventNewMessage            = "newMessage"
	EventMessagesSeen          = "messagesSeen"
	EventMessageDeleted        = "messageDeleted"
	EventUserBlockedUpdate     = "userBlockedUpdate"
	EventUserUnblockedUpdate   = "userUnblockedUpdate"
	EventNewFriendRequest      = "newFriendRequest"
	EventFriendRequestAccepted = "friendRequestAccepted"
	EventFriendRequestRejected = "friendRequestRejected"
	EventContactAdded          = "contactAdded"
	EventIncomingCall          = "incomingCall"
	EventCallAccepted          = "callAccepted"
	EventCallRejected          = "callRejected"
	EventCallCancelled         = "callCancelled"
	EventOtherUserJoined       = "otherUserJoined"
	EventOtherUserLeft         = "otherUserLeft"
	EventError                 = "error"
)

// Reasons carried by callRejected and callCancelled.
const (
	CallReasonRejected = "rejected"
	CallReasonOffline  = "offline"
	CallReasonTimeout  = "timeout"
	CallReasonHangup   = "hangup"
)

// EncodeEvent builds a realtime frame.
func EncodeEvent(name string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Event: name, Data: raw})
}

type SeenRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

type TypingRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

type SelectConversationRequest struct {
	PeerID string `json:"peerId"`
}

type CallRequest struct {
	To          string `json:"to"`
	RoomID      string `json:"roomId"`
	IsVideoCall bool   `json:"isVideoCall,omitempty"`
}

type MessagesSeenPayload struct {
	ReceiverID string `json:"receiverId"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

type TypingPayload struct {
	SenderID string `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

type BlockPayload struct {
	BlockerID     string `json:"blockerId"`
	BlockedUserID string `json:"blockedUserId"`
}

type UnblockPayload struct {
	UnblockerID     string `json:"unblockerId"`
	UnblockedUserID string `json:"unblockedUserId"`
}

// UserRefPayload names the user a social-graph notification is about.
type UserRefPayload struct {
	UserID string      `json:"userId"`
	User   *PublicUser `json:"user,omitempty"`
}

type CallSignal struct {
	From        string `json:"from"`
	RoomID      string `json:"roomId"`
	IsVideoCall bool   `json:"isVideoCall,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
