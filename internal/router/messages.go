package router

import (
	"context"
	"log/slog"
	"strings"

	"duochat/internal/apperr"
	"duochat/internal/models"
)

const MaxTextLength = 4000

// SendMessage persists a message and delivers newMessage to the receiver. If the
// receiver is looking at the sender's conversation the message is stored as
// seen and the sender is told so.
func (r *Router) SendMessage(ctx context.Context, senderID, receiverID, text, image string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && image == "" {
		return nil, apperr.Validation("Message must have text or an image")
	}
	if len(text) > MaxTextLength {
		return nil, apperr.Validation("Message text is too long")
	}
	if receiverID == senderID {
		return nil, apperr.Validation("Cannot send a message to yourself")
	}
	if _, err := r.requireUser(ctx, receiverID); err != nil {
		return nil, err
	}
	if err := r.ensureNotBlocked(ctx, senderID, receiverID); err != nil {
		return nil, err
	}

	msg := &models.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		Image:      image,
		Seen:       r.sessions.IsViewing(receiverID, senderID),
	}
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		return nil, storeErr("InsertMessage", err, "")
	}

	r.deliverNewMessage(msg)
	return msg, nil
}

func (r *Router) deliverNewMessage(msg *models.Message) {
	r.deliver(msg.ReceiverID, models.EventNewMessage, msg)
	if msg.Seen {
		r.deliver(msg.SenderID, models.EventMessagesSeen, models.MessagesSeenPayload{ReceiverID: msg.ReceiverID})
	}
}

// MarkSeen flips every unseen message from senderID to receiverID. Only the
// receiver may do this. Repeating it is harmless.
func (r *Router) MarkSeen(ctx context.Context, callerID, senderID, receiverID string) error {
	if senderID == "" || receiverID == "" {
		return apperr.Validation("senderId and receiverId are required")
	}
	if callerID != receiverID {
		return apperr.Forbidden("Only the receiver can mark messages as seen")
	}

	n, err := r.store.UpdateManySeen(ctx, senderID, receiverID)
	if err != nil {
		return storeErr("UpdateManySeen", err, "")
	}
	slog.Debug("Messages marked seen", "sender_id", senderID, "receiver_id", receiverID, "count", n)

	r.deliver(senderID, models.EventMessagesSeen, models.MessagesSeenPayload{ReceiverID: receiverID})
	return nil
}

// loadOwnedMessage fetches messageID and checks that requesterID took part in it.
func (r *Router) loadOwnedMessage(ctx context.Context, requesterID, messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, apperr.Validation("message id is required")
	}
	msg, err := r.store.GetMessageByID(ctx, messageID)
	if err != nil {
		return nil, storeErr("GetMessageByID", err, "Message not found")
	}
	if !msg.HasParticipant(requesterID) {
		return nil, apperr.Forbidden("You are not part of this conversation")
	}
	return msg, nil
}

// DeleteMessage hard-deletes a message. Either participant may delete it.
func (r *Router) DeleteMessage(ctx context.Context, requesterID, messageID string) error {
	msg, err := r.loadOwnedMessage(ctx, requesterID, messageID)
	if err != nil {
		return err
	}
	if err := r.store.DeleteMessageByID(ctx, msg.ID); err != nil {
		return storeErr("DeleteMessageByID", err, "Message not found")
	}

	r.deliver(msg.OtherParticipant(requesterID), models.EventMessageDeleted, models.MessageDeletedPayload{MessageID: msg.ID})
	return nil
}

// TransferMessage forwards a copy of messageID to targetID. The copy is sent by
// senderID and remembers who wrote the original.
func (r *Router) TransferMessage(ctx context.Context, senderID, messageID, targetID string) (*models.Message, error) {
	original, err := r.loadOwnedMessage(ctx, senderID, messageID)
	if err != nil {
		return nil, err
	}
	if targetID == senderID {
		return nil, apperr.Validation("Cannot transfer a message to yourself")
	}
	if _, err := r.requireUser(ctx, targetID); err != nil {
		return nil, err
	}
	if err := r.ensureNotBlocked(ctx, senderID, targetID); err != nil {
		return nil, err
	}

	msg := &models.Message{
		SenderID:        senderID,
		ReceiverID:      targetID,
		Text:            original.Text,
		Image:           original.Image,
		Transferred:     true,
		TransferredFrom: original.SenderID,
		Seen:            r.sessions.IsViewing(targetID, senderID),
	}
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		return nil, storeErr("InsertMessage", err, "")
	}

	r.deliverNewMessage(msg)
	return msg, nil
}

// Typing relays the indicator as-is. Nothing is stored and no throttling is applied.
func (r *Router) Typing(senderID, receiverID string, isTyping bool) error {
	if receiverID == "" {
		return apperr.Validation("receiverId is required")
	}
	r.deliver(receiverID, models.EventTyping, models.TypingPayload{SenderID: senderID, IsTyping: isTyping})
	return nil
}

// SelectConversation records which peer viewer is looking at and marks that
// peer's messages to viewer as seen. An empty peer closes the conversation.
func (r *Router) SelectConversation(ctx context.Context, viewerID, peerID string) error {
	r.sessions.Select(viewerID, peerID)
	if peerID == "" {
		return nil
	}
	return r.MarkSeen(ctx, viewerID, peerID, viewerID)
}

// Messages returns the history between viewer and peer in arrival order.
func (r *Router) Messages(ctx context.Context, viewerID, peerID string) ([]models.Message, error) {
	if peerID == "" {
		return nil, apperr.Validation("peer id is required")
	}
	msgs, err := r.store.FindMessagesForPair(ctx, viewerID, peerID)
	if err != nil {
		return nil, storeErr("FindMessagesForPair", err, "")
	}
	return msgs, nil
}
