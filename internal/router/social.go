package router

import (
	"context"
	"log/slog"

	"duochat/internal/apperr"
	"duochat/internal/models"
)

// setOp is one idempotent set mutation.
type setOp struct {
	user  string
	set   models.RelationSet
	value string
	add   bool
}

func (op setOp) inverse() setOp {
	op.add = !op.add
	return op
}

func (r *Router) apply(ctx context.Context, op setOp) error {
	if op.add {
		return r.store.AddToSet(ctx, op.user, op.set, op.value)
	}
	return r.store.RemoveFromSet(ctx, op.user, op.set, op.value)
}

// applyPair runs first then second. Nothing is undone when second fails: both
// writes are idempotent, so repeating the operation completes the pair, while an
// undo could race a concurrent duplicate and strip the entry it just wrote.
func (r *Router) applyPair(ctx context.Context, name string, first, second setOp) error {
	if err := r.apply(ctx, first); err != nil {
		return storeErr(name, err, "")
	}
	if err := r.apply(ctx, second); err != nil {
		slog.Warn("Set mutation half applied", "op", name, "user_id", first.user, "set", first.set, "mirror_user_id", second.user)
		return storeErr(name, err, "")
	}
	return nil
}

func (r *Router) requireOther(ctx context.Context, actorID, otherID string) (*models.User, error) {
	if otherID == actorID {
		return nil, apperr.Validation("Cannot perform this action on yourself")
	}
	return r.requireUser(ctx, otherID)
}

// Block adds blockedID to blocker's block set and the mirror entry on the
// other side, then tells both parties.
func (r *Router) Block(ctx context.Context, blockerID, blockedID string) error {
	if _, err := r.requireOther(ctx, blockerID, blockedID); err != nil {
		return err
	}
	err := r.applyPair(ctx, "Block",
		setOp{user: blockerID, set: models.SetBlocked, value: blockedID, add: true},
		setOp{user: blockedID, set: models.SetBlockedBy, value: blockerID, add: true},
	)
	if err != nil {
		return err
	}

	payload := models.BlockPayload{BlockerID: blockerID, BlockedUserID: blockedID}
	r.deliver(blockedID, models.EventUserBlockedUpdate, payload)
	r.deliver(blockerID, models.EventUserBlockedUpdate, payload)
	slog.Info("User blocked", "blocker_id", blockerID, "blocked_id", blockedID)
	return nil
}

func (r *Router) Unblock(ctx context.Context, unblockerID, unblockedID string) error {
	if unblockedID == "" {
		return apperr.Validation("user id is required")
	}
	if unblockedID == unblockerID {
		return apperr.Validation("Cannot perform this action on yourself")
	}
	err := r.applyPair(ctx, "Unblock",
		setOp{user: unblockerID, set: models.SetBlocked, value: unblockedID},
		setOp{user: unblockedID, set: models.SetBlockedBy, value: unblockerID},
	)
	if err != nil {
		return err
	}

	payload := models.UnblockPayload{UnblockerID: unblockerID, UnblockedUserID: unblockedID}
	r.deliver(unblockedID, models.EventUserUnblockedUpdate, payload)
	r.deliver(unblockerID, models.EventUserUnblockedUpdate, payload)
	slog.Info("User unblocked", "unblocker_id", unblockerID, "unblocked_id", unblockedID)
	return nil
}

// SendFriendRequest records a pending request from fromID to toID. If toID had
// already asked fromID, the request is accepted instead.
func (r *Router) SendFriendRequest(ctx context.Context, fromID, toID string) error {
	if _, err := r.requireOther(ctx, fromID, toID); err != nil {
		return err
	}
	if err := r.ensureNotBlocked(ctx, fromID, toID); err != nil {
		return err
	}
	contacts, err := r.inSet(ctx, fromID, models.SetContacts, toID)
	if err != nil {
		return err
	}
	if contacts {
		return apperr.Validation("You are already contacts")
	}
	reverse, err := r.inSet(ctx, fromID, models.SetIncomingRequests, toID)
	if err != nil {
		return err
	}
	if reverse {
		return r.AcceptFriendRequest(ctx, fromID, toID)
	}

	err = r.applyPair(ctx, "SendFriendRequest",
		setOp{user: fromID, set: models.SetOutgoingRequests, value: toID, add: true},
		setOp{user: toID, set: models.SetIncomingRequests, value: fromID, add: true},
	)
	if err != nil {
		return err
	}

	r.notifyAbout(ctx, toID, fromID, models.EventNewFriendRequest)
	return nil
}

// AcceptFriendRequest turns requesterID's pending request into a mutual contact.
// The pending entries are cleared last so a failed accept can be retried.
func (r *Router) AcceptFriendRequest(ctx context.Context, accepterID, requesterID string) error {
	if err := r.requirePending(ctx, accepterID, requesterID); err != nil {
		return err
	}

	ops := []setOp{
		{user: accepterID, set: models.SetContacts, value: requesterID, add: true},
		{user: requesterID, set: models.SetContacts, value: accepterID, add: true},
		{user: requesterID, set: models.SetOutgoingRequests, value: accepterID},
		{user: accepterID, set: models.SetIncomingRequests, value: requesterID},
	}
	for _, op := range ops {
		if err := r.apply(ctx, op); err != nil {
			return storeErr("AcceptFriendRequest", err, "")
		}
	}

	r.notifyAbout(ctx, requesterID, accepterID, models.EventFriendRequestAccepted)
	return nil
}

func (r *Router) RejectFriendRequest(ctx context.Context, rejecterID, requesterID string) error {
	if err := r.requirePending(ctx, rejecterID, requesterID); err != nil {
		return err
	}

	ops := []setOp{
		{user: requesterID, set: models.SetOutgoingRequests, value: rejecterID},
		{user: rejecterID, set: models.SetIncomingRequests, value: requesterID},
	}
	for _, op := range ops {
		if err := r.apply(ctx, op); err != nil {
			return storeErr("RejectFriendRequest", err, "")
		}
	}

	r.deliver(requesterID, models.EventFriendRequestRejected, models.UserRefPayload{UserID: rejecterID})
	return nil
}

func (r *Router) requirePending(ctx context.Context, userID, requesterID string) error {
	if requesterID == "" {
		return apperr.Validation("user id is required")
	}
	pending, err := r.inSet(ctx, userID, models.SetIncomingRequests, requesterID)
	if err != nil {
		return err
	}
	if !pending {
		return apperr.NotFound("No pending friend request from this user")
	}
	return nil
}

// AddContact makes userID and contactID mutual contacts without a request round-trip.
func (r *Router) AddContact(ctx context.Context, userID, contactID string) error {
	if _, err := r.requireOther(ctx, userID, contactID); err != nil {
		return err
	}
	if err := r.ensureNotBlocked(ctx, userID, contactID); err != nil {
		return err
	}
	already, err := r.inSet(ctx, userID, models.SetContacts, contactID)
	if err != nil {
		return err
	}
	if already {
		return apperr.Validation("User is already in your contacts")
	}
	err = r.applyPair(ctx, "AddContact",
		setOp{user: userID, set: models.SetContacts, value: contactID, add: true},
		setOp{user: contactID, set: models.SetContacts, value: userID, add: true},
	)
	if err != nil {
		return err
	}

	r.notifyAbout(ctx, contactID, userID, models.EventContactAdded)
	return nil
}

// notifyAbout tells recipientID that subjectID did something to them, attaching
// subject's public profile when it can be loaded.
func (r *Router) notifyAbout(ctx context.Context, recipientID, subjectID, event string) {
	payload := models.UserRefPayload{UserID: subjectID}
	if subject, err := r.store.GetUserByID(ctx, subjectID); err == nil {
		payload.User = r.publicUser(subject)
	}
	r.deliver(recipientID, event, payload)
}
