// Package router validates realtime and HTTP-originated chat operations,
// persists their effects and delivers the resulting events to the peers that
// are online. Only presence snapshots are broadcast; every domain event here
// goes to a named user.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/pkg/errors"

	"duochat/internal/apperr"
	"duochat/internal/db"
	"duochat/internal/models"
)

// Store is the persistence the router needs. Every call is fallible and no
// multi-call transaction is assumed.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	AddToSet(ctx context.Context, userID string, set models.RelationSet, value string) error
	RemoveFromSet(ctx context.Context, userID string, set models.RelationSet, value string) error
	IsInSet(ctx context.Context, userID string, set models.RelationSet, value string) (bool, error)
	InsertMessage(ctx context.Context, msg *models.Message) error
	GetMessageByID(ctx context.Context, id string) (*models.Message, error)
	UpdateManySeen(ctx context.Context, senderID, receiverID string) (int64, error)
	DeleteMessageByID(ctx context.Context, id string) error
	FindMessagesForPair(ctx context.Context, a, b string) ([]models.Message, error)
}

type Presence interface {
	Send(userID string, msg []byte) bool
	IsOnline(userID string) bool
}

// Sessions exposes which conversation each user has open.
type Sessions interface {
	Select(viewer, peer string)
	IsViewing(viewer, peer string) bool
}

type Router struct {
	store    Store
	presence Presence
	sessions Sessions
}

func New(store Store, presence Presence, sessions Sessions) *Router {
	return &Router{store: store, presence: presence, sessions: sessions}
}

// Safely runs fn and turns a panic into an internal error so one failing
// handler cannot take down the connection that invoked it.
func Safely(event string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Recovered panic in event handler", "event", event, "panic", rec, "stack", string(debug.Stack()))
			err = apperr.New(apperr.CodeInternal, "Internal server error")
		}
	}()
	return fn()
}

// deliver sends event to userID if they are online. Offline is not an error.
func (r *Router) deliver(userID, event string, payload any) bool {
	frame, err := models.EncodeEvent(event, payload)
	if err != nil {
		slog.Warn("Failed to marshal realtime event", "event", event, "user_id", userID, "error", err)
		return false
	}
	return r.presence.Send(userID, frame)
}

// storeErr maps a persistence failure to the public taxonomy.
func storeErr(op string, err error, notFoundMsg string) error {
	if errors.Is(err, db.ErrNotFound) {
		return apperr.NotFound(notFoundMsg)
	}
	slog.Error("Store operation failed", "op", op, "error", err)
	return apperr.StoreUnavailable(err)
}

func (r *Router) requireUser(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, apperr.Validation("user id is required")
	}
	user, err := r.store.GetUserByID(ctx, id)
	if err != nil {
		return nil, storeErr("GetUserByID", err, "User not found")
	}
	return user, nil
}

func (r *Router) inSet(ctx context.Context, userID string, set models.RelationSet, value string) (bool, error) {
	ok, err := r.store.IsInSet(ctx, userID, set, value)
	if err != nil {
		return false, storeErr(fmt.Sprintf("IsInSet(%s)", set), err, "")
	}
	return ok, nil
}

// ensureNotBlocked fails with Forbidden if either user has blocked the other.
// Each side's own block set decides; the blocked-by mirror is only for listing,
// so a block whose mirror write failed still holds.
func (r *Router) ensureNotBlocked(ctx context.Context, a, b string) error {
	blocked, err := r.inSet(ctx, a, models.SetBlocked, b)
	if err != nil {
		return err
	}
	if blocked {
		return apperr.Forbidden("You have blocked this user")
	}
	blockedBy, err := r.inSet(ctx, b, models.SetBlocked, a)
	if err != nil {
		return err
	}
	if blockedBy {
		return apperr.Forbidden("This user has blocked you")
	}
	return nil
}

func (r *Router) publicUser(u *models.User) *models.PublicUser {
	p := u.Public(r.presence.IsOnline(u.ID))
	return &p
}
