package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"duochat/internal/apperr"
	"duochat/internal/models"
	"duochat/internal/session"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	sessionIDKey
	requestIDKey
)

// SessionStore checks that a signed cookie still maps to a live session row.
type SessionStore interface {
	ValidateSession(ctx context.Context, sessionID, userID string) (bool, error)
}

type Auth struct {
	store    SessionStore
	sessions *session.Manager
}

func NewAuth(store SessionStore, sessions *session.Manager) *Auth {
	return &Auth{store: store, sessions: sessions}
}

func WriteJSONError(w http.ResponseWriter, message, code string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// WriteError renders err with the status its code maps to. Internal errors are
// logged with the request id and never leak their cause.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "request_id", RequestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	WriteJSONError(w, apperr.PublicMessage(err), string(apperr.CodeOf(err)), status)
}

func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// WithIdentity attaches an authenticated user to ctx.
func WithIdentity(ctx context.Context, sessionID, userID string) context.Context {
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	return context.WithValue(ctx, userIDKey, userID)
}

// Identify resolves the session cookie on r. It returns empty ids when the
// cookie is missing, forged, expired or no longer backed by a session row.
func (a *Auth) Identify(r *http.Request) (sessionID, userID string, err error) {
	sessionID, userID = a.sessions.FromRequest(r)
	if userID == "" {
		return "", "", nil
	}
	valid, err := a.store.ValidateSession(r.Context(), sessionID, userID)
	if err != nil {
		return "", "", err
	}
	if !valid {
		return "", "", nil
	}
	return sessionID, userID, nil
}

func (a *Auth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, userID := a.sessions.FromRequest(r); userID == "" {
			WriteJSONError(w, "Not authenticated", "UNAUTHORIZED", http.StatusUnauthorized)
			return
		}

		sessionID, userID, err := a.Identify(r)
		if err != nil {
			WriteError(w, r, apperr.StoreUnavailable(err))
			return
		}
		if userID == "" {
			WriteJSONError(w, "Session expired or invalid", "SESSION_INVALID", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), sessionID, userID)))
	})
}
