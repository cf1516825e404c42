package middleware

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"duochat/internal/session"
)

const (
	csrfTokenLength = 32
	csrfCookieName  = "csrf_token"
	csrfHeaderName  = "X-CSRF-Token"
	CSRFExpiry      = 24 * time.Hour
)

type CSRFStore interface {
	CreateCSRFToken(ctx context.Context, token, sessionID string) error
	ConsumeCSRFToken(ctx context.Context, token, sessionID string) (bool, error)
}

// CSRF implements the double-submit check: the csrf_token cookie must match the
// X-CSRF-Token header and be a stored, unused token bound to the caller's
// session. Tokens are single use and rotated after every state change.
type CSRF struct {
	store    CSRFStore
	sessions *session.Manager
}

func NewCSRF(store CSRFStore, sessions *session.Manager) *CSRF {
	return &CSRF{store: store, sessions: sessions}
}

func generateCSRFToken() (string, error) {
	b := make([]byte, csrfTokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func getCSRFCookieToken(r *http.Request) string {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func csrfTokensEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// issue stores token for the current session and hands it to the client.
func (c *CSRF) issue(w http.ResponseWriter, r *http.Request, token string) {
	sessionID, _ := c.sessions.FromRequest(r)
	if err := c.store.CreateCSRFToken(r.Context(), token, sessionID); err != nil {
		slog.Warn("Failed to store CSRF token", "request_id", RequestID(r.Context()), "error", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   c.sessions.IsSecureRequest(r),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(CSRFExpiry.Seconds()),
	})
	w.Header().Set(csrfHeaderName, token)
}

func (c *CSRF) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			// Reuse the cookie token so repeated reads don't mint rows.
			token := getCSRFCookieToken(r)
			if token == "" {
				var err error
				if token, err = generateCSRFToken(); err != nil {
					WriteJSONError(w, "Failed to generate CSRF token", "INTERNAL_ERROR", http.StatusInternalServerError)
					return
				}
			}
			c.issue(w, r, token)
			next.ServeHTTP(w, r)
			return
		}

		cookieToken := getCSRFCookieToken(r)
		if cookieToken == "" {
			WriteJSONError(w, "CSRF token missing", "CSRF_MISSING", http.StatusForbidden)
			return
		}
		headerToken := r.Header.Get(csrfHeaderName)
		if headerToken == "" {
			WriteJSONError(w, "CSRF token missing in header", "CSRF_MISSING", http.StatusForbidden)
			return
		}
		if !csrfTokensEqual(cookieToken, headerToken) {
			WriteJSONError(w, "CSRF token mismatch", "CSRF_MISMATCH", http.StatusForbidden)
			return
		}

		sessionID, _ := c.sessions.FromRequest(r)
		valid, err := c.store.ConsumeCSRFToken(r.Context(), cookieToken, sessionID)
		if err != nil || !valid {
			WriteJSONError(w, "Invalid or expired CSRF token", "CSRF_INVALID", http.StatusForbidden)
			return
		}

		nextToken, err := generateCSRFToken()
		if err != nil {
			WriteJSONError(w, "Failed to generate CSRF token", "INTERNAL_ERROR", http.StatusInternalServerError)
			return
		}
		c.issue(w, r, nextToken)

		next.ServeHTTP(w, r)
	})
}

func (c *CSRF) Protect(next http.HandlerFunc) http.Handler {
	return c.Middleware(next)
}

// ClearCSRFCookie drops the client's token so the next safe request mints one
// bound to whatever session follows.
func ClearCSRFCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}
