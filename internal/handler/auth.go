package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"duochat/internal/apperr"
	"duochat/internal/db"
	"duochat/internal/media"
	"duochat/internal/middleware"
	"duochat/internal/models"
	"duochat/internal/presence"
	"duochat/internal/router"
	"duochat/internal/session"
)

const (
	BcryptCost        = 12
	PasswordMinLength = 8
	PasswordMaxLength = 128
	FullNameMaxLength = 64
)

var dummyPasswordHash []byte

// hashPasswordForBcrypt keeps long passwords under bcrypt's 72-byte input cap.
func hashPasswordForBcrypt(password string) []byte {
	h := sha256.Sum256([]byte(password))
	return []byte(hex.EncodeToString(h[:]))
}

func init() {
	dummyPasswordHash, _ = bcrypt.GenerateFromPassword(hashPasswordForBcrypt("dummy_password_for_constant_time"), BcryptCost)
}

type AuthHandler struct {
	DB       *db.Database
	Sessions *session.Manager
	Presence *presence.Registry
	Router   *router.Router
	Media    *media.Store
	WS       *WSHandler
}

type SignupRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UpdateProfileRequest struct {
	ProfilePic string `json:"profilePic"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("Invalid request body")
	}
	return nil
}

func normalizeEmail(raw string) (string, bool) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Name != "" {
		return "", false
	}
	return strings.ToLower(addr.Address), true
}

func (req *SignupRequest) validate() error {
	req.FullName = strings.TrimSpace(req.FullName)
	if req.FullName == "" || req.Email == "" || req.Password == "" {
		return apperr.Validation("All fields are required")
	}
	if utf8.RuneCountInString(req.FullName) > FullNameMaxLength {
		return apperr.Validation("Full name is too long")
	}
	email, ok := normalizeEmail(req.Email)
	if !ok {
		return apperr.Validation("Invalid email address")
	}
	req.Email = email
	if len(req.Password) < PasswordMinLength || len(req.Password) > PasswordMaxLength {
		return apperr.Validation("Password must be between 8 and 128 characters")
	}
	return nil
}

// startSession creates a session row and sets the signed cookie for it.
func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, userID string) error {
	sessionID := uuid.New().String()
	expiresAt := time.Now().Add(h.Sessions.TTL())
	if err := h.DB.CreateSession(r.Context(), sessionID, userID, expiresAt); err != nil {
		return apperr.StoreUnavailable(err)
	}
	h.Sessions.SetCookie(w, r, sessionID, userID)
	return nil
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	passwordHash, err := bcrypt.GenerateFromPassword(hashPasswordForBcrypt(req.Password), BcryptCost)
	if err != nil {
		middleware.WriteError(w, r, apperr.Wrap(apperr.CodeInternal, "Failed to process password", err))
		return
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
	}
	if err := h.DB.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, db.ErrUserExists) {
			middleware.WriteJSONError(w, "Email already exists", "EMAIL_TAKEN", http.StatusConflict)
			return
		}
		middleware.WriteError(w, r, apperr.StoreUnavailable(err))
		return
	}

	if err := h.startSession(w, r, user.ID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	email, ok := normalizeEmail(req.Email)
	if !ok || req.Password == "" {
		_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, hashPasswordForBcrypt(req.Password))
		middleware.WriteJSONError(w, "Invalid credentials", "INVALID_CREDENTIALS", http.StatusUnauthorized)
		return
	}

	user, err := h.DB.GetUserByEmail(r.Context(), email)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			middleware.WriteError(w, r, apperr.StoreUnavailable(err))
			return
		}
		_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, hashPasswordForBcrypt(req.Password))
		middleware.WriteJSONError(w, "Invalid credentials", "INVALID_CREDENTIALS", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), hashPasswordForBcrypt(req.Password)); err != nil {
		middleware.WriteJSONError(w, "Invalid credentials", "INVALID_CREDENTIALS", http.StatusUnauthorized)
		return
	}

	if err := h.startSession(w, r, user.ID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Logout ends the session on the cookie, if any, and closes its sockets.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := h.Sessions.FromRequest(r)
	if sessionID != "" {
		if err := h.DB.DeleteSession(r.Context(), sessionID); err != nil {
			middleware.WriteError(w, r, apperr.StoreUnavailable(err))
			return
		}
		h.WS.DisconnectSession(sessionID)
	}

	h.Sessions.ClearCookie(w, r)
	middleware.ClearCSRFCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// Check returns the caller's own profile.
func (h *AuthHandler) Check(w http.ResponseWriter, r *http.Request) {
	user, err := h.DB.GetUserByID(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			middleware.WriteJSONError(w, "Not authenticated", "UNAUTHORIZED", http.StatusUnauthorized)
			return
		}
		middleware.WriteError(w, r, apperr.StoreUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req UpdateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ProfilePic) == "" {
		middleware.WriteError(w, r, apperr.Validation("Profile pic is required"))
		return
	}

	ref, err := h.Media.Resolve(req.ProfilePic)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	user, err := h.DB.UpdateProfilePic(r.Context(), middleware.UserID(r.Context()), ref)
	if err != nil {
		middleware.WriteError(w, r, storeError(err, "User not found"))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.DB.GetUserByID(r.Context(), r.PathValue("id"))
	if err != nil {
		middleware.WriteError(w, r, storeError(err, "User not found"))
		return
	}
	writeJSON(w, http.StatusOK, user.Public(h.Presence.IsOnline(user.ID)))
}

func (h *AuthHandler) AddContact(w http.ResponseWriter, r *http.Request) {
	h.relationAction(w, r, h.Router.AddContact, "Contact added")
}

func (h *AuthHandler) Block(w http.ResponseWriter, r *http.Request) {
	h.relationAction(w, r, h.Router.Block, "User blocked")
}

func (h *AuthHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.relationAction(w, r, h.Router.Unblock, "User unblocked")
}

func (h *AuthHandler) BlockedUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.DB.ListRelatedUsers(r.Context(), middleware.UserID(r.Context()), models.SetBlocked)
	if err != nil {
		middleware.WriteError(w, r, apperr.StoreUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, publicUsers(users, h.Presence))
}

// relationAction runs a social-graph operation of the caller on the path user.
func (h *AuthHandler) relationAction(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, actorID, otherID string) error, okMessage string) {
	if err := op(r.Context(), middleware.UserID(r.Context()), r.PathValue("id")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": okMessage})
}

func storeError(err error, notFoundMsg string) error {
	if errors.Is(err, db.ErrNotFound) {
		return apperr.NotFound(notFoundMsg)
	}
	return apperr.StoreUnavailable(err)
}

func publicUsers(users []models.User, p *presence.Registry) []models.PublicUser {
	out := make([]models.PublicUser, 0, len(users))
	for i := range users {
		out = append(out, users[i].Public(p.IsOnline(users[i].ID)))
	}
	return out
}
