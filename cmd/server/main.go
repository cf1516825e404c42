package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duochat/internal/calls"
	"duochat/internal/config"
	"duochat/internal/conversation"
	"duochat/internal/db"
	"duochat/internal/handler"
	"duochat/internal/media"
	"duochat/internal/middleware"
	"duochat/internal/presence"
	"duochat/internal/router"
	"duochat/internal/session"
)

// rateLimits are requests per minute per client IP.
type rateLimits struct {
	Auth      int
	Bootstrap int
	Social    int
}

var defaultRateLimits = rateLimits{Auth: 10, Bootstrap: 60, Social: 30}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer database.Close()
	slog.Info("Database initialized successfully", "path", cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runCleanupTasks(ctx, database)

	routes, err := newRouter(ctx, cfg, database, defaultRateLimits)
	if err != nil {
		log.Fatal(err)
	}

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     routes,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("DuoChat server starting", "addr", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server error:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
}

// newRouter wires the realtime core and every HTTP route.
func newRouter(ctx context.Context, cfg *config.Config, database *db.Database, limits rateLimits) (http.Handler, error) {
	mediaStore, err := media.NewStore(cfg.MediaDir)
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(cfg.SessionSecret, cfg.SessionTTL, cfg.TrustedProxies)
	auth := middleware.NewAuth(database, sessions)
	csrf := middleware.NewCSRF(database, sessions)

	registry := presence.NewRegistry()
	tracker := conversation.NewTracker()
	chat := router.New(database, registry, tracker)
	relay := calls.NewRelay(registry, cfg.CallRingTimeout)

	wsHandler := handler.NewWSHandler(handler.WSDeps{
		Auth:           auth,
		Sessions:       database,
		AllowedOrigins: cfg.AllowedOrigins,
		Presence:       registry,
		Tracker:        tracker,
		Router:         chat,
		Relay:          relay,
	})
	authHandler := &handler.AuthHandler{DB: database, Sessions: sessions, Presence: registry, Router: chat, Media: mediaStore, WS: wsHandler}
	messageHandler := &handler.MessageHandler{DB: database, Presence: registry, Router: chat, Media: mediaStore}
	friendsHandler := &handler.FriendsHandler{DB: database, Presence: registry, Router: chat}

	authLimiter := middleware.NewRateLimiter(ctx, limits.Auth, time.Minute, sessions.IsTrusted)
	bootstrapLimiter := middleware.NewRateLimiter(ctx, limits.Bootstrap, time.Minute, sessions.IsTrusted)
	socialLimiter := middleware.NewRateLimiter(ctx, limits.Social, time.Minute, sessions.IsTrusted)

	// read requires a session; write additionally requires a fresh CSRF token.
	read := func(h http.HandlerFunc) http.Handler { return auth.Require(h) }
	write := func(h http.HandlerFunc) http.Handler { return auth.Require(csrf.Protect(h)) }

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Check(r.Context()); err != nil {
			slog.Error("Health check failed", "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status":   "unhealthy",
				"database": "disconnected",
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	mux.Handle("POST /api/auth/signup", authLimiter.Middleware(csrf.Protect(authHandler.Signup)))
	mux.Handle("POST /api/auth/login", authLimiter.Middleware(csrf.Protect(authHandler.Login)))
	mux.Handle("POST /api/auth/logout", csrf.Protect(authHandler.Logout))
	mux.Handle("GET /api/auth/check", bootstrapLimiter.Middleware(csrf.Middleware(read(authHandler.Check))))
	mux.Handle("PUT /api/auth/update-profile", write(authHandler.UpdateProfile))
	mux.Handle("GET /api/auth/user/{id}", read(authHandler.GetUser))
	mux.Handle("POST /api/auth/add-contact/{id}", socialLimiter.Middleware(write(authHandler.AddContact)))
	mux.Handle("POST /api/auth/block/{id}", socialLimiter.Middleware(write(authHandler.Block)))
	mux.Handle("POST /api/auth/unblock/{id}", socialLimiter.Middleware(write(authHandler.Unblock)))
	mux.Handle("GET /api/auth/blocked-users", read(authHandler.BlockedUsers))

	mux.Handle("GET /api/friends/requests", read(friendsHandler.Requests))
	mux.Handle("POST /api/friends/request/{id}", socialLimiter.Middleware(write(friendsHandler.Send)))
	mux.Handle("POST /api/friends/accept/{id}", write(friendsHandler.Accept))
	mux.Handle("POST /api/friends/reject/{id}", write(friendsHandler.Reject))

	mux.Handle("GET /api/messages/users", read(messageHandler.Users))
	mux.Handle("GET /api/messages/contacts", read(messageHandler.Contacts))
	mux.Handle("GET /api/messages/{id}", read(messageHandler.History))
	mux.Handle("POST /api/messages/send/{id}", write(messageHandler.Send))
	mux.Handle("POST /api/messages/transfer/{id}", write(messageHandler.Transfer))
	mux.Handle("DELETE /api/messages/{id}", write(messageHandler.Delete))

	mux.Handle("GET "+media.URLPrefix, read(mediaStore.Handler().ServeHTTP))
	mux.HandleFunc("GET /ws", wsHandler.HandleWebSocket)
	mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))

	originAllowed := func(origin string) bool { return config.IsOriginAllowed(origin, cfg.AllowedOrigins) }
	var h http.Handler = mux
	h = middleware.Logging(h)
	h = middleware.CORS(originAllowed)(h)
	h = middleware.SecurityHeaders(h)
	h = middleware.BodyLimit("/api/messages/send/", "/api/auth/update-profile")(h)
	return h, nil
}

func runCleanupTasks(ctx context.Context, database *db.Database) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Cleanup tasks stopped")
			return
		case <-ticker.C:
			cleanedCSRF, err := database.CleanupCSRFTokens(ctx, middleware.CSRFExpiry)
			if err != nil {
				slog.Error("Failed to cleanup CSRF tokens", "error", err)
			} else if cleanedCSRF > 0 {
				slog.Debug("Cleaned up expired CSRF tokens", "count", cleanedCSRF)
			}

			cleanedSessions, err := database.CleanupExpiredSessions(ctx)
			if err != nil {
				slog.Error("Failed to cleanup expired sessions", "error", err)
			} else if cleanedSessions > 0 {
				slog.Info("Cleaned up expired sessions", "count", cleanedSessions)
			}
		}
	}
}
