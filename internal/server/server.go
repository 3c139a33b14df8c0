package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/starstore/internal/archive"
	"github.com/dukerupert/starstore/internal/catalog"
	"github.com/dukerupert/starstore/internal/config"
	"github.com/dukerupert/starstore/internal/handler"
	"github.com/dukerupert/starstore/internal/middleware"
	"github.com/dukerupert/starstore/internal/model"
	"github.com/dukerupert/starstore/internal/objectstore"
	"github.com/dukerupert/starstore/internal/store"
	ws "github.com/dukerupert/starstore/internal/websocket"
)

// Login attempts allowed per client IP per minute.
const loginRateLimit = 10

type Server struct {
	hub            *ws.Hub
	authH          *handler.AuthHandler
	userH          *handler.UserHandler
	itemH          *handler.ItemHandler
	approvalH      *handler.ApprovalHandler
	couponH        *handler.CouponHandler
	auditH         *handler.AuditHandler
	uploadH        *handler.UploadHandler
	archiveH       *handler.ArchiveHandler
	sessionStore   *store.SessionStore
	userStore      *store.UserStore
	rateLimiter    *middleware.RateLimiter
	archiveManager *archive.Manager
	allowedOrigins []string
	logger         *slog.Logger
}

// New wires stores, the catalog service and handlers. mailer may be nil, in
// which case no e-mail is sent.
func New(db *sql.DB, cfg *config.Config, mailer catalog.Notifier, objects objectstore.Store, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	userStore := store.NewUserStore(db)
	teamStore := store.NewTeamStore(db)
	starStore := store.NewStarStore(db)
	sessionStore := store.NewSessionStore(db)
	archiveStore := store.NewArchiveStore(db)

	opts := []catalog.Option{
		catalog.WithBroadcaster(hub),
		catalog.WithApproverEmails(cfg.ApproverEmails),
	}
	if mailer != nil {
		opts = append(opts, catalog.WithNotifier(mailer))
	}
	svc := catalog.NewService(db, logger, opts...)

	archiveMgr := archive.NewManager(archive.Config{
		Passphrase: cfg.ArchivePassphrase,
		Interval:   cfg.ArchiveInterval,
		Retention:  cfg.ArchiveRetention,
	}, store.NewAuditStore(db), archiveStore, objects, logger.With("component", "archive"), func(s archive.Status) {
		hub.BroadcastTo(ws.NewMessage("archive", string(s.State), 0, map[string]any{
			"error": s.Error,
		}), model.RoleAdmin)
	})

	return &Server{
		hub:            hub,
		authH:          handler.NewAuthHandler(userStore, sessionStore, cfg.BaseURL, logger.With("component", "auth")),
		userH:          handler.NewUserHandler(userStore, teamStore, starStore, sessionStore, hub, logger.With("component", "user")),
		itemH:          handler.NewItemHandler(svc, logger.With("component", "item")),
		approvalH:      handler.NewApprovalHandler(svc, logger.With("component", "approval")),
		couponH:        handler.NewCouponHandler(svc, logger.With("component", "coupon")),
		auditH:         handler.NewAuditHandler(svc, logger.With("component", "audit")),
		uploadH:        handler.NewUploadHandler(objects, cfg.MaxUploadBytes, logger.With("component", "upload")),
		archiveH:       handler.NewArchiveHandler(archiveMgr, archiveStore, logger.With("component", "archive")),
		sessionStore:   sessionStore,
		userStore:      userStore,
		rateLimiter:    middleware.NewRateLimiter(),
		archiveManager: archiveMgr,
		allowedOrigins: cfg.AllowedOrigins,
		logger:         logger,
	}
}

// SessionStore returns the session store for cleanup tasks.
func (s *Server) SessionStore() *store.SessionStore {
	return s.sessionStore
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// ArchiveManager returns the audit archive scheduler.
func (s *Server) ArchiveManager() *archive.Manager {
	return s.archiveManager
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("POST /api/auth/login", s.rateLimitedHandler(s.authH.Login))
	outerMux.HandleFunc("GET /health", s.healthHandler)

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.sessionStore, s.userStore)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, loginRateLimit, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	admin := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireAdmin(h)
	}
	reviewer := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireRole(model.RoleAdmin, model.RoleApprover)(h)
	}
	staff := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireRole(model.RoleAdmin, model.RoleApprover, model.RoleManager)(h)
	}

	// Session
	mux.HandleFunc("POST /api/auth/logout", s.authH.Logout)
	mux.HandleFunc("GET /api/auth/me", s.authH.Me)

	// Users, teams and stars
	mux.Handle("GET /api/users", staff(s.userH.List))
	mux.Handle("POST /api/users", admin(s.userH.Create))
	mux.Handle("PUT /api/users/{id}", admin(s.userH.Update))
	mux.Handle("GET /api/teams", staff(s.userH.ListTeams))
	mux.Handle("POST /api/teams", admin(s.userH.CreateTeam))
	mux.Handle("PUT /api/teams/{id}", admin(s.userH.UpdateTeam))
	mux.Handle("POST /api/users/{id}/stars", admin(s.userH.GrantStars))
	mux.HandleFunc("GET /api/users/{id}/stars", s.userH.StarHistory)
	mux.HandleFunc("GET /api/leaderboard", s.userH.Leaderboard)

	// Catalog management
	mux.Handle("GET /api/items", admin(s.itemH.List))
	mux.Handle("POST /api/items", admin(s.itemH.Create))
	mux.HandleFunc("GET /api/items/{id}", s.itemH.Get)
	mux.Handle("PUT /api/items/{id}", admin(s.itemH.Update))
	mux.Handle("DELETE /api/items/{id}", admin(s.itemH.Delete))
	mux.Handle("POST /api/items/{id}/approval", admin(s.itemH.RequestApproval))
	mux.Handle("GET /api/items/{id}/approvals", reviewer(s.itemH.ListApprovals))
	mux.Handle("POST /api/items/{id}/activate", admin(s.itemH.Activate))
	mux.Handle("POST /api/items/{id}/deactivate", admin(s.itemH.Deactivate))

	// Storefront
	mux.HandleFunc("GET /api/store/items", s.itemH.Store)
	mux.HandleFunc("GET /api/store/categories", s.itemH.Categories)
	mux.HandleFunc("POST /api/store/items/{id}/redeem", s.itemH.Redeem)

	// Approvals
	mux.Handle("GET /api/approvals", reviewer(s.approvalH.List))
	mux.Handle("GET /api/approvals/{id}", reviewer(s.approvalH.Get))
	mux.Handle("POST /api/approvals/{id}/approve", reviewer(s.approvalH.Approve))
	mux.Handle("POST /api/approvals/{id}/reject", reviewer(s.approvalH.Reject))

	// Coupons
	mux.HandleFunc("GET /api/coupons", s.couponH.List)
	mux.Handle("GET /api/coupons/export", admin(s.couponH.Export))
	mux.Handle("POST /api/coupons/use", admin(s.couponH.UseByCode))
	mux.HandleFunc("GET /api/coupons/{id}", s.couponH.Get)
	mux.Handle("POST /api/coupons/{id}/use", admin(s.couponH.Use))
	mux.Handle("POST /api/coupons/{id}/cancel", admin(s.couponH.Cancel))

	// Audit log and archives
	mux.Handle("GET /api/audit", admin(s.auditH.List))
	mux.Handle("GET /api/audit/export", admin(s.auditH.Export))
	mux.Handle("GET /api/archives", admin(s.archiveH.List))
	mux.Handle("POST /api/archives", admin(s.archiveH.Run))
	mux.Handle("GET /api/archives/{id}/download", admin(s.archiveH.Download))

	// Item images
	mux.Handle("POST /api/uploads", admin(s.uploadH.Upload))
	mux.HandleFunc("GET /media/{key...}", s.uploadH.Media)

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.allowedOrigins))
}
