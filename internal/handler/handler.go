// Package handler exposes the engines over HTTP.
package handler

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"mealreg/internal/actor"
	"mealreg/internal/audit"
	"mealreg/internal/auth"
	"mealreg/internal/class"
	"mealreg/internal/queue"
	"mealreg/internal/registration"
	"mealreg/internal/user"
	"mealreg/internal/version"
)

// Deps are the services the handlers call.
type Deps struct {
	Registrations *registration.Service
	Audit         *audit.Log
	Classes       *class.Service
	Users         *user.Service
	Version       version.Counter
	Jobs          queue.Queue
	Log           *slog.Logger

	JWTIssuer     string
	JWTSigningKey string
	AccessTTL     time.Duration
	// IssueTokens enables POST /auth/token, which trusts the posted email.
	IssueTokens bool
	// Heartbeat is the idle interval between keep-alive events on the
	// version stream.
	Heartbeat time.Duration
}

// Handler serves the v1 API.
type Handler struct {
	Deps
}

// New builds the handler set.
func New(d Deps) *Handler {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 25 * time.Second
	}
	return &Handler{Deps: d}
}

var (
	writers = []actor.Role{actor.RoleAdmin, actor.RoleBoard, actor.RoleTeacher}
	readers = []actor.Role{actor.RoleAdmin, actor.RoleBoard, actor.RoleKitchen, actor.RoleTeacher}
	admins  = []actor.Role{actor.RoleAdmin}
	board   = []actor.Role{actor.RoleAdmin, actor.RoleBoard}
)

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	if h.IssueTokens {
		r.POST("/auth/token", h.issueToken)
	}

	v1 := r.Group("/v1", auth.Authenticate(h.JWTSigningKey, h.JWTIssuer))
	role := auth.RequireRole

	v1.GET("/registrations", role(readers...), h.queryRegistrations)
	v1.GET("/registrations/summary", role(readers...), h.summarizeRegistrations)
	v1.POST("/registrations", role(writers...), h.upsertRegistrations)
	v1.POST("/registrations/preview", role(writers...), h.previewRegistrations)
	v1.PUT("/registrations", role(writers...), h.updateRegistrations)
	v1.DELETE("/registrations", role(writers...), h.deleteRegistrations)

	v1.POST("/archives", role(admins...), h.archive)
	v1.POST("/archives/jobs", role(admins...), h.enqueueArchive)
	v1.GET("/archives/registrations", role(board...), h.queryArchive)

	v1.GET("/audit-logs", role(board...), h.listAudit)
	v1.DELETE("/audit-logs", role(admins...), h.deleteAudit)

	v1.GET("/classes", role(readers...), h.listClasses)
	v1.POST("/classes", role(admins...), h.createClass)
	v1.PUT("/classes/:id", role(admins...), h.updateClass)
	v1.DELETE("/classes/:id", role(admins...), h.deleteClass)

	v1.GET("/users", role(admins...), h.listUsers)
	v1.GET("/users/:id", role(admins...), h.getUser)
	v1.POST("/users", role(admins...), h.createUser)
	v1.PUT("/users/:id", role(admins...), h.updateUser)
	v1.DELETE("/users/:id", role(admins...), h.deleteUser)

	v1.GET("/version", role(readers...), h.currentVersion)
	v1.GET("/version/stream", role(readers...), h.streamVersion)
}
