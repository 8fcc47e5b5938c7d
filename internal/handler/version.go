package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mealreg/internal/auth"
	"mealreg/internal/sentinel"
)

func (h *Handler) currentVersion(c *gin.Context) {
	v, err := h.Version.Current(c.Request.Context())
	if err != nil {
		writeError(c, h.Log, sentinel.Unavailable("read data version", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": v})
}

// streamVersion pushes the data version as server-sent events: once on
// connect and again after every mutation.
func (h *Handler) streamVersion(c *gin.Context) {
	ctx := c.Request.Context()
	updates, err := h.Version.Subscribe(ctx)
	if err != nil {
		writeError(c, h.Log, sentinel.Unavailable("subscribe to data version", err))
		return
	}
	current, err := h.Version.Current(ctx)
	if err != nil {
		writeError(c, h.Log, sentinel.Unavailable("read data version", err))
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("version", gin.H{"version": current})

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case v, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("version", gin.H{"version": v})
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{})
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *Handler) issueToken(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	u, err := h.Users.GetByEmail(c.Request.Context(), req.Email)
	if errors.Is(err, sentinel.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
		return
	}
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	tok, err := auth.Issue(u.Actor(), h.JWTIssuer, h.JWTSigningKey, h.AccessTTL)
	if err != nil {
		h.Log.ErrorContext(c.Request.Context(), "token issue failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"access_token": tok.AccessToken, "expires_at": tok.ExpiresAt.Unix(), "user": u})
}
