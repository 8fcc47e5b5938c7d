package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mealreg/internal/actor"
	"mealreg/internal/class"
	"mealreg/internal/queue"
	"mealreg/internal/registration"
	"mealreg/internal/user"
)

type archiveRequest struct {
	Year  int `json:"year" binding:"required"`
	Month int `json:"month" binding:"required"`
}

func (h *Handler) archive(c *gin.Context) {
	var req archiveRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.Registrations.Archive(c.Request.Context(), req.Year, req.Month)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) enqueueArchive(c *gin.Context) {
	var req archiveRequest
	if !bindJSON(c, &req) {
		return
	}
	if _, _, err := registration.MonthRange(req.Year, req.Month); err != nil {
		writeError(c, h.Log, err)
		return
	}
	who, _ := actor.From(c.Request.Context())
	msg, err := queue.NewArchiveMessage(queue.ArchiveJob{
		Year:        req.Year,
		Month:       req.Month,
		Actor:       who,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	if err := h.Jobs.Publish(c.Request.Context(), msg); err != nil {
		h.Log.ErrorContext(c.Request.Context(), "queue publish failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "year": req.Year, "month": req.Month})
}

func (h *Handler) queryArchive(c *gin.Context) {
	opts, err := queryOptions(c)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	records, err := h.Registrations.QueryArchive(c.Request.Context(), opts)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	if records == nil {
		records = []registration.Registration{}
	}
	c.JSON(http.StatusOK, gin.H{"registrations": records})
}

func (h *Handler) listAudit(c *gin.Context) {
	opts, err := queryOptions(c)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	page, err := h.Audit.List(c.Request.Context(), opts.Limit, opts.Cursor)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) deleteAudit(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	n, err := h.Audit.Delete(c.Request.Context(), req.IDs)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) listClasses(c *gin.Context) {
	classes, err := h.Classes.List(c.Request.Context())
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"classes": classes})
}

func (h *Handler) createClass(c *gin.Context) {
	var in class.Input
	if !bindJSON(c, &in) {
		return
	}
	created, err := h.Classes.Create(c.Request.Context(), in)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) updateClass(c *gin.Context) {
	var in class.Input
	if !bindJSON(c, &in) {
		return
	}
	updated, err := h.Classes.Update(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) deleteClass(c *gin.Context) {
	if err := h.Classes.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.Users.List(c.Request.Context())
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handler) getUser(c *gin.Context) {
	u, err := h.Users.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) createUser(c *gin.Context) {
	var in user.Input
	if !bindJSON(c, &in) {
		return
	}
	u, err := h.Users.Create(c.Request.Context(), in)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (h *Handler) updateUser(c *gin.Context) {
	var in user.Input
	if !bindJSON(c, &in) {
		return
	}
	u, err := h.Users.Update(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) deleteUser(c *gin.Context) {
	if err := h.Users.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
