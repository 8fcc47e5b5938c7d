package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mealreg/internal/registration"
	"mealreg/internal/sentinel"
)

type desiredRequest struct {
	Registrations []registration.Desired `json:"registrations"`
}

type previewRequest struct {
	Registrations []registration.Desired `json:"registrations"`
	Keys          []registration.Key     `json:"keys"`
}

type updateRequest struct {
	Registrations []registration.Desired      `json:"registrations"`
	Originals     []registration.Registration `json:"originals"`
}

type deleteRequest struct {
	Items []registration.ClassDate `json:"items" binding:"required"`
}

func (h *Handler) upsertRegistrations(c *gin.Context) {
	var req desiredRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.Registrations.Upsert(c.Request.Context(), req.Registrations)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) previewRegistrations(c *gin.Context) {
	var req previewRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.Registrations.Preview(c.Request.Context(), req.Registrations, req.Keys)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	if p.Conflicts == nil {
		p.Conflicts = []registration.Conflict{}
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) updateRegistrations(c *gin.Context) {
	var req updateRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.Registrations.Update(c.Request.Context(), req.Registrations, req.Originals)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	if res.Changes == nil {
		res.Changes = []registration.Change{}
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) deleteRegistrations(c *gin.Context) {
	var req deleteRequest
	if !bindJSON(c, &req) {
		return
	}
	n, err := h.Registrations.DeleteMany(c.Request.Context(), req.Items)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// queryOptions reads from, to, date (repeatable), class (repeatable), limit,
// cursor, all and skip_count.
func queryOptions(c *gin.Context) (registration.QueryOptions, error) {
	opts := registration.QueryOptions{
		From:       c.Query("from"),
		To:         c.Query("to"),
		Dates:      c.QueryArray("date"),
		ClassNames: c.QueryArray("class"),
		Cursor:     c.Query("cursor"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, sentinel.Invalid("limit", "%q is not a number", v)
		}
		opts.Limit = n
	}
	var err error
	if opts.All, err = boolQuery(c, "all"); err != nil {
		return opts, err
	}
	if opts.SkipCount, err = boolQuery(c, "skip_count"); err != nil {
		return opts, err
	}
	return opts, nil
}

func boolQuery(c *gin.Context, name string) (bool, error) {
	v := c.Query(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, sentinel.Invalid(name, "%q is not a boolean", v)
	}
	return b, nil
}

func (h *Handler) queryRegistrations(c *gin.Context) {
	opts, err := queryOptions(c)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	page, err := h.Registrations.Query(c.Request.Context(), opts)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	if page.Registrations == nil {
		page.Registrations = []registration.Registration{}
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) summarizeRegistrations(c *gin.Context) {
	opts, err := queryOptions(c)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	opts.All, opts.SkipCount = true, true
	page, err := h.Registrations.Query(c.Request.Context(), opts)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, registration.Summarize(page.Registrations))
}
