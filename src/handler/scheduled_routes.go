package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codemanhq/codeman/src/handler/scheduled"
	"github.com/codemanhq/codeman/src/lib"
)

// ScheduledHandler serves the scheduled-run resource.
type ScheduledHandler struct {
	*BaseHandler
	runs *scheduled.Manager
}

// NewScheduledHandler creates the scheduled-run handler.
func NewScheduledHandler(runs *scheduled.Manager) *ScheduledHandler {
	return &ScheduledHandler{BaseHandler: NewBaseHandler(), runs: runs}
}

// CreateRunRequest is the POST /scheduled body.
type CreateRunRequest struct {
	Prompt          string `json:"prompt" binding:"required"`
	WorkingDir      string `json:"workingDir" binding:"required"`
	DurationMinutes int    `json:"durationMinutes" binding:"required"`
}

// HandleList returns all runs.
func (h *ScheduledHandler) HandleList(c *gin.Context) {
	h.SendJSON(c, http.StatusOK, gin.H{"runs": h.runs.List()})
}

// HandleCreate starts a new scheduled run.
func (h *ScheduledHandler) HandleCreate(c *gin.Context) {
	var req CreateRunRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}
	workingDir, err := lib.ValidateWorkingDir(req.WorkingDir)
	if err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}
	if err := lib.ValidateRange("durationMinutes", req.DurationMinutes, 1, 7*24*60); err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}

	run, err := h.runs.Create(req.Prompt, workingDir, req.DurationMinutes)
	if err != nil {
		h.SendError(c, http.StatusInternalServerError, CodeInternal, err)
		return
	}
	h.SendJSON(c, http.StatusCreated, run)
}

// HandleGet returns one run.
func (h *ScheduledHandler) HandleGet(c *gin.Context) {
	id := c.Param("id")
	run, ok := h.runs.Get(id)
	if !ok {
		h.SendError(c, http.StatusNotFound, CodeNotFound, fmt.Errorf("run %s not found", id))
		return
	}
	h.SendJSON(c, http.StatusOK, run)
}

// HandleStop ends a run early; the session is stopped, not deleted.
func (h *ScheduledHandler) HandleStop(c *gin.Context) {
	id := c.Param("id")
	if err := h.runs.Stop(id); err != nil {
		if errors.Is(err, scheduled.ErrNotFound) {
			h.SendError(c, http.StatusNotFound, CodeNotFound, err)
			return
		}
		h.SendError(c, http.StatusInternalServerError, CodeInternal, err)
		return
	}
	h.SendSuccess(c, "run stopped")
}
