package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codemanhq/codeman/src/handler/session"
	"github.com/codemanhq/codeman/src/lib"
)

// RalphHandler serves the per-session loop tracker controls.
type RalphHandler struct {
	*BaseHandler
	manager *session.Manager
}

// NewRalphHandler creates the ralph handler.
func NewRalphHandler(manager *session.Manager) *RalphHandler {
	return &RalphHandler{BaseHandler: NewBaseHandler(), manager: manager}
}

// RalphConfigureRequest configures the loop.
type RalphConfigureRequest struct {
	CompletionPhrase string `json:"completionPhrase"`
	MaxIterations    int    `json:"maxIterations"`
}

// AltPhraseRequest adds or removes one alternate completion phrase.
type AltPhraseRequest struct {
	Phrase string `json:"phrase" binding:"required"`
}

func (h *RalphHandler) entry(c *gin.Context) (*session.Entry, bool) {
	id := c.Param("id")
	entry, ok := h.manager.Get(id)
	if !ok {
		h.SendError(c, http.StatusNotFound, CodeNotFound, fmt.Errorf("session %s not found", id))
		return nil, false
	}
	return entry, true
}

// HandleGetState returns the tracker snapshot.
func (h *RalphHandler) HandleGetState(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	h.SendJSON(c, http.StatusOK, entry.Tracker.Snapshot())
}

// HandleConfigure sets the completion phrase and iteration cap.
func (h *RalphHandler) HandleConfigure(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	var req RalphConfigureRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}
	if req.MaxIterations != 0 {
		if err := lib.ValidateRange("maxIterations", req.MaxIterations, 1, 10_000); err != nil {
			h.SendError(c, http.StatusBadRequest, CodeValidation, err)
			return
		}
	}
	entry.Tracker.Enable()
	entry.Tracker.Configure(req.CompletionPhrase, req.MaxIterations)
	h.SendJSON(c, http.StatusOK, entry.Tracker.Snapshot())
}

// HandleAddAltPhrase registers an alternate completion phrase.
func (h *RalphHandler) HandleAddAltPhrase(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	var req AltPhraseRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}
	entry.Tracker.AddAltPhrase(req.Phrase)
	h.SendJSON(c, http.StatusOK, entry.Tracker.Snapshot())
}

// HandleRemoveAltPhrase unregisters an alternate completion phrase.
func (h *RalphHandler) HandleRemoveAltPhrase(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	var req AltPhraseRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}
	entry.Tracker.RemoveAltPhrase(req.Phrase)
	h.SendJSON(c, http.StatusOK, entry.Tracker.Snapshot())
}
