package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codemanhq/codeman/src/handler/respawn"
	"github.com/codemanhq/codeman/src/handler/session"
	"github.com/codemanhq/codeman/src/lib"
)

// RespawnHandler serves the per-session respawn controls.
type RespawnHandler struct {
	*BaseHandler
	manager *session.Manager
}

// NewRespawnHandler creates the respawn handler.
func NewRespawnHandler(manager *session.Manager) *RespawnHandler {
	return &RespawnHandler{BaseHandler: NewBaseHandler(), manager: manager}
}

// RespawnConfigRequest is the update-config body. All durations are
// milliseconds; zero fields keep their current value.
type RespawnConfigRequest struct {
	IdleTimeoutMs         int    `json:"idleTimeoutMs"`
	CompletionConfirmMs   int    `json:"completionConfirmMs"`
	NoOutputTimeoutMs     int    `json:"noOutputTimeoutMs"`
	CooldownMs            int    `json:"cooldownMs"`
	AIIdleCheck           *bool  `json:"aiIdleCheck"`
	AIIdleCheckTimeoutMs  int    `json:"aiIdleCheckTimeoutMs"`
	AIIdleCheckCooldownMs int    `json:"aiIdleCheckCooldownMs"`
	Prompt                string `json:"prompt"`
	Mode                  string `json:"mode"`
	MaxCycles             *int   `json:"maxCycles"`
}

func (h *RespawnHandler) entry(c *gin.Context) (*session.Entry, bool) {
	id := c.Param("id")
	entry, ok := h.manager.Get(id)
	if !ok {
		h.SendError(c, http.StatusNotFound, CodeNotFound, fmt.Errorf("session %s not found", id))
		return nil, false
	}
	return entry, true
}

// HandleStart arms the respawn controller.
func (h *RespawnHandler) HandleStart(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	entry.Controller.Start()
	h.SendSuccess(c, "respawn started")
}

// HandleStop disarms the respawn controller.
func (h *RespawnHandler) HandleStop(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	entry.Controller.Stop()
	h.SendSuccess(c, "respawn stopped")
}

// HandleGetConfig returns the controller snapshot including its config.
func (h *RespawnHandler) HandleGetConfig(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	h.SendJSON(c, http.StatusOK, entry.Controller.Snapshot())
}

// HandleUpdateConfig patches the controller configuration.
func (h *RespawnHandler) HandleUpdateConfig(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	var req RespawnConfigRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}

	cfg := entry.Controller.Config()
	type bound struct {
		name     string
		value    int
		min, max int
		apply    func(time.Duration)
	}
	bounds := []bound{
		{"idleTimeoutMs", req.IdleTimeoutMs, 1_000, 3_600_000, func(d time.Duration) { cfg.IdleTimeout = d }},
		{"completionConfirmMs", req.CompletionConfirmMs, 500, 600_000, func(d time.Duration) { cfg.CompletionConfirm = d }},
		{"noOutputTimeoutMs", req.NoOutputTimeoutMs, 1_000, 3_600_000, func(d time.Duration) { cfg.NoOutputTimeout = d }},
		{"cooldownMs", req.CooldownMs, 100, 3_600_000, func(d time.Duration) { cfg.Cooldown = d }},
		{"aiIdleCheckTimeoutMs", req.AIIdleCheckTimeoutMs, 1_000, 600_000, func(d time.Duration) { cfg.AIIdleCheckTimeout = d }},
		{"aiIdleCheckCooldownMs", req.AIIdleCheckCooldownMs, 1_000, 3_600_000, func(d time.Duration) { cfg.AIIdleCheckCooldown = d }},
	}
	for _, b := range bounds {
		if b.value == 0 {
			continue
		}
		if err := lib.ValidateRange(b.name, b.value, b.min, b.max); err != nil {
			h.SendError(c, http.StatusBadRequest, CodeValidation, err)
			return
		}
		b.apply(time.Duration(b.value) * time.Millisecond)
	}
	if req.AIIdleCheck != nil {
		cfg.AIIdleCheck = *req.AIIdleCheck
	}
	if req.Prompt != "" {
		cfg.Prompt = req.Prompt
	}
	if req.Mode != "" {
		switch respawn.Mode(req.Mode) {
		case respawn.ModePrompt, respawn.ModeRalphTodo:
			cfg.Mode = respawn.Mode(req.Mode)
		default:
			h.SendError(c, http.StatusBadRequest, CodeValidation, fmt.Errorf("unknown mode %q", req.Mode))
			return
		}
	}
	if req.MaxCycles != nil {
		if err := lib.ValidateRange("maxCycles", *req.MaxCycles, 0, 10_000); err != nil {
			h.SendError(c, http.StatusBadRequest, CodeValidation, err)
			return
		}
		cfg.MaxCycles = *req.MaxCycles
	}

	entry.Controller.UpdateConfig(cfg)
	h.SendJSON(c, http.StatusOK, entry.Controller.Snapshot())
}

// HandleResetBreaker closes the circuit breaker manually.
func (h *RespawnHandler) HandleResetBreaker(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	entry.Controller.ResetBreaker()
	h.SendJSON(c, http.StatusOK, entry.Controller.Snapshot())
}
