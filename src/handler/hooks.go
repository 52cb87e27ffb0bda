package handler

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/codemanhq/codeman/src/handler/session"
	"github.com/codemanhq/codeman/src/lib/events"
)

// HookHandler ingests agent lifecycle hook records. The endpoint is
// loopback-only and bypasses auth: the hooks are posted by the agent
// process running on this host.
type HookHandler struct {
	*BaseHandler
	manager *session.Manager
	broker  *events.Broker
}

// NewHookHandler creates the hook-ingest handler.
func NewHookHandler(manager *session.Manager, broker *events.Broker) *HookHandler {
	return &HookHandler{BaseHandler: NewBaseHandler(), manager: manager, broker: broker}
}

// HookEvent is one posted hook record.
type HookEvent struct {
	SessionID    string         `json:"sessionId" binding:"required"`
	Event        string         `json:"event" binding:"required"`
	InputTokens  int64          `json:"inputTokens"`
	OutputTokens int64          `json:"outputTokens"`
	CostUSD      float64        `json:"costUsd"`
	Message      string         `json:"message"`
	Payload      map[string]any `json:"payload"`
}

// IsLoopback reports whether the request originated on this host.
func IsLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// HandleIngest accepts a single hook record.
func (h *HookHandler) HandleIngest(c *gin.Context) {
	if !IsLoopback(c.Request.RemoteAddr) {
		h.SendError(c, http.StatusForbidden, CodeUnauthorized,
			fmt.Errorf("hook ingest is loopback-only"))
		return
	}

	var ev HookEvent
	if err := h.BindJSON(c, &ev); err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}

	entry, ok := h.manager.Get(ev.SessionID)
	if !ok {
		h.SendError(c, http.StatusNotFound, CodeNotFound,
			fmt.Errorf("session %s not found", ev.SessionID))
		return
	}

	if ev.InputTokens > 0 || ev.OutputTokens > 0 || ev.CostUSD > 0 {
		entry.Session.AddUsage(ev.InputTokens, ev.OutputTokens, ev.CostUSD)
	}
	if ev.Message != "" {
		entry.Session.AddMessage(session.Message{
			Role:      "assistant",
			Content:   ev.Message,
			Timestamp: time.Now(),
		})
	}

	logrus.Debugf("hook[%s]: %s", ev.SessionID, ev.Event)
	h.broker.Publish("hook:"+ev.Event, ev)
	h.SendSuccess(c, "hook ingested")
}
