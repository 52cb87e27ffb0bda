package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/codemanhq/codeman/src/handler/session"
	"github.com/codemanhq/codeman/src/lib/events"
)

// StatusHandler serves supervisor and host status.
type StatusHandler struct {
	*BaseHandler
	manager   *session.Manager
	broker    *events.Broker
	startedAt time.Time
}

// NewStatusHandler creates the status handler.
func NewStatusHandler(manager *session.Manager, broker *events.Broker) *StatusHandler {
	return &StatusHandler{
		BaseHandler: NewBaseHandler(),
		manager:     manager,
		broker:      broker,
		startedAt:   time.Now(),
	}
}

// HandleHealth is the liveness probe.
func (h *StatusHandler) HandleHealth(c *gin.Context) {
	c.Status(http.StatusOK)
}

// HandleStatus reports session counts, cumulative usage, and host
// CPU/memory. Served through the 1 s snapshot cache.
func (h *StatusHandler) HandleStatus(c *gin.Context) {
	data, err := h.broker.Cached("/status", func() (any, error) {
		sessions := h.manager.List()
		byStatus := map[session.Status]int{}
		var inputTokens, outputTokens int64
		var cost float64
		for _, info := range sessions {
			byStatus[info.Status]++
			inputTokens += info.InputTokens
			outputTokens += info.OutputTokens
			cost += info.CostUSD
		}

		status := gin.H{
			"uptimeSeconds": int(time.Since(h.startedAt).Seconds()),
			"sessions": gin.H{
				"total":   len(sessions),
				"idle":    byStatus[session.StatusIdle],
				"busy":    byStatus[session.StatusBusy],
				"stopped": byStatus[session.StatusStopped],
				"error":   byStatus[session.StatusError],
			},
			"usage": gin.H{
				"inputTokens":  inputTokens,
				"outputTokens": outputTokens,
				"costUsd":      cost,
			},
		}

		if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
			status["cpuPercent"] = percents[0]
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			status["memoryPercent"] = vm.UsedPercent
		}
		return status, nil
	})
	if err != nil {
		h.SendError(c, http.StatusInternalServerError, CodeInternal, err)
		return
	}
	h.SendJSON(c, http.StatusOK, data)
}
