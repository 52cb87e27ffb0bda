package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/codemanhq/codeman/src/handler/scheduled"
	"github.com/codemanhq/codeman/src/handler/session"
	"github.com/codemanhq/codeman/src/lib/events"
)

// EventsHandler serves the server-sent-event stream.
type EventsHandler struct {
	*BaseHandler
	broker  *events.Broker
	manager *session.Manager
	runs    *scheduled.Manager
}

// NewEventsHandler creates the SSE handler.
func NewEventsHandler(broker *events.Broker, manager *session.Manager, runs *scheduled.Manager) *EventsHandler {
	return &EventsHandler{
		BaseHandler: NewBaseHandler(),
		broker:      broker,
		manager:     manager,
		runs:        runs,
	}
}

// initPayload is the authoritative snapshot sent once per connection.
type initPayload struct {
	Sessions []session.Info  `json:"sessions"`
	Respawn  map[string]any  `json:"respawn"`
	Runs     []scheduled.Run `json:"runs"`
	Ralph    map[string]any  `json:"ralph"`
}

func (h *EventsHandler) snapshot() initPayload {
	payload := initPayload{
		Sessions: h.manager.List(),
		Respawn:  make(map[string]any),
		Ralph:    make(map[string]any),
		Runs:     h.runs.List(),
	}
	for _, info := range payload.Sessions {
		if entry, ok := h.manager.Get(info.ID); ok {
			payload.Respawn[info.ID] = entry.Controller.Snapshot()
			payload.Ralph[info.ID] = entry.Tracker.Snapshot()
		}
	}
	return payload
}

// HandleStream is the long-lived SSE endpoint. Exactly one init event
// carries the current snapshot; deltas follow until the client leaves.
func (h *EventsHandler) HandleStream(c *gin.Context) {
	client := h.broker.Subscribe(uuid.New().String())
	defer h.broker.Unsubscribe(client)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	c.SSEvent("init", h.snapshot())
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Data)
			return true
		case <-clientGone:
			return false
		}
	})
}

// HandleListCached serves the /sessions shape through the 1 s snapshot
// cache.
func (h *EventsHandler) HandleListCached(c *gin.Context) {
	data, err := h.broker.Cached("/sessions", func() (any, error) {
		return gin.H{"sessions": h.manager.List()}, nil
	})
	if err != nil {
		h.SendError(c, http.StatusInternalServerError, CodeInternal, err)
		return
	}
	h.SendJSON(c, http.StatusOK, data)
}
