package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/codemanhq/codeman/src/handler/respawn"
	"github.com/codemanhq/codeman/src/handler/session"
	"github.com/codemanhq/codeman/src/lib"
	"github.com/codemanhq/codeman/src/lib/mux"
)

// SessionHandler serves the session resource.
type SessionHandler struct {
	*BaseHandler
	manager *session.Manager
}

// NewSessionHandler creates the session handler.
func NewSessionHandler(manager *session.Manager) *SessionHandler {
	return &SessionHandler{BaseHandler: NewBaseHandler(), manager: manager}
}

// CreateSessionRequest is the POST /sessions body.
type CreateSessionRequest struct {
	WorkingDir string            `json:"workingDir" binding:"required"`
	Name       string            `json:"name"`
	Mode       string            `json:"mode"`
	Env        map[string]string `json:"env"`
}

// SendInputRequest is the POST /sessions/:id/input body.
type SendInputRequest struct {
	Input string `json:"input" binding:"required"`
	// Raw writes bytes straight to the PTY instead of the mux path.
	Raw bool `json:"raw"`
}

// ResizeRequest is the POST /sessions/:id/resize body.
type ResizeRequest struct {
	Cols int `json:"cols" binding:"required"`
	Rows int `json:"rows" binding:"required"`
}

// HandleList returns all sessions.
func (h *SessionHandler) HandleList(c *gin.Context) {
	h.SendJSON(c, http.StatusOK, gin.H{"sessions": h.manager.List()})
}

// HandleCreate spawns a new supervised session.
func (h *SessionHandler) HandleCreate(c *gin.Context) {
	var req CreateSessionRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}
	workingDir, err := lib.ValidateWorkingDir(req.WorkingDir)
	if err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}
	if err := lib.ValidateEnvOverrides(req.Env); err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}
	mode := respawn.ModePrompt
	if req.Mode == string(respawn.ModeRalphTodo) {
		mode = respawn.ModeRalphTodo
	}

	entry, err := h.manager.Create(session.CreateRequest{
		WorkingDir: workingDir,
		Name:       req.Name,
		Mode:       mode,
	})
	if err != nil {
		if errors.Is(err, mux.ErrUnavailable) {
			h.SendError(c, http.StatusServiceUnavailable, CodeMuxUnavailable, err)
			return
		}
		h.SendError(c, http.StatusInternalServerError, CodeInternal, err)
		return
	}
	h.SendJSON(c, http.StatusCreated, entry.Session.Info())
}

// HandleGet returns one session with its recent text output. With
// ?source=pane the tail comes from a live multiplexer pane capture
// instead of the supervisor's buffer.
func (h *SessionHandler) HandleGet(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	tail := string(entry.Session.TextTail(16 * 1024))
	if c.Query("source") == "pane" {
		pane, err := h.manager.CapturePane(entry.Session.ID, 200)
		if err != nil {
			if errors.Is(err, mux.ErrSessionGone) {
				h.SendError(c, http.StatusGone, CodeSessionGone, err)
				return
			}
			h.SendError(c, http.StatusInternalServerError, CodeInternal, err)
			return
		}
		tail = string(pane)
	}
	h.SendJSON(c, http.StatusOK, gin.H{
		"session":  entry.Session.Info(),
		"ralph":    entry.Tracker.Snapshot(),
		"respawn":  entry.Controller.Snapshot(),
		"textTail": tail,
	})
}

// HandleDelete stops and destroys a session.
func (h *SessionHandler) HandleDelete(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Delete(id); err != nil {
		h.SendError(c, http.StatusNotFound, CodeNotFound, err)
		return
	}
	h.SendSuccess(c, "session deleted")
}

// HandleSendInput types input into the session. The mux path is
// single-line only; multi-line bodies are rejected, never split.
func (h *SessionHandler) HandleSendInput(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	var req SendInputRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}

	if req.Raw {
		if _, err := entry.Session.WriteRaw([]byte(req.Input)); err != nil {
			h.SendError(c, http.StatusInternalServerError, CodeInternal, err)
			return
		}
		h.SendSuccess(c, "input written")
		return
	}

	if err := entry.Session.WriteViaMux(req.Input); err != nil {
		switch {
		case errors.Is(err, session.ErrMultiLineInput):
			h.SendError(c, http.StatusBadRequest, CodeMultiLineInput, err)
		case errors.Is(err, mux.ErrSessionGone):
			h.SendError(c, http.StatusGone, CodeSessionGone, err)
		default:
			h.SendError(c, http.StatusInternalServerError, CodeInternal, err)
		}
		return
	}
	h.SendSuccess(c, "input sent")
}

// HandleResize changes the session's terminal dimensions.
func (h *SessionHandler) HandleResize(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	var req ResizeRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}
	if err := lib.ValidateRange("cols", req.Cols, 10, 500); err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}
	if err := lib.ValidateRange("rows", req.Rows, 4, 300); err != nil {
		h.SendError(c, http.StatusBadRequest, CodeValidation, err)
		return
	}
	if err := entry.Session.Resize(uint16(req.Cols), uint16(req.Rows)); err != nil {
		h.SendError(c, http.StatusInternalServerError, CodeInternal, err)
		return
	}
	h.SendSuccess(c, "resized")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleTerminalWS attaches a raw terminal WebSocket: binary frames out
// carry PTY bytes (history replay first), text frames in are written
// straight to the PTY.
func (h *SessionHandler) HandleTerminalWS(c *gin.Context) {
	entry, ok := h.entry(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Warnf("terminal ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Replay buffered history so the client renders the current screen.
	// An ANSI reset guards against attribute state lost to trimming.
	if history := entry.Session.RawBuffer(); len(history) > 0 {
		replay := append([]byte("\x1b[0m"), history...)
		if err := conn.WriteMessage(websocket.BinaryMessage, replay); err != nil {
			return
		}
	}

	out := make(chan []byte, 64)
	unsubscribe := entry.Session.SubscribeRaw(out)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if _, err := entry.Session.WriteRaw(data); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-out:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-done:
			return
		case <-entry.Session.Done():
			return
		}
	}
}

func (h *SessionHandler) entry(c *gin.Context) (*session.Entry, bool) {
	id := c.Param("id")
	entry, ok := h.manager.Get(id)
	if !ok {
		h.SendError(c, http.StatusNotFound, CodeNotFound, fmt.Errorf("session %s not found", id))
		return nil, false
	}
	return entry, true
}
