package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// BaseHandler provides shared response helpers for all API handlers.
type BaseHandler struct{}

// NewBaseHandler creates a new base handler.
func NewBaseHandler() *BaseHandler {
	return &BaseHandler{}
}

// ErrorResponse is the structured error body. Clients dispatch on Code;
// Error is the human-readable message.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// SuccessResponse is the generic acknowledgment body.
type SuccessResponse struct {
	Message string `json:"message"`
}

// SendError sends a structured error response with a stable code.
func (h *BaseHandler) SendError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, ErrorResponse{Code: code, Error: err.Error()})
}

// SendSuccess sends a standardized success response.
func (h *BaseHandler) SendSuccess(c *gin.Context, message string) {
	c.JSON(http.StatusOK, SuccessResponse{Message: message})
}

// SendJSON sends a JSON response with the given status code.
func (h *BaseHandler) SendJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// GetPathParam gets a path parameter and returns an error if it's missing.
func (h *BaseHandler) GetPathParam(c *gin.Context, param string) (string, error) {
	value := c.Param(param)
	if value == "" {
		return "", fmt.Errorf("missing required path parameter: %s", param)
	}
	return value, nil
}

// BindJSON binds the request body to a struct and returns an error if it fails.
func (h *BaseHandler) BindJSON(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindJSON(obj); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// Stable error codes dispatched on by clients.
const (
	CodeValidation     = "validation_failed"
	CodeNotFound       = "not_found"
	CodeSessionGone    = "session_gone"
	CodeMuxUnavailable = "multiplexer_unavailable"
	CodeMultiLineInput = "multi_line_input"
	CodeRateLimited    = "rate_limited"
	CodeUnauthorized   = "unauthorized"
	CodeInternal       = "internal_error"
)
