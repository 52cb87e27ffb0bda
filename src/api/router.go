// Package api builds the HTTP surface: routing, CORS, request logging
// with secret redaction, authentication, and the SSE stream.
package api

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/codemanhq/codeman/src/handler"
	"github.com/codemanhq/codeman/src/handler/scheduled"
	"github.com/codemanhq/codeman/src/handler/session"
	"github.com/codemanhq/codeman/src/lib/config"
	"github.com/codemanhq/codeman/src/lib/events"
)

// Deps are the supervisor singletons the router serves. They are passed
// explicitly; nothing here reaches for package-level state.
type Deps struct {
	Config  config.Config
	Manager *session.Manager
	Runs    *scheduled.Manager
	Broker  *events.Broker
}

// SetupRouter configures all supervisor routes.
// If disableRequestLogging is true, the logrus middleware is skipped.
func SetupRouter(deps Deps, disableRequestLogging bool) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(noCacheMiddleware())
	r.Use(processingTimeMiddleware())
	if !disableRequestLogging {
		r.Use(logrusMiddleware())
	}

	auth := NewAuthenticator(deps.Config.Username, deps.Config.Password)
	r.Use(auth.Middleware())

	sessionHandler := handler.NewSessionHandler(deps.Manager)
	respawnHandler := handler.NewRespawnHandler(deps.Manager)
	ralphHandler := handler.NewRalphHandler(deps.Manager)
	scheduledHandler := handler.NewScheduledHandler(deps.Runs)
	eventsHandler := handler.NewEventsHandler(deps.Broker, deps.Manager, deps.Runs)
	hookHandler := handler.NewHookHandler(deps.Manager, deps.Broker)
	statusHandler := handler.NewStatusHandler(deps.Manager, deps.Broker)

	r.POST("/auth/login", auth.HandleLogin)
	r.GET("/health", statusHandler.HandleHealth)
	r.GET("/status", statusHandler.HandleStatus)

	// Event stream
	r.GET("/events", eventsHandler.HandleStream)

	// Session resource
	r.GET("/sessions", eventsHandler.HandleListCached)
	r.POST("/sessions", sessionHandler.HandleCreate)
	r.GET("/sessions/:id", sessionHandler.HandleGet)
	r.DELETE("/sessions/:id", sessionHandler.HandleDelete)
	r.POST("/sessions/:id/input", sessionHandler.HandleSendInput)
	r.POST("/sessions/:id/resize", sessionHandler.HandleResize)
	r.GET("/sessions/:id/terminal/ws", sessionHandler.HandleTerminalWS)

	// Respawn controls
	r.POST("/sessions/:id/respawn/start", respawnHandler.HandleStart)
	r.POST("/sessions/:id/respawn/stop", respawnHandler.HandleStop)
	r.GET("/sessions/:id/respawn/config", respawnHandler.HandleGetConfig)
	r.PUT("/sessions/:id/respawn/config", respawnHandler.HandleUpdateConfig)
	r.POST("/sessions/:id/respawn/reset-circuit-breaker", respawnHandler.HandleResetBreaker)

	// Ralph loop controls
	r.GET("/sessions/:id/ralph", ralphHandler.HandleGetState)
	r.PUT("/sessions/:id/ralph", ralphHandler.HandleConfigure)
	r.POST("/sessions/:id/ralph/alt-phrases", ralphHandler.HandleAddAltPhrase)
	r.DELETE("/sessions/:id/ralph/alt-phrases", ralphHandler.HandleRemoveAltPhrase)

	// Scheduled runs
	r.GET("/scheduled", scheduledHandler.HandleList)
	r.POST("/scheduled", scheduledHandler.HandleCreate)
	r.GET("/scheduled/:id", scheduledHandler.HandleGet)
	r.POST("/scheduled/:id/stop", scheduledHandler.HandleStop)

	// Hook ingest (loopback only; bypasses auth)
	r.POST("/hook-event", hookHandler.HandleIngest)

	return r
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// noCacheMiddleware prevents intermediaries from caching API responses.
func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Writer.Header().Set("Pragma", "no-cache")
		c.Writer.Header().Set("Expires", "0")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Next()
	}
}

// sensitiveQueryParams are redacted from request logs.
var sensitiveQueryParams = []string{
	"api_key", "apikey", "token", "access_token", "auth_token",
	"password", "secret", "authorization", "credential", "session", "jwt",
}

// redactSecrets redacts sensitive query parameters from a logged path.
func redactSecrets(pathWithQuery string) string {
	parts := strings.SplitN(pathWithQuery, "?", 2)
	if len(parts) != 2 {
		return pathWithQuery
	}
	values, err := url.ParseQuery(parts[1])
	if err != nil {
		return parts[0] + "?[unparseable]"
	}
	redacted := false
	for key := range values {
		for _, param := range sensitiveQueryParams {
			if strings.EqualFold(key, param) {
				values.Set(key, "[REDACTED]")
				redacted = true
				break
			}
		}
	}
	if !redacted {
		return pathWithQuery
	}
	return parts[0] + "?" + values.Encode()
}

func logrusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		sanitizedPath := redactSecrets(path)

		start := time.Now()
		c.Next()
		stop := time.Since(start)
		latency := int(math.Ceil(float64(stop.Nanoseconds()) / 1000000.0))
		statusCode := c.Writer.Status()
		dataLength := c.Writer.Size()
		if dataLength < 0 {
			dataLength = 0
		}

		if len(c.Errors) > 0 {
			logrus.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
			return
		}
		msg := fmt.Sprintf("%s %s %d %d %dms", c.Request.Method, sanitizedPath, statusCode, dataLength, latency)
		if statusCode >= http.StatusBadRequest {
			logrus.Error(msg)
		} else {
			logrus.Info(msg)
		}
	}
}
