package main

import (
	"callagent/internal/callstate"
	"callagent/internal/httpapi"
	"callagent/internal/nativebridge"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, ctrl *callstate.Controller, bridge *nativebridge.KVBridge, authMW gin.HandlerFunc) {
	h := httpapi.Handlers{Controller: ctrl, Recorder: bridge}

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Push injection sits outside /v1 to mirror the provider-facing shape,
	// but still requires a token; it can start a call ringing.
	r.POST("/push", authMW, h.Push)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		calls := v1.Group("/calls")
		{
			calls.POST("/:call_id/accept", h.AcceptCall)
			calls.POST("/:call_id/decline", h.DeclineCall)
			calls.POST("/:call_id/end", h.EndCall)
		}

		v1.POST("/native/actions", h.NativeAction)

		call := v1.Group("/call")
		{
			call.GET("/state", h.CallState)
			call.GET("/stream", h.CallStream)
		}
	}
}
