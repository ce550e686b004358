package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/charlesng35/weddingdesk/internal/auditctx"
)

const (
	// HeaderActorID carries the operator identity asserted by the gateway.
	HeaderActorID = "X-Actor-ID"
	// HeaderRequestID correlates a request across logs and the audit trail.
	HeaderRequestID = "X-Request-ID"

	CtxActorIDKey   = "actorID"
	CtxRequestIDKey = "requestID"
)

// Actor attaches the caller identity to the request context so services can
// attribute audit entries. Authentication happens upstream; a missing header
// leaves the actor empty and services fall back to "system".
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		actorID := strings.TrimSpace(c.GetHeader(HeaderActorID))

		c.Set(CtxRequestIDKey, requestID)
		if actorID != "" {
			c.Set(CtxActorIDKey, actorID)
		}
		c.Header(HeaderRequestID, requestID)

		ctx := auditctx.WithActor(c.Request.Context(), auditctx.Actor{
			ID:        actorID,
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			RequestID: requestID,
		})
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
