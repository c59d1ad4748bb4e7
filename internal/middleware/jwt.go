package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/meetingpro/agent/internal/auth"
	"github.com/meetingpro/agent/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserName is the key for the display name in gin context.
	ContextUserName = "user_name"
	// ContextRole is the key for the meeting role in gin context.
	ContextRole = "role"
)

// JWT returns a middleware that validates the meeting-backend token and sets
// user claims in context.
func JWT(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := verifier.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserName, claims.UserName)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}
