package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/service"
	"go.uber.org/zap"
)

const credentialKey = "credential"

// AuthMiddleware creates middleware that validates session credentials
func AuthMiddleware(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")

		// Check if the Authorization header is present and in correct format
		if len(auth) < 8 || !strings.EqualFold(auth[:7], "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header", "kind": core.KindInvalidCredential})
			return
		}

		cred, err := authService.ValidateCredential(auth[7:])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credential", "kind": core.KindInvalidCredential})
			return
		}

		c.Set(credentialKey, cred)

		c.Next()
	}
}

func credentialFrom(c *gin.Context) *core.Credential {
	v, ok := c.Get(credentialKey)
	if !ok {
		return nil
	}
	cred, _ := v.(*core.Credential)
	return cred
}

// requireSubject aborts with 403 unless identity is the credential subject.
func requireSubject(c *gin.Context, identity string) bool {
	cred := credentialFrom(c)
	if cred == nil || cred.Identity != identity {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Identity does not match session credential"})
		return false
	}
	return true
}

// RequestLogger logs one line per request
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Error("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
