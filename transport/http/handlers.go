package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/edupass/service"
)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

// Challenge handles the challenge request
func (h *AuthHandlers) Challenge(c *gin.Context) {
	var req struct {
		Identity string  `json:"identity" binding:"required"`
		Memo     *uint64 `json:"memo"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	challenge, err := h.authService.GenerateChallenge(req.Identity, req.Memo)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"envelope":           challenge.Envelope,
		"network_passphrase": challenge.Network,
	})
}

// Verify checks a countersigned challenge and issues a session credential
func (h *AuthHandlers) Verify(c *gin.Context) {
	var req struct {
		SignedEnvelope string `json:"signed_envelope" binding:"required"`
		Identity       string `json:"identity" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	verified, err := h.authService.VerifyChallenge(c.Request.Context(), req.SignedEnvelope, req.Identity)
	if err != nil {
		writeError(c, err)
		return
	}

	cred, err := h.authService.GenerateSessionCredential(verified)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_credential": cred.Token,
		"token_type":         "Bearer",
		"expires_in":         int64(h.authService.SessionTTL().Seconds()),
	})
}

// Me returns the identity behind the session credential
func (h *AuthHandlers) Me(c *gin.Context) {
	cred := credentialFrom(c)
	if cred == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Credential not found in context"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity":   cred.Identity,
		"user_id":    cred.UserID,
		"role":       cred.Role,
		"expires_at": cred.ExpiresAt.Unix(),
	})
}
