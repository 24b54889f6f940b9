package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/edupass/core"
)

var kindStatus = map[core.Kind]int{
	core.KindInvalidIdentity:        http.StatusBadRequest,
	core.KindMalformedChallenge:     http.StatusBadRequest,
	core.KindChallengeExpired:       http.StatusUnauthorized,
	core.KindChallengeReplayed:      http.StatusUnauthorized,
	core.KindMissingServerSignature: http.StatusUnauthorized,
	core.KindMissingClientSignature: http.StatusUnauthorized,
	core.KindUnknownIdentity:        http.StatusNotFound,
	core.KindInvalidCredential:      http.StatusUnauthorized,
	core.KindUnknownSigner:          http.StatusForbidden,
	core.KindInvalidSignature:       http.StatusBadRequest,
	core.KindInvalidOperationClass:  http.StatusBadRequest,
	core.KindInvalidPayload:         http.StatusBadRequest,
	core.KindNotFound:               http.StatusNotFound,
	core.KindSimulationFailed:       http.StatusUnprocessableEntity,
	core.KindSubmissionRejected:     http.StatusUnprocessableEntity,
	core.KindSettlementFailed:       http.StatusUnprocessableEntity,
	core.KindSubmissionExhausted:    http.StatusServiceUnavailable,
	core.KindConfirmationTimeout:    http.StatusGatewayTimeout,
}

// writeError maps a domain error to its status code and a body of the form
// {"error", "kind", ...context}. Errors without a kind are reported as
// internal errors without detail.
func writeError(c *gin.Context, err error) {
	e, ok := core.AsError(err)
	if !ok || e.Kind == "" {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	status, ok := kindStatus[e.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	body := gin.H{
		"error": e.Error(),
		"kind":  e.Kind,
	}
	if e.Status != "" {
		body["status"] = e.Status
	}
	if e.RequiredWeight > 0 {
		body["current_weight"] = e.CurrentWeight
		body["required_weight"] = e.RequiredWeight
	}
	if e.Attempts > 0 {
		body["attempts"] = e.Attempts
	}
	if e.LedgerHash != "" {
		body["ledger_hash"] = e.LedgerHash
	}
	c.JSON(status, body)
}
