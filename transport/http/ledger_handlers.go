package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/service"
)

// LedgerHandlers serves the cached credit queries
type LedgerHandlers struct {
	pipeline *service.Pipeline
}

// NewLedgerHandlers creates new ledger query handlers
func NewLedgerHandlers(pipeline *service.Pipeline) *LedgerHandlers {
	return &LedgerHandlers{pipeline: pipeline}
}

// Balances returns every balance of an account as decimal strings
func (h *LedgerHandlers) Balances(c *gin.Context) {
	account := c.Param("account")
	balances, err := h.pipeline.BalanceOf(c.Request.Context(), account)
	if err != nil {
		writeError(c, err)
		return
	}

	out := make(map[string]string, len(balances))
	for asset, v := range balances {
		out[asset] = core.FromStroops(v).String()
	}
	c.JSON(http.StatusOK, gin.H{"account": account, "balances": out})
}

// Allocations lists the credit issuances to a beneficiary
func (h *LedgerHandlers) Allocations(c *gin.Context) {
	beneficiary := c.Param("beneficiary")
	allocs, err := h.pipeline.AllocationsOf(c.Request.Context(), beneficiary)
	if err != nil {
		writeError(c, err)
		return
	}

	type allocationView struct {
		Issuer    string     `json:"issuer"`
		Amount    string     `json:"amount"`
		Purpose   string     `json:"purpose"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
		Ledger    uint32     `json:"ledger"`
	}
	out := make([]allocationView, 0, len(allocs))
	for _, a := range allocs {
		v := allocationView{
			Issuer:  a.Issuer,
			Amount:  core.FromStroops(a.Amount).String(),
			Purpose: a.Purpose,
			Ledger:  a.LedgerSeq,
		}
		if !a.ExpiresAt.IsZero() {
			exp := a.ExpiresAt
			v.ExpiresAt = &exp
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"beneficiary": beneficiary, "allocations": out})
}

// TotalIssued returns the credits issued so far
func (h *LedgerHandlers) TotalIssued(c *gin.Context) {
	total, err := h.pipeline.TotalIssued(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_issued": core.FromStroops(total).String()})
}
