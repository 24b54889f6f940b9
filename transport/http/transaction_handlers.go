package http

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/service"
)

// TransactionHandlers contains HTTP handlers for pending transactions
type TransactionHandlers struct {
	coordinator *service.Coordinator
}

// NewTransactionHandlers creates new transaction handlers
func NewTransactionHandlers(coordinator *service.Coordinator) *TransactionHandlers {
	return &TransactionHandlers{coordinator: coordinator}
}

type signatureView struct {
	Signer   string    `json:"signer"`
	SignedAt time.Time `json:"signed_at"`
}

type attemptView struct {
	Number     int                 `json:"attempt"`
	StartedAt  time.Time           `json:"started_at"`
	Outcome    core.AttemptOutcome `json:"outcome"`
	LedgerHash string              `json:"ledger_hash,omitempty"`
	Detail     string              `json:"detail,omitempty"`
}

type transactionView struct {
	ID                 string                `json:"id"`
	Status             core.TxStatus         `json:"status"`
	OperationClass     core.OperationClass   `json:"operation_class"`
	OperationPayload   core.OperationPayload `json:"operation_payload"`
	AuthorizingAccount string                `json:"authorizing_account"`
	Envelope           string                `json:"envelope"`
	CreatedBy          string                `json:"created_by"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
	Signatures         []signatureView       `json:"signatures"`
	LedgerHash         string                `json:"ledger_hash,omitempty"`
	FailureReason      string                `json:"failure_reason,omitempty"`
	Attempts           []attemptView         `json:"attempts"`
}

func newTransactionView(r *service.StatusReport) transactionView {
	pt := r.Transaction
	v := transactionView{
		ID:                 pt.ID,
		Status:             pt.Status,
		OperationClass:     pt.Class,
		OperationPayload:   pt.Payload,
		AuthorizingAccount: pt.AuthorizingAccount,
		Envelope:           pt.Envelope,
		CreatedBy:          pt.CreatedBy,
		CreatedAt:          pt.CreatedAt.UTC(),
		UpdatedAt:          pt.UpdatedAt.UTC(),
		Signatures:         make([]signatureView, 0, len(pt.Approvals)),
		LedgerHash:         pt.LedgerHash,
		FailureReason:      pt.FailureReason,
		Attempts:           make([]attemptView, 0, len(r.Attempts)),
	}
	for _, a := range pt.Approvals {
		v.Signatures = append(v.Signatures, signatureView{Signer: a.Signer, SignedAt: a.SignedAt.UTC()})
	}
	for _, a := range r.Attempts {
		v.Attempts = append(v.Attempts, attemptView{
			Number:     a.AttemptNumber,
			StartedAt:  a.StartedAt.UTC(),
			Outcome:    a.Outcome,
			LedgerHash: a.LedgerHash,
			Detail:     a.Detail,
		})
	}
	return v
}

// Create stores a new pending transaction
func (h *TransactionHandlers) Create(c *gin.Context) {
	var req struct {
		OperationClass   string                `json:"operation_class" binding:"required"`
		OperationPayload core.OperationPayload `json:"operation_payload"`
		CreatorIdentity  string                `json:"creator_identity" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		if core.KindOf(err) == core.KindInvalidPayload {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if !requireSubject(c, req.CreatorIdentity) {
		return
	}

	pt, err := h.coordinator.CreatePendingTransaction(c.Request.Context(), req.OperationClass, req.OperationPayload, req.CreatorIdentity)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"pending_transaction_id": pt.ID,
		"envelope":               pt.Envelope,
		"operation_class":        pt.Class,
	})
}

// Sign applies one signature to a pending transaction
func (h *TransactionHandlers) Sign(c *gin.Context) {
	var req struct {
		SignerIdentity string `json:"signer_identity" binding:"required"`
		Signature      string `json:"signature" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if !requireSubject(c, req.SignerIdentity) {
		return
	}

	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeError(c, core.Wrap(core.KindInvalidSignature, err, "signature is not base64"))
		return
	}

	res, err := h.coordinator.SignTransaction(c.Request.Context(), c.Param("id"), req.SignerIdentity, sig)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          res.Status,
		"current_weight":  res.CurrentWeight,
		"required_weight": res.RequiredWeight,
	})
}

// Get returns a pending transaction with its signatures and attempts
func (h *TransactionHandlers) Get(c *gin.Context) {
	report, err := h.coordinator.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTransactionView(report))
}

// Reconcile polls the ledger again for a transaction left submitted
func (h *TransactionHandlers) Reconcile(c *gin.Context) {
	report, err := h.coordinator.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTransactionView(report))
}
