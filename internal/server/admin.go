package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tonescrow/internal/escrow"
	"github.com/mbd888/tonescrow/internal/logging"
	"github.com/mbd888/tonescrow/internal/ton"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 500
)

// adminAuth requires "Authorization: Bearer <ADMIN_SECRET>".
func (s *Server) adminAuth() gin.HandlerFunc {
	want := []byte(s.cfg.AdminSecret)
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "admin credentials required",
			})
			return
		}
		c.Next()
	}
}

// RecordView is the operator view of an escrow record. The signer never
// leaves the store.
type RecordView struct {
	TransactionID string              `json:"transactionId"`
	UserID        string              `json:"userId"`
	SellerAddress string              `json:"sellerAddress"`
	EscrowAddress string              `json:"escrowAddress"`
	Total         string              `json:"total"`
	Fee           string              `json:"fee"`
	SellerAmount  string              `json:"sellerAmount"`
	Status        escrow.RecordStatus `json:"status"`
	SellerPaid    bool                `json:"sellerPaid"`
	FeePaid       bool                `json:"feePaid"`
	Monitored     bool                `json:"monitored"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	FundedAt      *time.Time          `json:"fundedAt,omitempty"`
}

func (s *Server) recordView(r *escrow.Record) RecordView {
	return RecordView{
		TransactionID: r.TransactionID,
		UserID:        r.UserID,
		SellerAddress: r.SellerAddress,
		EscrowAddress: r.EscrowAddress,
		Total:         r.Amounts.Total().String(),
		Fee:           r.Amounts.Fee().String(),
		SellerAmount:  r.Amounts.Seller().String(),
		Status:        r.Status,
		SellerPaid:    r.SellerPaid,
		FeePaid:       r.FeePaid,
		Monitored:     s.monitor.Watching(r.TransactionID),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		FundedAt:      r.FundedAt,
	}
}

func (s *Server) listRecordsHandler(c *gin.Context) {
	status := escrow.RecordStatus(c.DefaultQuery("status", string(escrow.StatusWaitingPayment)))
	switch status {
	case escrow.StatusWaitingPayment, escrow.StatusReleased, escrow.StatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be waiting_payment, released or failed",
		})
		return
	}

	limit := defaultRecordLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(n, maxRecordLimit)
	}

	records, err := s.records.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list records", "status", status, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	views := make([]RecordView, 0, len(records))
	for _, r := range records {
		views = append(views, s.recordView(r))
	}
	c.JSON(http.StatusOK, gin.H{"records": views, "count": len(views)})
}

func (s *Server) getRecordHandler(c *gin.Context) {
	r, err := s.records.Get(c.Request.Context(), c.Param("tx"))
	if err != nil {
		s.adminError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.recordView(r))
}

func (s *Server) reconcileHandler(c *gin.Context) {
	txID := c.Param("tx")
	outcome, err := s.payouts.Reconcile(c.Request.Context(), txID)
	logging.L(c.Request.Context()).Info("operator reconcile", "transaction_id", txID, "outcome", outcome, "error", err)
	if err != nil && outcome == escrow.OutcomeNone {
		s.adminError(c, err)
		return
	}
	s.outcomeResponse(c, txID, outcome, err)
}

func (s *Server) retryHandler(c *gin.Context) {
	txID := c.Param("tx")
	outcome, err := s.payouts.RetryLegs(c.Request.Context(), txID)
	logging.L(c.Request.Context()).Info("operator retry", "transaction_id", txID, "outcome", outcome, "error", err)
	if err != nil && outcome == escrow.OutcomeNone {
		s.adminError(c, err)
		return
	}
	s.outcomeResponse(c, txID, outcome, err)
}

// outcomeResponse reports a payout attempt. A seller leg that still failed
// is a 502 but carries the outcome.
func (s *Server) outcomeResponse(c *gin.Context, txID string, outcome escrow.Outcome, err error) {
	body := gin.H{"transactionId": txID, "outcome": outcome}
	if err != nil {
		status, code := errorStatus(err)
		body["error"] = code
		body["message"] = err.Error()
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) adminError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("admin call failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"activeMonitors": s.monitor.Active(),
		"sessions":       s.sessions.Len(),
		"streams":        s.hub.Stats(),
		"walletMode":     s.cfg.WalletMode,
	})
}

// FundRequest credits a sandbox address.
type FundRequest struct {
	Address string `json:"address" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

func (s *Server) sandboxFundHandler(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, err := ton.ParseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	if err := s.sandbox.Fund(req.Address, amount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fund_rejected", "message": err.Error()})
		return
	}
	bal, _ := s.sandbox.GetBalance(c.Request.Context(), req.Address)
	c.JSON(http.StatusOK, gin.H{"address": req.Address, "balance": bal.String()})
}
