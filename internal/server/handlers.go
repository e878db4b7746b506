package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tonescrow/internal/escrow"
	"github.com/mbd888/tonescrow/internal/logging"
	"github.com/mbd888/tonescrow/internal/notify"
)

// MessageRequest is one text message from a user.
type MessageRequest struct {
	Text string `json:"text"`
	// SentAt is when the user sent the message; inputs older than the
	// staleness window are dropped. Optional.
	SentAt *time.Time `json:"sentAt,omitempty"`
}

// ReplyResponse is the machine's answer to one user call.
type ReplyResponse struct {
	Reply string      `json:"reply"`
	Step  escrow.Step `json:"step,omitempty"`
	Error string      `json:"error,omitempty"`
}

// errorStatus maps an escrow error onto an HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, escrow.ErrInvalidAddress):
		return http.StatusUnprocessableEntity, "invalid_address"
	case errors.Is(err, escrow.ErrSelfDealing):
		return http.StatusUnprocessableEntity, "self_dealing"
	case errors.Is(err, escrow.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, "invalid_amount"
	case errors.Is(err, escrow.ErrUnexpectedInput):
		return http.StatusConflict, "unexpected_input"
	case errors.Is(err, escrow.ErrConflict):
		return http.StatusConflict, "escrow_in_progress"
	case errors.Is(err, escrow.ErrNoSession):
		return http.StatusNotFound, "no_session"
	case errors.Is(err, escrow.ErrSessionExpired):
		return http.StatusGone, "session_expired"
	case errors.Is(err, escrow.ErrStaleInput):
		return http.StatusRequestTimeout, "stale_input"
	case errors.Is(err, escrow.ErrProvision):
		return http.StatusServiceUnavailable, "provision_failed"
	case errors.Is(err, escrow.ErrRecordNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, escrow.ErrAlreadyResolved):
		return http.StatusConflict, "already_resolved"
	case errors.Is(err, escrow.ErrNotFunded):
		return http.StatusConflict, "not_funded"
	case errors.Is(err, escrow.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, escrow.ErrOracleTransient):
		return http.StatusBadGateway, "balance_unavailable"
	case errors.Is(err, escrow.ErrPayoutFailure):
		return http.StatusBadGateway, "payout_failed"
	case errors.Is(err, escrow.ErrConsistency):
		return http.StatusInternalServerError, "consistency_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) reply(c *gin.Context, r escrow.Reply, err error) {
	if err == nil {
		c.JSON(http.StatusOK, ReplyResponse{Reply: r.Text, Step: r.Step})
		return
	}

	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("escrow call failed", "user_id", c.Param("user"), "error", err)
	}
	if r.Text == "" {
		r.Text = "Something went wrong. Please try again later."
	}
	c.JSON(status, ReplyResponse{Reply: r.Text, Step: r.Step, Error: code})
}

func (s *Server) helpHandler(c *gin.Context) {
	r := s.machine.Help()
	c.JSON(http.StatusOK, ReplyResponse{Reply: r.Text, Step: r.Step})
}

func (s *Server) startHandler(c *gin.Context) {
	r, err := s.machine.Start(c.Request.Context(), c.Param("user"))
	s.reply(c, r, err)
}

func (s *Server) messageHandler(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body must be JSON with a text field",
		})
		return
	}

	in := escrow.Input{UserID: c.Param("user"), Text: req.Text}
	if req.SentAt != nil {
		in.ReceivedAt = *req.SentAt
	}
	r, err := s.machine.HandleInput(c.Request.Context(), in)
	s.reply(c, r, err)
}

func (s *Server) resetHandler(c *gin.Context) {
	r, err := s.machine.Reset(c.Request.Context(), c.Param("user"))
	s.reply(c, r, err)
}

func (s *Server) sessionHandler(c *gin.Context) {
	sess, err := s.machine.Session(c.Request.Context(), c.Param("user"))
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code})
		return
	}
	c.JSON(http.StatusOK, sessionView(sess))
}

func (s *Server) noticesHandler(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_since",
				"message": "since must be an RFC 3339 timestamp",
			})
			return
		}
		since = t
	}

	notices := s.mailbox.Recent(c.Param("user"), since)
	if notices == nil {
		notices = []notify.Notice{}
	}
	c.JSON(http.StatusOK, gin.H{"notices": notices})
}

// SessionView is the public shape of a session.
type SessionView struct {
	UserID        string      `json:"userId"`
	Step          escrow.Step `json:"step"`
	SellerAddress string      `json:"sellerAddress,omitempty"`
	Total         string      `json:"total,omitempty"`
	Fee           string      `json:"fee,omitempty"`
	SellerAmount  string      `json:"sellerAmount,omitempty"`
	TransactionID string      `json:"transactionId,omitempty"`
	EscrowAddress string      `json:"escrowAddress,omitempty"`
	StartedAt     time.Time   `json:"startedAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

func sessionView(s *escrow.Session) SessionView {
	v := SessionView{
		UserID:        s.UserID,
		Step:          s.Step,
		SellerAddress: s.SellerAddress,
		TransactionID: s.TransactionID,
		EscrowAddress: s.EscrowAddress,
		StartedAt:     s.StartedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if !s.Amounts.IsZero() {
		v.Total = s.Amounts.Total().String()
		v.Fee = s.Amounts.Fee().String()
		v.SellerAmount = s.Amounts.Seller().String()
	}
	return v
}
