package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
)

// Dates arrive as calendar days from the UI; full timestamps are accepted too.
var dateLayouts = []string{"2006-01-02", time.RFC3339}

type addPaymentRequest struct {
	StudentID string          `json:"student_id"`
	Amount    decimal.Decimal `json:"amount"`
	DueDate   string          `json:"due_date"`
	Method    string          `json:"method"`
	ReceiptID string          `json:"receipt_id"`
	Note      string          `json:"note"`
}

type updatePaymentRequest struct {
	Amount   *decimal.Decimal `json:"amount"`
	DueDate  *string          `json:"due_date"`
	PaidDate *string          `json:"paid_date"`
	Method   *string          `json:"method"`
	Note     *string          `json:"note"`
}

type recordPaymentRequest struct {
	Method    string `json:"method"`
	ReceiptID string `json:"receipt_id"`
}

func (s *Server) AddPayment(c *gin.Context) {
	var req addPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var dueDate time.Time
	if strings.TrimSpace(req.DueDate) != "" {
		parsed, err := parseDate(req.DueDate)
		if err != nil {
			AbortWithError(c, paymentdomain.ErrInvalidDueDate)
			return
		}
		dueDate = parsed
	}

	resp, err := s.paymentSvc.AddPayment(c.Request.Context(), paymentdomain.AddPaymentRequest{
		StudentID: req.StudentID,
		Amount:    req.Amount,
		DueDate:   dueDate,
		Method:    req.Method,
		ReceiptID: req.ReceiptID,
		Note:      req.Note,
	})
	respondSaved(c, http.StatusCreated, resp, err)
}

func (s *Server) GetPayment(c *gin.Context) {
	resp, err := s.paymentSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdatePayment(c *gin.Context) {
	var req updatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	update := paymentdomain.UpdatePaymentRequest{
		PaymentID: c.Param("id"),
		Amount:    req.Amount,
		Method:    req.Method,
		Note:      req.Note,
	}
	if req.DueDate != nil {
		parsed, err := parseDate(*req.DueDate)
		if err != nil {
			AbortWithError(c, paymentdomain.ErrInvalidDueDate)
			return
		}
		update.DueDate = &parsed
	}
	if req.PaidDate != nil {
		parsed, err := parseDate(*req.PaidDate)
		if err != nil {
			AbortWithError(c, paymentdomain.ErrInvalidPaidDate)
			return
		}
		update.PaidDate = &parsed
	}

	resp, err := s.paymentSvc.UpdatePayment(c.Request.Context(), update)
	respondSaved(c, http.StatusOK, resp, err)
}

func (s *Server) DeletePayment(c *gin.Context) {
	err := s.paymentSvc.DeletePayment(c.Request.Context(), c.Param("id"))
	switch {
	case err != nil && errors.Is(err, paymentdomain.ErrNotReconciled):
		c.JSON(http.StatusAccepted, gin.H{"warning": notReconciledWarning})
	case err != nil:
		AbortWithError(c, err)
	default:
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) RecordPayment(c *gin.Context) {
	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.paymentSvc.RecordPayment(c.Request.Context(), paymentdomain.RecordPaymentRequest{
		PaymentID: c.Param("id"),
		Method:    req.Method,
		ReceiptID: req.ReceiptID,
	})
	respondSaved(c, http.StatusOK, resp, err)
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var lastErr error
	for _, layout := range dateLayouts {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			return parsed.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
