package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
	studentdomain "github.com/smallbiznis/feeledger/internal/student/domain"
)

const notReconciledWarning = "saved but not yet reconciled; retry reconciliation shortly"

func (s *Server) CreateStudent(c *gin.Context) {
	var req studentdomain.CreateStudentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.studentSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListStudents(c *gin.Context) {
	req := studentdomain.ListStudentRequest{
		PageToken: strings.TrimSpace(c.Query("page_token")),
		Status:    strings.TrimSpace(c.Query("status")),
	}
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			AbortWithError(c, newValidationError("page_size", "invalid_page_size", "page size must be a positive number"))
			return
		}
		req.PageSize = size
	}

	resp, err := s.studentSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Students,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetStudent(c *gin.Context) {
	resp, err := s.studentSvc.Get(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateStudent(c *gin.Context) {
	var req studentdomain.UpdateStudentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.StudentID = c.Param("studentId")

	resp, err := s.studentSvc.Update(c.Request.Context(), req)
	respondSaved(c, http.StatusOK, resp, err)
}

func (s *Server) DeleteStudent(c *gin.Context) {
	if err := s.studentSvc.Delete(c.Request.Context(), c.Param("studentId")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) ListStudentPayments(c *gin.Context) {
	resp, err := s.paymentSvc.ListByStudent(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) StudentSummary(c *gin.Context) {
	resp, err := s.reconciler.Summarize(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ReconcileStudent(c *gin.Context) {
	resp, err := s.reconciler.Reconcile(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// respondSaved writes a mutation result. A write that landed without its
// reconciliation is answered with 202 and a warning instead of an error.
func respondSaved(c *gin.Context, status int, data any, err error) {
	if err != nil && errors.Is(err, paymentdomain.ErrNotReconciled) {
		c.JSON(http.StatusAccepted, gin.H{"data": data, "warning": notReconciledWarning})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(status, gin.H{"data": data})
}
