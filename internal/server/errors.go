package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/feeledger/internal/events"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
	statisticsdomain "github.com/smallbiznis/feeledger/internal/statistics/domain"
	studentdomain "github.com/smallbiznis/feeledger/internal/student/domain"
	"github.com/smallbiznis/feeledger/pkg/db"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var balanceErr *paymentdomain.BalanceExceededError
	if errors.As(err, &balanceErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   "amount",
					Code:    paymentdomain.ErrAmountExceedsBalance.Error(),
					Message: balanceErr.Error(),
				},
			},
		}
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		out := make([]ValidationError, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			field := snakeCase(fe.Field())
			out = append(out, ValidationError{
				Field:   field,
				Code:    "invalid_" + field,
				Message: "failed " + fe.Tag() + " check",
			})
		}
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  out,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: notFoundMessage(err),
		}
	case errors.Is(err, studentdomain.ErrStudentExists):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "a student with this id already exists",
		}
	case errors.Is(err, paymentdomain.ErrAlreadyPaid):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "payment is already recorded as paid",
		}
	case errors.Is(err, db.ErrStoreUnavailable),
		errors.Is(err, events.ErrHubUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "ledger is temporarily unavailable, please retry",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog reports the error type and code written to the request log.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return true
	case isStudentValidationError(err),
		isPaymentValidationError(err),
		errors.Is(err, statisticsdomain.ErrInvalidOrganization),
		errors.Is(err, events.ErrInvalidOrg),
		errors.Is(err, events.ErrUnknownType):
		return true
	default:
		return false
	}
}

func isStudentValidationError(err error) bool {
	switch {
	case errors.Is(err, studentdomain.ErrInvalidOrganization),
		errors.Is(err, studentdomain.ErrInvalidStudentID),
		errors.Is(err, studentdomain.ErrInvalidName),
		errors.Is(err, studentdomain.ErrInvalidEmail),
		errors.Is(err, studentdomain.ErrInvalidTotalFees),
		errors.Is(err, studentdomain.ErrTotalBelowPaid),
		errors.Is(err, studentdomain.ErrInvalidPageToken),
		errors.Is(err, studentdomain.ErrInvalidStatus):
		return true
	default:
		return false
	}
}

func isPaymentValidationError(err error) bool {
	switch {
	case errors.Is(err, paymentdomain.ErrInvalidOrganization),
		errors.Is(err, paymentdomain.ErrInvalidID),
		errors.Is(err, paymentdomain.ErrInvalidStudentID),
		errors.Is(err, paymentdomain.ErrInvalidAmount),
		errors.Is(err, paymentdomain.ErrInvalidDueDate),
		errors.Is(err, paymentdomain.ErrInvalidMethod),
		errors.Is(err, paymentdomain.ErrInvalidPaidDate),
		errors.Is(err, paymentdomain.ErrAmountExceedsBalance),
		errors.Is(err, paymentdomain.ErrNotPaid):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, studentdomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrStudentNotFound):
		return true
	default:
		return false
	}
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, studentdomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrStudentNotFound):
		return "student not found"
	case errors.Is(err, paymentdomain.ErrNotFound):
		return "payment not found"
	default:
		return "not found"
	}
}

// validationErrorCode picks the sentinel in err's chain. Wrapped messages
// carry extra context, so the first matching domain sentinel wins.
func validationErrorCode(err error) string {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

var validationSentinels = []error{
	ErrInvalidRequest,
	studentdomain.ErrTotalBelowPaid,
	studentdomain.ErrInvalidOrganization,
	studentdomain.ErrInvalidStudentID,
	studentdomain.ErrInvalidName,
	studentdomain.ErrInvalidEmail,
	studentdomain.ErrInvalidTotalFees,
	studentdomain.ErrInvalidPageToken,
	studentdomain.ErrInvalidStatus,
	paymentdomain.ErrNotPaid,
	paymentdomain.ErrAmountExceedsBalance,
	paymentdomain.ErrInvalidOrganization,
	paymentdomain.ErrInvalidStudentID,
	paymentdomain.ErrInvalidID,
	paymentdomain.ErrInvalidAmount,
	paymentdomain.ErrInvalidDueDate,
	paymentdomain.ErrInvalidMethod,
	paymentdomain.ErrInvalidPaidDate,
	statisticsdomain.ErrInvalidOrganization,
	events.ErrInvalidOrg,
	events.ErrUnknownType,
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case studentdomain.ErrTotalBelowPaid.Error():
		return "total_fees"
	case paymentdomain.ErrNotPaid.Error():
		return "status"
	case paymentdomain.ErrAmountExceedsBalance.Error():
		return "amount"
	case events.ErrInvalidOrg.Error():
		return "organization"
	case events.ErrUnknownType.Error():
		return "types"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case studentdomain.ErrTotalBelowPaid.Error():
		return "total fees cannot be lower than the amount already paid"
	case paymentdomain.ErrNotPaid.Error():
		return "paid date and method can only be changed on a paid payment"
	case studentdomain.ErrInvalidPageToken.Error():
		return "page token is not valid"
	case events.ErrUnknownType.Error():
		return "unknown event type"
	case "invalid_organization", events.ErrInvalidOrg.Error():
		return "X-Org-ID header is required"
	default:
		return "invalid value"
	}
}

func snakeCase(name string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range name {
		upper := r >= 'A' && r <= 'Z'
		if upper {
			if prevLower {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		prevLower = !upper
		b.WriteRune(r)
	}
	return b.String()
}
