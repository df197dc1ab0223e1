package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	analyticsdomain "github.com/tablierhq/tablier/internal/analytics/domain"
	billingeventdomain "github.com/tablierhq/tablier/internal/billingevent/domain"
	invoicedomain "github.com/tablierhq/tablier/internal/invoice/domain"
	meterdomain "github.com/tablierhq/tablier/internal/meter/domain"
	plandomain "github.com/tablierhq/tablier/internal/plan/domain"
	"github.com/tablierhq/tablier/internal/providers/payment"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	walletdomain "github.com/tablierhq/tablier/internal/wallet/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var ErrInvalidRequest = errors.New("invalid_request")

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

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Code:    validationCode(err),
		}
	case errors.Is(err, billingeventdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "invalid webhook signature",
		}
	case errors.Is(err, walletdomain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "not enough wallet credits",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
			Code:    err.Error(),
		}
	case errors.Is(err, meterdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, meterdomain.ErrStoreUnavailable),
		errors.Is(err, payment.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, meterdomain.ErrInvalidRestaurant),
		errors.Is(err, meterdomain.ErrInvalidFeature),
		errors.Is(err, meterdomain.ErrInvalidQuantity),
		errors.Is(err, meterdomain.ErrInvalidIdempotencyKey),
		errors.Is(err, walletdomain.ErrInvalidRestaurant),
		errors.Is(err, walletdomain.ErrInvalidAmount),
		errors.Is(err, walletdomain.ErrInvalidIdempotencyKey),
		errors.Is(err, subscriptiondomain.ErrInvalidRestaurant),
		errors.Is(err, subscriptiondomain.ErrInvalidPlan),
		errors.Is(err, plandomain.ErrInvalidPlanCode),
		errors.Is(err, plandomain.ErrUnknownFeature),
		errors.Is(err, billingeventdomain.ErrMalformedEvent),
		errors.Is(err, billingeventdomain.ErrUnknownEventType):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, analyticsdomain.ErrSnapshotNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, subscriptiondomain.ErrSubscriptionExists),
		errors.Is(err, subscriptiondomain.ErrSubscriptionCanceled),
		errors.Is(err, subscriptiondomain.ErrInvalidTransition),
		errors.Is(err, subscriptiondomain.ErrInvalidStatus),
		errors.Is(err, subscriptiondomain.ErrVersionConflict),
		errors.Is(err, subscriptiondomain.ErrConcurrencyConflict),
		errors.Is(err, subscriptiondomain.ErrStalePaymentEvent),
		errors.Is(err, invoicedomain.ErrInvalidInvoiceStatus):
		return true
	default:
		return false
	}
}

func validationCode(err error) string {
	code := err.Error()
	if idx := strings.IndexByte(code, ':'); idx > 0 {
		code = code[:idx]
	}
	return code
}
