package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	tenantdomain "github.com/smallbiznis/creditledger/internal/tenant/domain"
	webhookdomain "github.com/smallbiznis/creditledger/internal/webhook/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
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

// insufficientCreditsResponse is the 402 body callers use to prompt a top-up.
type insufficientCreditsResponse struct {
	Error                 errorPayload `json:"error"`
	CreditsAvailable      int64        `json:"credits_available"`
	EstimatedTokensNeeded int64        `json:"estimated_tokens_needed"`
	CreditsNeeded         int64        `json:"credits_needed"`
}

var (
	ErrInternal         = errors.New("internal_error")
	ErrNotFound         = errors.New("not_found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidRequest   = errors.New("invalid_request")
	ErrInvalidSignature = errors.New("invalid_signature")
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

// validationSentinels are domain errors answered with 400. The sentinel text
// doubles as the public error code.
var validationSentinels = []error{
	ErrInvalidRequest,
	ledgerdomain.ErrInvalidAmount,
	ledgerdomain.ErrInvalidType,
	ledgerdomain.ErrInvalidTenant,
	ledgerdomain.ErrInvalidWindow,
	ledgerdomain.ErrInvalidMetadata,
	creditdomain.ErrInvalidTokens,
	webhookdomain.ErrInvalidEvent,
	pagination.ErrInvalidPageToken,
}

var notFoundSentinels = []error{
	ErrNotFound,
	ledgerdomain.ErrTenantNotFound,
	tenantdomain.ErrNotFound,
	webhookdomain.ErrEventNotFound,
	gorm.ErrRecordNotFound,
}

var conflictSentinels = []error{
	ErrConflict,
	webhookdomain.ErrNotReplayable,
}

func mapError(err error) (int, errorPayload) {
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}
	if sentinel := firstMatch(err, validationSentinels); sentinel != nil {
		code := sentinel.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{Field: validationErrorField(code), Code: code, Message: "invalid value"},
			},
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{Type: "invalid_signature", Message: "invalid signature"}
	case errors.Is(err, ledgerdomain.ErrOverdraft):
		return http.StatusPaymentRequired, errorPayload{Type: "insufficient_credits", Message: "insufficient credits"}
	case firstMatch(err, conflictSentinels) != nil:
		return http.StatusConflict, errorPayload{Type: "conflict", Message: "conflict"}
	case firstMatch(err, notFoundSentinels) != nil:
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}
	}
	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func firstMatch(err error, sentinels []error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "invalid_tenant":
		return "id"
	}
	return strings.TrimPrefix(code, "invalid_")
}

// classifyErrorForLog returns the error type and code without any internal detail.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
