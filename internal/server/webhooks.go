package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HandleStripeWebhook acknowledges every verified delivery with 200, including
// ones that were skipped or failed, so the provider does not retry them.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.stripe.Verify(payload, c.GetHeader(stripeSignatureHeader)); err != nil {
		s.log.Warn("stripe signature rejected", zap.Error(err))
		AbortWithError(c, ErrInvalidSignature)
		return
	}

	event, err := parseStripeEvent(payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// Process only errors when the delivery could not be recorded, and a
	// non-2xx lets the provider redeliver it.
	outcome, err := s.webhooks.Process(c.Request.Context(), event)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    outcome.Status,
		"duplicate": outcome.Duplicate,
	})
}

func (s *Server) ListFailedBillingEvents(c *gin.Context) {
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	items, err := s.webhooks.ListFailed(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) ReplayBillingEvent(c *gin.Context) {
	outcome, err := s.webhooks.Replay(c.Request.Context(), c.Param("provider"), c.Param("external_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": outcome})
}
