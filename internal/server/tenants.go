package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

type usageRequest struct {
	Amount      int64                 `json:"amount"`
	Description string                `json:"description"`
	Metadata    ledgerdomain.Metadata `json:"metadata"`
}

func tenantIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid tenant id"))
		return 0, false
	}
	return id, true
}

func (s *Server) GetBalance(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}

	balance, err := s.ledger.CurrentBalance(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenant_id": tenantID.String(),
		"balance":   balance,
	})
}

func (s *Server) ListTransactions(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}
	pageSize, err := parseOptionalInt(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
		return
	}
	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}

	filter := ledgerdomain.HistoryFilter{
		TenantID:  tenantID,
		Type:      ledgerdomain.TransactionType(strings.ToLower(strings.TrimSpace(c.Query("type")))),
		PageToken: c.Query("page_token"),
		PageSize:  pageSize,
	}
	if from != nil {
		filter.From = *from
	}
	if to != nil {
		filter.To = *to
	}

	page, err := s.ledger.History(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// RecordUsage deducts credits. Insufficient credits answer 402 with the numbers
// a client needs to prompt a top-up.
func (s *Server) RecordUsage(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}
	var req usageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	deducted, err := s.credits.DeductCredits(ctx, tenantID, req.Amount, strings.TrimSpace(req.Description), req.Metadata)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !deducted {
		check, err := s.credits.CheckCredits(ctx, tenantID, req.Amount)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusPaymentRequired, insufficientCreditsResponse{
			Error: errorPayload{
				Type:    "insufficient_credits",
				Message: "insufficient credits",
			},
			CreditsAvailable:      check.CreditsAvailable,
			EstimatedTokensNeeded: check.EstimatedTokensNeeded,
			CreditsNeeded:         check.CreditsNeeded,
		})
		return
	}

	balance, err := s.ledger.CurrentBalance(ctx, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deducted": true,
		"balance":  balance,
	})
}

func (s *Server) CheckCredits(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}
	estimated, err := parseOptionalInt64(c.Query("estimated_tokens"))
	if err != nil {
		AbortWithError(c, newValidationError("estimated_tokens", "invalid_estimated_tokens", "invalid estimated tokens"))
		return
	}
	var tokens int64
	if estimated != nil {
		tokens = *estimated
	}

	check, err := s.credits.CheckCredits(c.Request.Context(), tenantID, tokens)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

func (s *Server) ListBillingHistory(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	items, err := s.webhooks.History(c.Request.Context(), tenantID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetEngineAnalytics(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}
	from, to, err := parseWindow(c.Query("from"), c.Query("to"), s.clock.Now())
	if err != nil {
		AbortWithError(c, newValidationError("window", "invalid_window", "invalid time window"))
		return
	}

	report, err := s.credits.GetEngineUsageAnalytics(c.Request.Context(), tenantID, from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) GetUsageAnalytics(c *gin.Context) {
	tenantID, ok := tenantIDParam(c)
	if !ok {
		return
	}
	from, to, err := parseWindow(c.Query("from"), c.Query("to"), s.clock.Now())
	if err != nil {
		AbortWithError(c, newValidationError("window", "invalid_window", "invalid time window"))
		return
	}

	summary, err := s.analytics.Summarize(c.Request.Context(), tenantID, from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
