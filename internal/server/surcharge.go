package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetSurcharge(c *gin.Context) {
	engineType := strings.TrimSpace(c.Query("engine_type"))
	actionCount, err := parseOptionalInt64(c.Query("action_count"))
	if err != nil {
		AbortWithError(c, newValidationError("action_count", "invalid_action_count", "invalid action count"))
		return
	}
	var count int64
	if actionCount != nil {
		count = *actionCount
	}

	c.JSON(http.StatusOK, gin.H{
		"engine_type":  engineType,
		"action_count": count,
		"surcharge":    s.credits.CalculateMcpSurcharge(engineType, count),
	})
}
