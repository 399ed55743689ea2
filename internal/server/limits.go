package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	limitsdomain "github.com/smallbiznis/tokenmeter/internal/limits/domain"
)

// SetTenantLimit stores a tenant's token limit. Validation failures answer
// with the exact message in a flat {"error": ...} body, the contract the
// admin clients already parse.
func (s *Server) SetTenantLimit(c *gin.Context) {
	var req limitsdomain.SetLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	resp, err := s.limitssvc.SetLimit(c.Request.Context(), req)
	if err != nil {
		if isLimitValidationError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func isLimitValidationError(err error) bool {
	switch {
	case errors.Is(err, limitsdomain.ErrTenantRequired),
		errors.Is(err, limitsdomain.ErrLimitRequired),
		errors.Is(err, limitsdomain.ErrLimitNotInteger),
		errors.Is(err, limitsdomain.ErrLimitFractional),
		errors.Is(err, limitsdomain.ErrLimitNotPositive):
		return true
	default:
		return false
	}
}
