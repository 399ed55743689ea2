package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetTenantQuota reports whether the tenant may keep consuming tokens.
func (s *Server) GetTenantQuota(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	decision := s.quotasvc.Check(c.Request.Context(), tenantID)
	c.JSON(http.StatusOK, decision)
}
