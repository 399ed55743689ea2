package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tokenmeter/internal/messaging"
)

// ListDLQ exposes parked messages for manual inspection. Defaults to the
// usage event stream's DLQ.
func (s *Server) ListDLQ(c *gin.Context) {
	stream := messaging.Stream(c.DefaultQuery("stream", string(s.eventStream)))

	limit := int64(50)
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}

	entries, err := messaging.ListDLQ(c.Request.Context(), s.redis, stream, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stream":  stream.DLQ(),
		"entries": entries,
		"count":   len(entries),
	})
}
