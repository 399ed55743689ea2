package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tokenmeter/internal/config"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"github.com/smallbiznis/tokenmeter/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

// PublishUsageEvent is the producer boundary: it validates the report, gates
// it on the tenant's quota, and appends it to the event stream. The consumers
// do the durable work; a 202 here only means "queued".
func (s *Server) PublishUsageEvent(c *gin.Context) {
	ctx := c.Request.Context()

	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	tenantID, _ := payload["tenant_id"].(string)
	if tenantID == "" {
		tenantID = config.DefaultTenantID
	}

	if s.publishLimiter.Enabled() {
		result, err := s.publishLimiter.Allow(ctx, tenantID)
		if err != nil {
			// Rate limiting is advisory; a broken limiter must not block
			// usage reporting.
			ctxlogger.WithContext(ctx, s.log).Error("publish rate limit check failed", zap.Error(err))
		} else if !result.Allowed {
			if s.metrics != nil {
				s.metrics.IncPublishRateLimited()
			}
			c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())+1))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
	}

	decision := s.quotasvc.Check(ctx, tenantID)
	if !decision.Allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":        "Token limit exceeded",
			"tenant_id":    decision.TenantID,
			"total_tokens": decision.TotalTokens,
			"token_limit":  decision.TokenLimit,
		})
		return
	}

	if _, ok := payload["id"]; !ok {
		payload["id"] = s.genID.Generate().String()
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = strconv.FormatInt(time.Now().UTC().Unix(), 10)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	// Reject messages the ingest consumer would refuse, instead of letting
	// them bounce through the retry path into the DLQ.
	if _, err := usagedomain.ParseEvent(body); err != nil {
		AbortWithError(c, err)
		return
	}

	messageID, err := s.producer.Publish(ctx, s.eventStream, body)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted":   true,
		"event_id":   payload["id"],
		"message_id": messageID,
	})
}

// ListTenantUsage returns every tenant's aggregate totals.
func (s *Server) ListTenantUsage(c *gin.Context) {
	rows, err := s.aggregatesvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"usage": rows,
		"count": len(rows),
	})
}
