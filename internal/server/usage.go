package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	meterdomain "github.com/tablierhq/tablier/internal/meter/domain"
	"github.com/tablierhq/tablier/pkg/db/pagination"
	"go.uber.org/zap"
)

// CheckAndRecordUsage is the metered-feature hot path. Quota denials are
// 200 responses carrying a DENIED decision; only transport and validation
// problems surface as HTTP errors.
func (s *Server) CheckAndRecordUsage(c *gin.Context) {
	var req meterdomain.CheckAndRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if req.RestaurantID != "" {
		allowed, err := s.limiter.Allow(c.Request.Context(), req.RestaurantID)
		if err != nil {
			s.log.Warn("rate limiter check failed", zap.Error(err))
		} else if !allowed {
			AbortWithError(c, meterdomain.ErrRateLimited)
			return
		}
	}

	decision, err := s.meter.CheckAndRecord(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) ListUsageEvents(c *gin.Context) {
	restaurantID, ok := pathID(c, "restaurant_id")
	if !ok {
		return
	}
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	events, info, err := s.meter.ListEvents(c.Request.Context(), restaurantID, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events":    events,
		"page_info": info,
	})
}
