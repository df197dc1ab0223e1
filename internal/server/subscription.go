package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
)

func (s *Server) CreateSubscription(c *gin.Context) {
	var req subscriptiondomain.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	sub, err := s.subscriptions.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) GetSubscription(c *gin.Context) {
	restaurantID, ok := pathID(c, "restaurant_id")
	if !ok {
		return
	}

	sub, err := s.subscriptions.GetByRestaurantID(c.Request.Context(), restaurantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) ChangePlan(c *gin.Context) {
	var req subscriptiondomain.ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	sub, err := s.subscriptions.ChangePlan(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) CancelSubscription(c *gin.Context) {
	var req struct {
		RestaurantID string `json:"restaurant_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	restaurantID, err := parseRestaurantID(req.RestaurantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptions.Cancel(c.Request.Context(), restaurantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) ListUsageCounters(c *gin.Context) {
	restaurantID, ok := pathID(c, "restaurant_id")
	if !ok {
		return
	}

	sub, err := s.subscriptions.GetByRestaurantID(c.Request.Context(), restaurantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	counters, err := s.subscriptions.CountersFor(c.Request.Context(), sub.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscription_id": sub.ID,
		"period_start":    sub.CurrentPeriodStart,
		"period_end":      sub.CurrentPeriodEnd,
		"counters":        counters,
	})
}
