package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetChurnRisk(c *gin.Context) {
	restaurantID, ok := pathID(c, "restaurant_id")
	if !ok {
		return
	}

	risk, err := s.analytics.ChurnRisk(c.Request.Context(), restaurantID, time.Now().UTC())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"restaurant_id": restaurantID,
		"churn_risk":    risk,
	})
}

func (s *Server) GetCLV(c *gin.Context) {
	restaurantID, ok := pathID(c, "restaurant_id")
	if !ok {
		return
	}

	clv, err := s.analytics.EstimateCLV(c.Request.Context(), restaurantID, time.Now().UTC())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"restaurant_id": restaurantID,
		"clv":           clv,
	})
}

func (s *Server) GetRevenueSnapshot(c *gin.Context) {
	restaurantID, ok := pathID(c, "restaurant_id")
	if !ok {
		return
	}

	snapshot, err := s.analytics.LatestSnapshot(c.Request.Context(), restaurantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) GetRevenueForecast(c *gin.Context) {
	forecast, err := s.analytics.ForecastRevenue(c.Request.Context(), time.Now().UTC())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"forecast_next_month": forecast})
}
