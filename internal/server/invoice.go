package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetInvoice(c *gin.Context) {
	invoiceID, ok := pathID(c, "invoice_id")
	if !ok {
		return
	}

	inv, err := s.invoices.GetByID(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) ListInvoices(c *gin.Context) {
	restaurantID, ok := pathID(c, "restaurant_id")
	if !ok {
		return
	}

	invoices, err := s.invoices.ListForRestaurant(c.Request.Context(), restaurantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}
