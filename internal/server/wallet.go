package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	walletdomain "github.com/tablierhq/tablier/internal/wallet/domain"
)

func (s *Server) PurchaseCredits(c *gin.Context) {
	var req walletdomain.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	txn, err := s.wallets.Purchase(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (s *Server) GetWalletBalance(c *gin.Context) {
	restaurantID, ok := pathID(c, "restaurant_id")
	if !ok {
		return
	}

	balance, err := s.wallets.Balance(c.Request.Context(), restaurantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"restaurant_id": restaurantID,
		"balance":       balance,
	})
}

func (s *Server) ListWalletTransactions(c *gin.Context) {
	restaurantID, ok := pathID(c, "restaurant_id")
	if !ok {
		return
	}

	txns, err := s.wallets.Transactions(c.Request.Context(), restaurantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}
