package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	billingeventdomain "github.com/tablierhq/tablier/internal/billingevent/domain"
)

const signatureHeader = "X-Webhook-Signature"

// IngestPaymentWebhook persists the provider event and acknowledges.
// Events are applied asynchronously by the dispatcher job.
func (s *Server) IngestPaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, billingeventdomain.ErrMalformedEvent)
		return
	}

	event, err := s.billingEvents.Ingest(c.Request.Context(), body, c.GetHeader(signatureHeader))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":     event.ID,
		"status": event.Status,
	})
}
