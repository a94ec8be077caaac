package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleGatewayWebhook ingests gateway deliveries. Anything the dispatcher
// acknowledges returns 200 so the gateway stops retrying; only signature
// failures and storage errors surface as non-2xx.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.webhooks.Dispatch(c.Request.Context(), payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
