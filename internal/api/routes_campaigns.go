package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/weddingdesk/internal/handlers"
)

func registerCampaignRoutes(api *gin.RouterGroup, h *handlers.CampaignHandler) {
	campaigns := api.Group("/campaigns")
	{
		campaigns.POST("", h.Create)
		campaigns.GET("/:id", h.Get)
		campaigns.POST("/:id/admit", h.Admit)
		campaigns.POST("/:id/cancel", h.Cancel)
		campaigns.GET("/:id/stats", h.Stats)
		campaigns.GET("/:id/deliveries", h.Deliveries)
		campaigns.GET("/:id/stream", h.Stream)
	}
}

func registerWebhookRoutes(r *gin.Engine, h *handlers.WebhookHandler) {
	webhooks := r.Group("/webhooks/messaging")
	{
		webhooks.POST("/status", h.MessageStatus)
	}
}
