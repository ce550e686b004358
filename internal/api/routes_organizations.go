package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/weddingdesk/internal/handlers"
)

func registerOrganizationRoutes(api *gin.RouterGroup, h *handlers.OrganizationHandler) {
	api.POST("/organizations", h.Create)

	org := api.Group("/organizations/:orgID")
	{
		org.GET("", h.Get)
		org.PUT("/status", h.SetStatus)
		org.GET("/entitlements/:feature", h.Entitlement)
		org.GET("/usage", h.Usage)
		org.GET("/ledger", h.Ledger)
		org.POST("/credits", h.TopUp)
		org.PUT("/features/:feature", h.SetFeature)
		org.PUT("/limits/:limit", h.SetLimit)
	}
}

func registerFeatureFlagRoutes(api *gin.RouterGroup, h *handlers.FeatureFlagHandler) {
	flags := api.Group("/feature-flags")
	{
		flags.GET("/:name", h.Get)
		flags.PUT("/:name", h.Update)
	}
}
