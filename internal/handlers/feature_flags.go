package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/weddingdesk/internal/services"
	"github.com/charlesng35/weddingdesk/pkg/errors"
	"github.com/charlesng35/weddingdesk/pkg/response"
)

// FeatureFlagHandler administers global feature flags.
type FeatureFlagHandler struct {
	entitlements *services.EntitlementService
}

func NewFeatureFlagHandler(entitlements *services.EntitlementService) (*FeatureFlagHandler, error) {
	if entitlements == nil {
		return nil, fmt.Errorf("feature flag handler: entitlement service is required")
	}
	return &FeatureFlagHandler{entitlements: entitlements}, nil
}

type setFlagRequest struct {
	Description   *string   `json:"description" validate:"omitempty,max=255"`
	GlobalEnabled *bool     `json:"global_enabled"`
	Whitelist     *[]string `json:"whitelist"`
	Blacklist     *[]string `json:"blacklist"`
}

// GET /api/feature-flags/:name
func (h *FeatureFlagHandler) Get(c *gin.Context) {
	flag, err := h.entitlements.GetFlag(requestContext(c), c.Param("name"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, flag)
}

// PUT /api/feature-flags/:name
func (h *FeatureFlagHandler) Update(c *gin.Context) {
	var body setFlagRequest
	if !bindAndValidate(c, &body) {
		return
	}
	if body.Description == nil && body.GlobalEnabled == nil && body.Whitelist == nil && body.Blacklist == nil {
		response.Error(c, errors.NewBadRequest("no fields provided for update"))
		return
	}

	flag, err := h.entitlements.SetFlag(requestContext(c), c.Param("name"), services.FlagUpdate{
		Description:   body.Description,
		GlobalEnabled: body.GlobalEnabled,
		Whitelist:     body.Whitelist,
		Blacklist:     body.Blacklist,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, flag)
}
