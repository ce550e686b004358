package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/weddingdesk/internal/middleware"
	"github.com/charlesng35/weddingdesk/internal/models"
	"github.com/charlesng35/weddingdesk/internal/realtime"
	"github.com/charlesng35/weddingdesk/internal/services"
	"github.com/charlesng35/weddingdesk/pkg/errors"
	"github.com/charlesng35/weddingdesk/pkg/response"
)

// CampaignHandler serves campaign creation, admission, cancellation and progress.
type CampaignHandler struct {
	campaigns *services.CampaignService
	hub       *realtime.Hub
}

// NewCampaignHandler constructs a campaign handler. hub may be nil, in which
// case the progress stream is unavailable.
func NewCampaignHandler(campaigns *services.CampaignService, hub *realtime.Hub) (*CampaignHandler, error) {
	if campaigns == nil {
		return nil, fmt.Errorf("campaign handler: campaign service is required")
	}
	return &CampaignHandler{campaigns: campaigns, hub: hub}, nil
}

type recipientFilterRequest struct {
	GuestIDs     []string `json:"guest_ids"`
	RSVPStatuses []string `json:"rsvp_statuses"`
}

type createCampaignRequest struct {
	OrganizationID  string                 `json:"organization_id" validate:"required"`
	EventID         string                 `json:"event_id" validate:"required"`
	Name            string                 `json:"name" validate:"required,max=128"`
	TemplateID      string                 `json:"template_id" validate:"required,max=64"`
	VariableKeys    []string               `json:"variable_keys" validate:"dive,required,max=64"`
	RecipientFilter recipientFilterRequest `json:"recipient_filter"`
}

// POST /api/campaigns
func (h *CampaignHandler) Create(c *gin.Context) {
	var body createCampaignRequest
	if !bindAndValidate(c, &body) {
		return
	}

	campaign, err := h.campaigns.Create(requestContext(c), body.OrganizationID, services.CreateCampaignInput{
		EventID:      body.EventID,
		Name:         body.Name,
		TemplateID:   body.TemplateID,
		VariableKeys: body.VariableKeys,
		RecipientFilter: models.RecipientFilter{
			GuestIDs:     body.RecipientFilter.GuestIDs,
			RSVPStatuses: body.RecipientFilter.RSVPStatuses,
		},
	})
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, campaign)
}

// POST /api/campaigns/:id/admit
func (h *CampaignHandler) Admit(c *gin.Context) {
	result, err := h.campaigns.Admit(requestContext(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusAccepted, result)
}

// POST /api/campaigns/:id/cancel
func (h *CampaignHandler) Cancel(c *gin.Context) {
	progress, err := h.campaigns.Cancel(requestContext(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, progress)
}

// GET /api/campaigns/:id
func (h *CampaignHandler) Get(c *gin.Context) {
	detail, err := h.campaigns.Detail(requestContext(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, detail)
}

// GET /api/campaigns/:id/stats
func (h *CampaignHandler) Stats(c *gin.Context) {
	stats, err := h.campaigns.Stats(requestContext(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, stats)
}

// GET /api/campaigns/:id/deliveries
func (h *CampaignHandler) Deliveries(c *gin.Context) {
	status := models.DeliveryStatus(strings.ToUpper(strings.TrimSpace(c.Query("status"))))
	switch status {
	case "", models.DeliveryStatusPending, models.DeliveryStatusSent, models.DeliveryStatusDelivered, models.DeliveryStatusFailed:
	default:
		response.Error(c, errors.NewBadRequest(fmt.Sprintf("unknown delivery status %q", c.Query("status"))))
		return
	}

	page, perPage := pageParams(c)
	deliveries, total, err := h.campaigns.ListDeliveries(requestContext(c), c.Param("id"), status, page, perPage)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Paginated(c, deliveries, page, perPage, total)
}

// GET /api/campaigns/:id/stream
//
// Upgrades to a WebSocket that receives the current progress immediately and
// a new snapshot after every delivery transition.
func (h *CampaignHandler) Stream(c *gin.Context) {
	if h.hub == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	detail, err := h.campaigns.Detail(requestContext(c), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	snapshot := services.CampaignProgress{
		CampaignID: detail.Campaign.ID,
		Status:     detail.Campaign.Status,
		Cancelled:  detail.Campaign.IsCancelled(),
		Stats:      detail.Stats,
		UpdatedAt:  time.Now().UTC(),
	}
	stream := realtime.CampaignStream(detail.Campaign.ID)
	allowed := map[string]struct{}{stream: {}}

	h.hub.Serve(c.GetString(middleware.CtxActorIDKey), []string{stream}, allowed, c.Writer, c.Request, realtime.ProgressMessage(snapshot))
}
