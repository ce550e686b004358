package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/weddingdesk/internal/models"
	"github.com/charlesng35/weddingdesk/internal/services"
	"github.com/charlesng35/weddingdesk/pkg/response"
)

// IdempotencyKeyHeader lets callers retry top-ups safely.
const IdempotencyKeyHeader = "Idempotency-Key"

// OrganizationHandler serves organization administration, entitlements and credits.
type OrganizationHandler struct {
	orgs         *services.OrganizationService
	entitlements *services.EntitlementService
	ledger       *services.LedgerService
}

func NewOrganizationHandler(orgs *services.OrganizationService, entitlements *services.EntitlementService, ledger *services.LedgerService) (*OrganizationHandler, error) {
	if orgs == nil || entitlements == nil || ledger == nil {
		return nil, fmt.Errorf("organization handler: services are required")
	}
	return &OrganizationHandler{orgs: orgs, entitlements: entitlements, ledger: ledger}, nil
}

type createOrganizationRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=128"`
	PlanTier string `json:"plan_tier" validate:"omitempty,max=32"`
}

type setOrganizationStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active suspended"`
}

type topUpRequest struct {
	Amount         int64  `json:"amount" validate:"required,gte=1"`
	Pool           string `json:"pool" validate:"required,ledger_pool"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
	Note           string `json:"note" validate:"omitempty,max=255"`
}

type setFeatureRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type setLimitRequest struct {
	Value *int64 `json:"value" validate:"required,gte=-1"`
}

// POST /api/organizations
func (h *OrganizationHandler) Create(c *gin.Context) {
	var body createOrganizationRequest
	if !bindAndValidate(c, &body) {
		return
	}

	org, err := h.orgs.Create(requestContext(c), services.CreateOrganizationInput{
		Name:     body.Name,
		PlanTier: body.PlanTier,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, org)
}

// GET /api/organizations/:orgID
func (h *OrganizationHandler) Get(c *gin.Context) {
	org, err := h.orgs.GetByID(requestContext(c), c.Param("orgID"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, org)
}

// PUT /api/organizations/:orgID/status
func (h *OrganizationHandler) SetStatus(c *gin.Context) {
	var body setOrganizationStatusRequest
	if !bindAndValidate(c, &body) {
		return
	}

	org, err := h.orgs.SetStatus(requestContext(c), c.Param("orgID"), models.OrganizationStatus(body.Status))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, org)
}

// GET /api/organizations/:orgID/entitlements/:feature
//
// A denial is a normal answer and is reported with 200 and allowed=false.
func (h *OrganizationHandler) Entitlement(c *gin.Context) {
	decision, err := h.entitlements.Resolve(requestContext(c), c.Param("orgID"), c.Param("feature"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, decision)
}

// GET /api/organizations/:orgID/usage
func (h *OrganizationHandler) Usage(c *gin.Context) {
	report, err := h.ledger.Usage(requestContext(c), c.Param("orgID"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, report)
}

// GET /api/organizations/:orgID/ledger
func (h *OrganizationHandler) Ledger(c *gin.Context) {
	page, perPage := pageParams(c)
	entries, total, err := h.ledger.History(requestContext(c), c.Param("orgID"), page, perPage)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Paginated(c, entries, page, perPage, total)
}

// POST /api/organizations/:orgID/credits
func (h *OrganizationHandler) TopUp(c *gin.Context) {
	var body topUpRequest
	if !bindAndValidate(c, &body) {
		return
	}

	key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
	if key == "" {
		key = strings.TrimSpace(body.IdempotencyKey)
	}

	pool := models.CreditPool(strings.ToUpper(body.Pool))
	entry, err := h.ledger.RecordTopUp(requestContext(c), c.Param("orgID"), body.Amount, pool, key, body.Note)
	if err != nil {
		renderError(c, err)
		return
	}
	balances, err := h.ledger.Balances(requestContext(c), c.Param("orgID"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{
		"entry":    entry,
		"balances": balances,
	})
}

// PUT /api/organizations/:orgID/features/:feature
func (h *OrganizationHandler) SetFeature(c *gin.Context) {
	var body setFeatureRequest
	if !bindAndValidate(c, &body) {
		return
	}

	toggle, err := h.entitlements.SetOrganizationFeature(requestContext(c), c.Param("orgID"), c.Param("feature"), *body.Enabled)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, toggle)
}

// PUT /api/organizations/:orgID/limits/:limit
func (h *OrganizationHandler) SetLimit(c *gin.Context) {
	var body setLimitRequest
	if !bindAndValidate(c, &body) {
		return
	}

	limit, err := h.ledger.SetLimit(requestContext(c), c.Param("orgID"), c.Param("limit"), *body.Value)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, limit)
}
