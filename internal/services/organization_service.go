package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/models"
)

// CreateOrganizationInput captures the attributes required to register an organisation.
type CreateOrganizationInput struct {
	Name     string
	PlanTier string
}

// OrganizationService manages lifecycle operations for organisations.
type OrganizationService struct {
	db           *gorm.DB
	auditService *AuditService
}

// NewOrganizationService constructs an OrganisationService instance.
func NewOrganizationService(db *gorm.DB, auditService *AuditService) (*OrganizationService, error) {
	if db == nil {
		return nil, errors.New("organization service: db is required")
	}
	return &OrganizationService{
		db:           db,
		auditService: auditService,
	}, nil
}

// Create registers a new, active organisation.
func (s *OrganizationService) Create(ctx context.Context, input CreateOrganizationInput) (*models.Organization, error) {
	ctx = ensureContext(ctx)

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, invalidInput("organization name is required")
	}

	plan := strings.ToLower(strings.TrimSpace(input.PlanTier))
	if plan == "" {
		plan = "free"
	}

	org := &models.Organization{
		Name:     name,
		PlanTier: plan,
		Status:   models.OrganizationStatusActive,
	}

	if err := s.db.WithContext(ctx).Create(org).Error; err != nil {
		return nil, fmt.Errorf("organization service: create organization: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: org.ID,
		Action:         "org.create",
		Resource:       org.ID,
		Result:         "success",
		Metadata: map[string]any{
			"name":      name,
			"plan_tier": plan,
		},
	})

	return org, nil
}

// GetByID loads an organisation with its feature toggles and limits.
func (s *OrganizationService) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	ctx = ensureContext(ctx)

	var org models.Organization
	err := s.db.WithContext(ctx).
		Preload("Features.FeatureDefinition").
		Preload("Limits.LimitDefinition").
		First(&org, "id = ?", strings.TrimSpace(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("organization service: get organization: %w", err)
	}
	return &org, nil
}

// List returns all organisations ordered by creation date.
func (s *OrganizationService) List(ctx context.Context) ([]models.Organization, error) {
	ctx = ensureContext(ctx)

	var orgs []models.Organization
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&orgs).Error; err != nil {
		return nil, fmt.Errorf("organization service: list organizations: %w", err)
	}
	return orgs, nil
}

// SetStatus suspends or reactivates an organisation. Organisations are never deleted.
func (s *OrganizationService) SetStatus(ctx context.Context, id string, status models.OrganizationStatus) (*models.Organization, error) {
	ctx = ensureContext(ctx)

	switch status {
	case models.OrganizationStatusActive, models.OrganizationStatusSuspended:
	default:
		return nil, invalidInput("unsupported organization status %q", status)
	}

	var org models.Organization
	err := s.db.WithContext(ctx).First(&org, "id = ?", strings.TrimSpace(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("organization service: load organization: %w", err)
	}

	if org.Status == status {
		return &org, nil
	}

	previous := org.Status
	if err := s.db.WithContext(ctx).Model(&org).Update("status", status).Error; err != nil {
		return nil, fmt.Errorf("organization service: update status: %w", err)
	}
	org.Status = status

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: org.ID,
		Action:         "org.status",
		Resource:       org.ID,
		Result:         "success",
		Metadata: map[string]any{
			"from": string(previous),
			"to":   string(status),
		},
	})

	return &org, nil
}
