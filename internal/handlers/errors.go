package handlers

import (
	stdErrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/weddingdesk/internal/services"
	"github.com/charlesng35/weddingdesk/pkg/errors"
	"github.com/charlesng35/weddingdesk/pkg/logger"
	"github.com/charlesng35/weddingdesk/pkg/response"
)

var notFoundErrors = []error{
	services.ErrOrganizationNotFound,
	services.ErrFeatureNotFound,
	services.ErrLimitNotFound,
	services.ErrEventNotFound,
	services.ErrCampaignNotFound,
	services.ErrDeliveryNotFound,
}

// toAppError maps domain errors onto API errors. Unknown errors become 500s
// with the cause kept for logging.
func toAppError(err error) *errors.AppError {
	var appErr *errors.AppError
	if stdErrors.As(err, &appErr) {
		return appErr
	}

	for _, target := range notFoundErrors {
		if stdErrors.Is(err, target) {
			return errors.ErrNotFound.WithMessage(target.Error())
		}
	}

	var denied *services.EntitlementDeniedError
	switch {
	case stdErrors.As(err, &denied):
		return errors.ErrEntitlementDenied.WithMessage(denied.Feature + ": " + denied.Reason)
	case stdErrors.Is(err, services.ErrEntitlementDenied):
		return errors.ErrEntitlementDenied
	case stdErrors.Is(err, services.ErrInsufficientCredits):
		return errors.ErrInsufficientCredits.WithMessage(err.Error())
	case stdErrors.Is(err, services.ErrInvalidInput), stdErrors.Is(err, services.ErrNoRecipients):
		return errors.NewBadRequest(err.Error())
	case stdErrors.Is(err, services.ErrCampaignState),
		stdErrors.Is(err, services.ErrDuplicateCallback),
		stdErrors.Is(err, services.ErrInvalidTransition):
		return errors.ErrConflict.WithMessage(err.Error())
	}
	return errors.ErrInternalServer.WithInternal(err)
}

// renderError writes err as an API error response.
func renderError(c *gin.Context, err error) {
	appErr := toAppError(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		logger.WithModule("http").Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	response.Error(c, appErr)
}
