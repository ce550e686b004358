package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrInvalidInput marks caller mistakes such as missing or malformed fields.
	ErrInvalidInput = errors.New("invalid input")

	ErrOrganizationNotFound = errors.New("organization not found")
	ErrFeatureNotFound      = errors.New("feature not found")
	ErrLimitNotFound        = errors.New("limit not found")
	ErrEventNotFound        = errors.New("event not found")
	ErrCampaignNotFound     = errors.New("campaign not found")
	ErrDeliveryNotFound     = errors.New("delivery not found")

	// ErrEntitlementDenied is matched by every EntitlementDeniedError.
	ErrEntitlementDenied = errors.New("entitlement denied")
	// ErrInsufficientCredits is returned when the ledger cannot cover a debit or admission.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrCampaignState is returned when a campaign is not in a state that allows the operation.
	ErrCampaignState = errors.New("campaign state does not allow this operation")
	// ErrNoRecipients is returned when admission resolves zero recipients.
	ErrNoRecipients = errors.New("campaign has no recipients")

	// ErrDuplicateCallback is returned when a transition targets a delivery already in a terminal state.
	ErrDuplicateCallback = errors.New("delivery already in terminal state")
	// ErrInvalidTransition is returned for state changes the delivery state machine forbids.
	ErrInvalidTransition = errors.New("invalid delivery transition")
)

// EntitlementDeniedError explains why an organization may not use a feature.
type EntitlementDeniedError struct {
	OrganizationID string
	Feature        string
	Reason         string
}

func (e *EntitlementDeniedError) Error() string {
	return fmt.Sprintf("entitlement denied: %s for organization %s: %s", e.Feature, e.OrganizationID, e.Reason)
}

// Is lets errors.Is match ErrEntitlementDenied.
func (e *EntitlementDeniedError) Is(target error) bool {
	return target == ErrEntitlementDenied
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// isUniqueConstraintError detects database uniqueness constraint violations across vendors.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil && pgErr.Code == "23505" {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil && myErr.Number == 1062 {
		return true
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique") ||
		strings.Contains(lower, "duplicate")
}
