package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LedgerEntryType distinguishes credit movements.
type LedgerEntryType string

const (
	LedgerEntryTopUp       LedgerEntryType = "TOP_UP"
	LedgerEntryConsumption LedgerEntryType = "CONSUMPTION"
	LedgerEntryReversal    LedgerEntryType = "REVERSAL"
)

// CreditPool is a bucket of credits debited in a fixed order.
type CreditPool string

const (
	CreditPoolAllowance CreditPool = "ALLOWANCE"
	CreditPoolPurchased CreditPool = "PURCHASED"
)

// CreditPools lists pools in debit order.
var CreditPools = []CreditPool{CreditPoolAllowance, CreditPoolPurchased}

// Valid reports whether p is a known pool.
func (p CreditPool) Valid() bool {
	return p == CreditPoolAllowance || p == CreditPoolPurchased
}

// ErrLedgerEntryImmutable is returned when code attempts to modify a committed entry.
var ErrLedgerEntryImmutable = errors.New("credit ledger entries are immutable")

// CreditLedgerEntry is an append-only credit movement. Credits are signed:
// top-ups and reversals are positive, consumptions negative.
type CreditLedgerEntry struct {
	ID                string          `gorm:"primaryKey;type:uuid" json:"id"`
	OrganizationID    string          `gorm:"type:uuid;not null;index;uniqueIndex:idx_ledger_idempotency,priority:1" json:"organization_id"`
	Type              LedgerEntryType `gorm:"type:varchar(16);not null;uniqueIndex:idx_ledger_idempotency,priority:3" json:"type"`
	Credits           int64           `gorm:"not null" json:"credits"`
	Pool              CreditPool      `gorm:"type:varchar(16);not null;index;uniqueIndex:idx_ledger_idempotency,priority:4" json:"pool"`
	IdempotencyKey    *string         `gorm:"size:128;uniqueIndex:idx_ledger_idempotency,priority:2" json:"idempotency_key,omitempty"`
	DeliveryID        *string         `gorm:"type:uuid;index" json:"delivery_id,omitempty"`
	RelatedMessageSID *string         `gorm:"column:related_message_sid;size:64;index" json:"related_message_sid,omitempty"`
	Note              string          `gorm:"size:255" json:"note,omitempty"`
	CreatedAt         time.Time       `gorm:"index" json:"created_at"`
}

// BeforeCreate assigns the identifier.
func (e *CreditLedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// BeforeUpdate rejects modifications of committed entries.
func (e *CreditLedgerEntry) BeforeUpdate(tx *gorm.DB) error {
	return ErrLedgerEntryImmutable
}

// BeforeDelete rejects removal of committed entries.
func (e *CreditLedgerEntry) BeforeDelete(tx *gorm.DB) error {
	return ErrLedgerEntryImmutable
}
