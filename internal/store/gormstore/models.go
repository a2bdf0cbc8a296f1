package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. The account id is the tenant key
// supplied by the caller, not a surrogate.
type Account struct {
	AccountID string    `gorm:"primaryKey"`
	PlanID    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// CreditTransaction mirrors the credit_transactions table. Seq is the
// monotonic insertion sequence used to break timestamp ties.
type CreditTransaction struct {
	Seq            int64          `gorm:"primaryKey;autoIncrement"`
	TransactionID  string         `gorm:"type:uuid;not null;uniqueIndex"`
	AccountID      string         `gorm:"not null;index:idx_credit_tx_account_created,priority:1;index:idx_credit_tx_account_channel,priority:1;index:uniq_credit_tx_idem,unique,priority:1"`
	Kind           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	Channel        *string        `gorm:"index:idx_credit_tx_account_channel,priority:2"`
	Description    string         `gorm:""`
	IdempotencyKey string         `gorm:"not null;index:uniq_credit_tx_idem,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_credit_tx_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// PlanRecord mirrors the plans reference table. Feature limits are stored
// as a JSON map keyed by feature id.
type PlanRecord struct {
	PlanID          string         `gorm:"primaryKey"`
	Name            string         `gorm:"not null"`
	PriceCents      int64          `gorm:"not null"`
	CreditsPerCycle int64          `gorm:"not null"`
	DisplayRank     int            `gorm:"not null;index"`
	Features        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null"`
	UpdatedAt       time.Time      `gorm:"not null"`
}

func (PlanRecord) TableName() string { return "plans" }
