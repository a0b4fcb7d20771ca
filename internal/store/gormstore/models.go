package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account carries the per-user cached balance. The cache is maintained in the
// same transaction as every entry insert and audited against the entry fold;
// the fold stays the source of truth.
type Account struct {
	UserID        string          `gorm:"primaryKey"`
	BalanceCached decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	CreatedAt     time.Time       `gorm:"not null"`
	UpdatedAt     time.Time       `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. Rows are append-only; the
// only delete path is the exchange compensation.
type LedgerEntry struct {
	EntryID        string          `gorm:"type:uuid;primaryKey"`
	UserID         string          `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	Type           string          `gorm:"not null"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Description    string          `gorm:""`
	IdempotencyKey string          `gorm:"not null;index:uniq_ledger_idempotency,unique"`
	CreatedAt      time.Time       `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// WalletTransaction mirrors the transactions table.
type WalletTransaction struct {
	TransactionID     string           `gorm:"type:uuid;primaryKey"`
	UserID            string           `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	Type              string           `gorm:"not null"`
	Amount            decimal.Decimal  `gorm:"type:decimal(20,8);not null"`
	Currency          string           `gorm:"not null"`
	JPYAmount         *decimal.Decimal `gorm:"type:decimal(20,8)"`
	Status            string           `gorm:"not null"`
	ProviderSessionID *string          `gorm:"index:uniq_transactions_session,unique"`
	Description       string           `gorm:""`
	Metadata          datatypes.JSON   `gorm:"type:jsonb;not null"`
	CreatedAt         time.Time        `gorm:"not null;index:idx_transactions_user_created,priority:2"`
	CompletedAt       *time.Time       `gorm:""`
}

func (WalletTransaction) TableName() string { return "transactions" }

func (transaction *WalletTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
