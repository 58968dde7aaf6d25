package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance is the cached projection
// that every debit decrements conditionally.
type Account struct {
	AccountID        string     `gorm:"type:uuid;primaryKey"`
	UserID           string     `gorm:"not null;uniqueIndex:uniq_accounts_user"`
	Tier             int        `gorm:"not null;default:0"`
	MonthlyAllotment int64      `gorm:"not null;default:0"`
	Balance          int64      `gorm:"not null;default:0;check:chk_accounts_balance,balance >= 0"`
	StackedCodes     int64      `gorm:"not null;default:0"`
	ResetAnchor      *time.Time `gorm:""`
	LastResetAt      *time.Time `gorm:""`
	CreatedAt        time.Time  `gorm:"not null"`
	UpdatedAt        time.Time  `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// Code mirrors the codes table.
type Code struct {
	CodeID             string     `gorm:"type:uuid;primaryKey"`
	CodeValue          string     `gorm:"not null;uniqueIndex:uniq_codes_value"`
	Tier               int        `gorm:"not null"`
	MaxRedemptions     int64      `gorm:"not null"`
	CurrentRedemptions int64      `gorm:"not null;default:0;check:chk_codes_capacity,current_redemptions <= max_redemptions"`
	Active             bool       `gorm:"not null;default:true"`
	ExpiresAt          *time.Time `gorm:""`
	BatchID            string     `gorm:"not null;default:'';index:idx_codes_batch"`
	Notes              string     `gorm:"not null;default:''"`
	CreatedAt          time.Time  `gorm:"not null"`
	UpdatedAt          time.Time  `gorm:"not null"`
}

func (Code) TableName() string { return "codes" }

func (code *Code) BeforeCreate(tx *gorm.DB) error {
	if code.CodeID == "" {
		code.CodeID = uuid.NewString()
	}
	return nil
}

// Redemption mirrors the redemptions table. The (account, code) pair is unique.
type Redemption struct {
	RedemptionID   string    `gorm:"type:uuid;primaryKey"`
	AccountID      string    `gorm:"type:uuid;not null;uniqueIndex:uniq_redemptions_account_code,priority:1"`
	CodeID         string    `gorm:"type:uuid;not null;uniqueIndex:uniq_redemptions_account_code,priority:2"`
	Tier           int       `gorm:"not null"`
	PreviousTier   int       `gorm:"not null"`
	GrantedCredits int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (Redemption) TableName() string { return "redemptions" }

func (redemption *Redemption) BeforeCreate(tx *gorm.DB) error {
	if redemption.RedemptionID == "" {
		redemption.RedemptionID = uuid.NewString()
	}
	return nil
}

// UsageEntry mirrors the usage_entries table.
type UsageEntry struct {
	EntryID    string         `gorm:"type:uuid;primaryKey"`
	AccountID  string         `gorm:"type:uuid;not null;index:idx_usage_account_created,priority:1"`
	ActionType string         `gorm:"not null"`
	Credits    int64          `gorm:"not null"`
	Metadata   datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"not null;index:idx_usage_account_created,priority:2"`
}

func (UsageEntry) TableName() string { return "usage_entries" }

func (entry *UsageEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Refund mirrors the refunds table. Each usage entry is refunded at most once.
type Refund struct {
	RefundID     string    `gorm:"type:uuid;primaryKey"`
	AccountID    string    `gorm:"type:uuid;not null;index:idx_refunds_account"`
	UsageEntryID string    `gorm:"type:uuid;not null;uniqueIndex:uniq_refunds_entry"`
	Credits      int64     `gorm:"not null"`
	Reason       string    `gorm:"not null;default:''"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (Refund) TableName() string { return "refunds" }

func (refund *Refund) BeforeCreate(tx *gorm.DB) error {
	if refund.RefundID == "" {
		refund.RefundID = uuid.NewString()
	}
	return nil
}

// ResetEvent mirrors the reset_events table.
type ResetEvent struct {
	ResetID        string    `gorm:"type:uuid;primaryKey"`
	AccountID      string    `gorm:"type:uuid;not null;index:idx_resets_account"`
	PreviousAnchor time.Time `gorm:"not null"`
	NewAnchor      time.Time `gorm:"not null"`
	Periods        int       `gorm:"not null"`
	BalanceBefore  int64     `gorm:"not null"`
	BalanceAfter   int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (ResetEvent) TableName() string { return "reset_events" }

func (event *ResetEvent) BeforeCreate(tx *gorm.DB) error {
	if event.ResetID == "" {
		event.ResetID = uuid.NewString()
	}
	return nil
}

// Models lists every table in migration order.
func Models() []any {
	return []any{&Account{}, &Code{}, &Redemption{}, &UsageEntry{}, &Refund{}, &ResetEvent{}}
}
