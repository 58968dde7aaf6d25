package entitlement

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credits is an integer count of consumable units.
type Credits int64

// Int64 exposes the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewCredits validates a strictly positive credit amount.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Tier ranks entitlement levels. Zero means no code has been redeemed.
type Tier int

// Int returns the ordinal.
func (tier Tier) Int() int {
	return int(tier)
}

// NewTier validates a redeemable tier ordinal.
func NewTier(raw int) (Tier, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidTier)
	}
	return Tier(raw), nil
}

// MaxTier returns the higher of two tiers.
func MaxTier(left Tier, right Tier) Tier {
	if right > left {
		return right
	}
	return left
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// AccountID identifies an entitlement record.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// CodeID identifies a stored code row.
type CodeID struct {
	value string
}

// NewCodeID validates and normalizes a code id.
func NewCodeID(raw string) (CodeID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CodeID{}, fmt.Errorf("%w: empty value", ErrInvalidCodeID)
	}
	return CodeID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CodeID) String() string {
	return id.value
}

// EntryID identifies a usage entry.
type EntryID struct {
	value string
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// ActionType enumerates the metered features that consume credits.
type ActionType string

const (
	ActionContentGeneration ActionType = "content_generation"
	ActionContentRepurpose  ActionType = "content_repurpose"
	ActionImageGeneration   ActionType = "image_generation"
	ActionSocialPost        ActionType = "social_post"
	ActionSEOAnalysis       ActionType = "seo_analysis"
	ActionTrendResearch     ActionType = "trend_research"
)

var knownActionTypes = map[ActionType]struct{}{
	ActionContentGeneration: {},
	ActionContentRepurpose:  {},
	ActionImageGeneration:   {},
	ActionSocialPost:        {},
	ActionSEOAnalysis:       {},
	ActionTrendResearch:     {},
}

// ParseActionType validates an action type against the closed set.
func ParseActionType(raw string) (ActionType, error) {
	candidate := ActionType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownActionTypes[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidActionType, raw)
	}
	return candidate, nil
}

// String returns the wire representation.
func (action ActionType) String() string {
	return string(action)
}

// Account is the per-user entitlement record. Balance is a cached projection
// of the redemption, usage, refund, and reset rows.
type Account struct {
	ID               AccountID
	UserID           UserID
	Tier             Tier
	MonthlyAllotment Credits
	Balance          Credits
	StackedCodes     int64
	ResetAnchor      *time.Time
	LastResetAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasRedeemed reports whether any code has been stacked onto the account.
func (account Account) HasRedeemed() bool {
	return account.StackedCodes > 0
}

// Redemption is the immutable fact linking an account to a code.
type Redemption struct {
	ID             string
	AccountID      AccountID
	CodeID         CodeID
	Tier           Tier
	GrantedCredits Credits
	PreviousTier   Tier
	CreatedAt      time.Time
}

// UsageEntry is the immutable fact of a debit.
type UsageEntry struct {
	ID        EntryID
	AccountID AccountID
	Action    ActionType
	Credits   Credits
	Metadata  MetadataJSON
	CreatedAt time.Time
}

// Refund records a compensating credit-back of one usage entry.
type Refund struct {
	ID           string
	AccountID    AccountID
	UsageEntryID EntryID
	Credits      Credits
	Reason       string
	CreatedAt    time.Time
}

// ResetEvent records one lazy rollover of an account's period.
type ResetEvent struct {
	AccountID      AccountID
	PreviousAnchor time.Time
	NewAnchor      time.Time
	Periods        int
	BalanceBefore  Credits
	BalanceAfter   Credits
	CreatedAt      time.Time
}

// Adjustment is the signed balance change applied by the reset.
func (event ResetEvent) Adjustment() int64 {
	return event.BalanceAfter.Int64() - event.BalanceBefore.Int64()
}

// Window bounds a usage query. Zero times are open ends.
type Window struct {
	From  time.Time
	To    time.Time
	Limit int
}

// NewWindow validates the bounds and normalizes the limit.
func NewWindow(from time.Time, to time.Time, limit int) (Window, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return Window{}, fmt.Errorf("%w: end precedes start", ErrInvalidWindow)
	}
	if limit < 0 {
		return Window{}, fmt.Errorf("%w: negative limit", ErrInvalidWindow)
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return Window{}, fmt.Errorf("%w: limit exceeds maximum: %d > %d", ErrInvalidWindow, limit, maxHistoryLimit)
	}
	return Window{From: from, To: to, Limit: limit}, nil
}

// LedgerTotals are the sums the balance must reconcile against.
type LedgerTotals struct {
	Granted          int64
	Debited          int64
	Refunded         int64
	ResetAdjustments int64
}

// ExpectedBalance replays the ledger sums into a balance.
func (totals LedgerTotals) ExpectedBalance() int64 {
	return totals.Granted - totals.Debited + totals.Refunded + totals.ResetAdjustments
}
