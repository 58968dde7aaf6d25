package entitlement

import (
	"fmt"
	"strings"
	"time"
)

// CodeValue is a case-insensitive redemption code, stored upper-case.
type CodeValue struct {
	value string
}

// NewCodeValue normalizes user input into a lookup key.
func NewCodeValue(raw string) (CodeValue, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if normalized == "" {
		return CodeValue{}, fmt.Errorf("%w: empty value", ErrInvalidCode)
	}
	if strings.ContainsAny(normalized, " \t\r\n") {
		return CodeValue{}, fmt.Errorf("%w: contains whitespace", ErrInvalidCode)
	}
	return CodeValue{value: normalized}, nil
}

// String returns the normalized code.
func (code CodeValue) String() string {
	return code.value
}

// Code is a redeemable token with bounded capacity.
type Code struct {
	ID                 CodeID
	Value              CodeValue
	Tier               Tier
	MaxRedemptions     int64
	CurrentRedemptions int64
	Active             bool
	ExpiresAt          *time.Time
	BatchID            string
	Notes              string
	CreatedAt          time.Time
}

// CheckRedeemable evaluates the redeemability predicates in order:
// active, expiry, capacity. The first failing predicate decides the error.
func (code Code) CheckRedeemable(now time.Time) error {
	if !code.Active {
		return ErrCodeInactive
	}
	if code.ExpiresAt != nil && !code.ExpiresAt.After(now) {
		return ErrCodeExpired
	}
	if code.CurrentRedemptions >= code.MaxRedemptions {
		return ErrCodeExhausted
	}
	return nil
}

// Redeemable reports whether the code can be redeemed at now.
func (code Code) Redeemable(now time.Time) bool {
	return code.CheckRedeemable(now) == nil
}

// RemainingRedemptions returns the unused capacity.
func (code Code) RemainingRedemptions() int64 {
	remaining := code.MaxRedemptions - code.CurrentRedemptions
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CodeSpec describes an administratively produced code to import.
type CodeSpec struct {
	Value          string
	Tier           int
	MaxRedemptions int64
	ExpiresAt      *time.Time
	BatchID        string
	Notes          string
}

// NewCode validates a CodeSpec into an active, unredeemed Code.
func NewCode(spec CodeSpec, createdAt time.Time) (Code, error) {
	value, err := NewCodeValue(spec.Value)
	if err != nil {
		return Code{}, err
	}
	tier, err := NewTier(spec.Tier)
	if err != nil {
		return Code{}, err
	}
	if spec.MaxRedemptions < 1 {
		return Code{}, fmt.Errorf("%w: must be at least 1", ErrInvalidCapacity)
	}
	var expiresAt *time.Time
	if spec.ExpiresAt != nil {
		utc := spec.ExpiresAt.UTC()
		expiresAt = &utc
	}
	return Code{
		Value:          value,
		Tier:           tier,
		MaxRedemptions: spec.MaxRedemptions,
		Active:         true,
		ExpiresAt:      expiresAt,
		BatchID:        strings.TrimSpace(spec.BatchID),
		Notes:          strings.TrimSpace(spec.Notes),
		CreatedAt:      createdAt.UTC(),
	}, nil
}
