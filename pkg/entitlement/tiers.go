package entitlement

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TierTable maps each redeemable tier to its monthly allotment.
type TierTable struct {
	allotments map[Tier]Credits
}

// DefaultTierTable returns the stock allotments.
func DefaultTierTable() TierTable {
	return TierTable{allotments: map[Tier]Credits{
		1: 100,
		2: 300,
		3: 750,
		4: 2000,
	}}
}

// NewTierTable validates an allotment mapping.
func NewTierTable(allotments map[int]int64) (TierTable, error) {
	if len(allotments) == 0 {
		return TierTable{}, fmt.Errorf("%w: empty tier table", ErrInvalidTier)
	}
	table := TierTable{allotments: make(map[Tier]Credits, len(allotments))}
	for rawTier, rawCredits := range allotments {
		tier, err := NewTier(rawTier)
		if err != nil {
			return TierTable{}, err
		}
		credits, err := NewCredits(rawCredits)
		if err != nil {
			return TierTable{}, fmt.Errorf("tier %d: %w", rawTier, err)
		}
		table.allotments[tier] = credits
	}
	return table, nil
}

// ParseTierTable reads "1=100,2=300" style input.
func ParseTierTable(raw string) (TierTable, error) {
	allotments := map[int]int64{}
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		tierText, creditsText, found := strings.Cut(trimmed, "=")
		if !found {
			return TierTable{}, fmt.Errorf("%w: expected tier=credits, got %q", ErrInvalidTier, trimmed)
		}
		tier, err := strconv.Atoi(strings.TrimSpace(tierText))
		if err != nil {
			return TierTable{}, fmt.Errorf("%w: %q", ErrInvalidTier, tierText)
		}
		credits, err := strconv.ParseInt(strings.TrimSpace(creditsText), 10, 64)
		if err != nil {
			return TierTable{}, fmt.Errorf("%w: %q", ErrInvalidCredits, creditsText)
		}
		allotments[tier] = credits
	}
	return NewTierTable(allotments)
}

// Allotment returns the monthly credits granted by a code of the given tier.
func (table TierTable) Allotment(tier Tier) (Credits, error) {
	credits, ok := table.allotments[tier]
	if !ok {
		return 0, WrapError(errorOperationService, errorSubjectTier, errorCodeMissing, fmt.Errorf("%w: %d", ErrUnknownTier, tier))
	}
	return credits, nil
}

// Tiers lists the configured tiers in ascending order.
func (table TierTable) Tiers() []Tier {
	tiers := make([]Tier, 0, len(table.allotments))
	for tier := range table.allotments {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(left, right int) bool { return tiers[left] < tiers[right] })
	return tiers
}

// RolloverPolicy bounds how much unused balance survives a reset.
// MaxRolloverMonths of zero discards all unused balance.
type RolloverPolicy struct {
	MaxRolloverMonths int
}

// carried returns the unused balance credited into the new period.
func (policy RolloverPolicy) carried(unused Credits, allotment Credits) Credits {
	if policy.MaxRolloverMonths <= 0 || unused <= 0 {
		return 0
	}
	ceiling := allotment * Credits(policy.MaxRolloverMonths)
	if unused > ceiling {
		return ceiling
	}
	return unused
}
