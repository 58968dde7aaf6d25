package entitlement

import (
	"context"
	"fmt"
)

// LookupCode resolves a code by case-insensitive exact match.
func (service *Service) LookupCode(ctx context.Context, rawCode string) (Code, error) {
	value, err := NewCodeValue(rawCode)
	if err != nil {
		return Code{}, err
	}
	return service.store.FindCode(ctx, value)
}

// ImportCodes inserts administratively produced codes in one transaction.
// Values must be unique within the batch and against every stored code.
func (service *Service) ImportCodes(ctx context.Context, specs []CodeSpec) (int, error) {
	now := service.now()
	codes := make([]Code, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for index, spec := range specs {
		code, err := NewCode(spec, now)
		if err != nil {
			return 0, fmt.Errorf("code %d: %w", index, err)
		}
		if _, err := service.tiers.Allotment(code.Tier); err != nil {
			return 0, fmt.Errorf("code %d: %w", index, err)
		}
		if _, duplicate := seen[code.Value.String()]; duplicate {
			return 0, fmt.Errorf("code %d: %w: %s", index, ErrDuplicateCode, code.Value)
		}
		seen[code.Value.String()] = struct{}{}
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		return 0, nil
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.InsertCodes(ctx, codes)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationImportCodes,
		Count:     len(codes),
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return len(codes), nil
}
