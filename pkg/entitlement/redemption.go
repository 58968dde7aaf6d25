package entitlement

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const (
	outcomeFirstActivation = "first_activation"
	outcomeStacked         = "stacked"
)

// RedemptionResult is the committed outcome of a redemption.
type RedemptionResult struct {
	RedemptionID      string
	IsFirstRedemption bool
	Tier              Tier
	PreviousTier      Tier
	GrantedCredits    Credits
	MonthlyCredits    Credits
	CurrentCredits    Credits
	StackedCodes      int64
	ResetAnchor       time.Time
	PendingEffects    []SideEffect
}

// Redeem validates a code and stacks its tier allotment onto the user's account.
//
// The code row is locked before the account row. Capacity is re-checked by
// the conditional increment inside the same transaction, so a concurrent
// redemption of the last slot fails with ErrCodeExhausted.
func (service *Service) Redeem(ctx context.Context, userID UserID, rawCode string) (RedemptionResult, error) {
	ctx, span := service.startSpan(ctx, "entitlement.Redeem")
	codeValue, operationError := NewCodeValue(rawCode)
	var (
		result     RedemptionResult
		resetEvent *ResetEvent
	)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			now := service.now()
			code, err := txStore.LockCode(ctx, codeValue)
			if err != nil {
				return err
			}
			if err := code.CheckRedeemable(now); err != nil {
				return err
			}
			granted, err := service.tiers.Allotment(code.Tier)
			if err != nil {
				return err
			}
			account, err := service.lockAccount(ctx, txStore, userID, now)
			if err != nil {
				return err
			}
			alreadyRedeemed, err := txStore.HasRedemption(ctx, account.ID, code.ID)
			if err != nil {
				return err
			}
			if alreadyRedeemed {
				return ErrAlreadyRedeemed
			}
			account, resetEvent, err = service.catchUp(ctx, txStore, account, now)
			if err != nil {
				return err
			}

			previousTier := account.Tier
			isFirst := !account.HasRedeemed()
			account.Tier = MaxTier(account.Tier, code.Tier)
			account.MonthlyAllotment += granted
			account.Balance += granted
			account.StackedCodes++
			if isFirst {
				anchor := addMonths(now, 1)
				account.ResetAnchor = &anchor
			}
			account.UpdatedAt = now

			if err := txStore.IncrementCodeRedemptions(ctx, code.ID, now); err != nil {
				return err
			}
			if err := txStore.UpdateAccount(ctx, account); err != nil {
				return err
			}
			redemption, err := txStore.InsertRedemption(ctx, Redemption{
				AccountID:      account.ID,
				CodeID:         code.ID,
				Tier:           code.Tier,
				GrantedCredits: granted,
				PreviousTier:   previousTier,
				CreatedAt:      now,
			})
			if err != nil {
				return err
			}
			result = RedemptionResult{
				RedemptionID:      redemption.ID,
				IsFirstRedemption: isFirst,
				Tier:              account.Tier,
				PreviousTier:      previousTier,
				GrantedCredits:    granted,
				MonthlyCredits:    account.MonthlyAllotment,
				CurrentCredits:    account.Balance,
				StackedCodes:      account.StackedCodes,
				ResetAnchor:       *account.ResetAnchor,
			}
			result.PendingEffects = redemptionSideEffects(userID, account, codeValue, result, now)
			return nil
		})
	}

	if operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationRedeem,
			UserID:    userID,
			Code:      codeValue,
			Error:     operationError,
		})
		endSpan(span, operationError)
		return RedemptionResult{}, operationError
	}

	outcome := outcomeStacked
	if result.IsFirstRedemption {
		outcome = outcomeFirstActivation
	}
	span.SetAttributes(
		attribute.String("entitlement.outcome", outcome),
		attribute.Int("entitlement.tier", result.Tier.Int()),
		attribute.Int64("entitlement.granted", result.GrantedCredits.Int64()),
	)
	service.logOperation(ctx, OperationLog{
		Operation: operationRedeem,
		UserID:    userID,
		Code:      codeValue,
		Credits:   result.GrantedCredits,
		Balance:   result.CurrentCredits,
		Outcome:   outcome,
	})
	effects := result.PendingEffects
	if resetEvent != nil {
		effects = append([]SideEffect{resetSideEffect(userID, *resetEvent)}, effects...)
	}
	service.dispatch(ctx, userID, effects)
	endSpan(span, nil)
	return result, nil
}

func redemptionSideEffects(userID UserID, account Account, code CodeValue, result RedemptionResult, now time.Time) []SideEffect {
	kind := SideEffectStacked
	if result.IsFirstRedemption {
		kind = SideEffectFirstActivation
	}
	return []SideEffect{{
		Kind:       kind,
		UserID:     userID.String(),
		AccountID:  account.ID.String(),
		OccurredAt: now,
		Payload: map[string]any{
			"code":           code.String(),
			"tier":           result.Tier.Int(),
			"previousTier":   result.PreviousTier.Int(),
			"grantedCredits": result.GrantedCredits.Int64(),
			"monthlyCredits": result.MonthlyCredits.Int64(),
			"currentCredits": result.CurrentCredits.Int64(),
			"stackedCodes":   result.StackedCodes,
		},
	}}
}
