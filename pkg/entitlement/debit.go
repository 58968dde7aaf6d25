package entitlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// DebitResult is the committed outcome of a debit.
type DebitResult struct {
	Balance        Credits
	Entry          UsageEntry
	PendingEffects []SideEffect
}

// RefundResult is the committed outcome of a refund.
type RefundResult struct {
	Balance        Credits
	Refund         Refund
	PendingEffects []SideEffect
}

// Debit consumes cost credits for one action. Debits are never partial: the
// full cost is taken or ErrInsufficientBalance is returned with no writes.
func (service *Service) Debit(ctx context.Context, userID UserID, action ActionType, cost Credits, metadata MetadataJSON) (DebitResult, error) {
	ctx, span := service.startSpan(ctx, "entitlement.Debit")
	span.SetAttributes(
		attribute.String("entitlement.action", action.String()),
		attribute.Int64("entitlement.cost", cost.Int64()),
	)
	var (
		result     DebitResult
		resetEvent *ResetEvent
	)
	operationError := validateDebit(action, cost)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			now := service.now()
			account, err := service.lockAccount(ctx, txStore, userID, now)
			if err != nil {
				return err
			}
			account, resetEvent, err = service.catchUp(ctx, txStore, account, now)
			if err != nil {
				return err
			}
			if account.Balance < cost {
				return ErrInsufficientBalance
			}
			balance, err := txStore.DebitBalance(ctx, account.ID, cost, now)
			if err != nil {
				return err
			}
			entry, err := txStore.InsertUsageEntry(ctx, UsageEntry{
				AccountID: account.ID,
				Action:    action,
				Credits:   cost,
				Metadata:  metadata,
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			result = DebitResult{
				Balance: balance,
				Entry:   entry,
				PendingEffects: []SideEffect{{
					Kind:       SideEffectUsageRecorded,
					UserID:     userID.String(),
					AccountID:  account.ID.String(),
					OccurredAt: now,
					Payload: map[string]any{
						"entryId": entry.ID.String(),
						"action":  action.String(),
						"credits": cost.Int64(),
						"balance": balance.Int64(),
					},
				}},
			}
			return nil
		})
	}

	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		UserID:    userID,
		Action:    action,
		Credits:   cost,
		Balance:   result.Balance,
		Error:     operationError,
	})
	if operationError != nil {
		endSpan(span, operationError)
		return DebitResult{}, operationError
	}
	effects := result.PendingEffects
	if resetEvent != nil {
		effects = append([]SideEffect{resetSideEffect(userID, *resetEvent)}, effects...)
	}
	service.dispatch(ctx, userID, effects)
	endSpan(span, nil)
	return result, nil
}

// Refund credits back the exact cost of one usage entry from the current
// period. Each entry can be refunded once.
func (service *Service) Refund(ctx context.Context, userID UserID, entryID EntryID, reason string) (RefundResult, error) {
	ctx, span := service.startSpan(ctx, "entitlement.Refund")
	var (
		result     RefundResult
		resetEvent *ResetEvent
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		now := service.now()
		account, err := service.lockAccount(ctx, txStore, userID, now)
		if err != nil {
			return err
		}
		account, resetEvent, err = service.catchUp(ctx, txStore, account, now)
		if err != nil {
			return err
		}
		entry, err := txStore.GetUsageEntry(ctx, account.ID, entryID)
		if err != nil {
			return err
		}
		if entry.CreatedAt.Before(currentPeriodStart(account)) {
			return ErrRefundWindowClosed
		}
		refund, err := txStore.InsertRefund(ctx, Refund{
			AccountID:    account.ID,
			UsageEntryID: entry.ID,
			Credits:      entry.Credits,
			Reason:       strings.TrimSpace(reason),
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}
		balance, err := txStore.CreditBalance(ctx, account.ID, entry.Credits, now)
		if err != nil {
			return err
		}
		result = RefundResult{
			Balance: balance,
			Refund:  refund,
			PendingEffects: []SideEffect{{
				Kind:       SideEffectUsageRefunded,
				UserID:     userID.String(),
				AccountID:  account.ID.String(),
				OccurredAt: now,
				Payload: map[string]any{
					"entryId": entry.ID.String(),
					"action":  entry.Action.String(),
					"credits": entry.Credits.Int64(),
					"balance": balance.Int64(),
				},
			}},
		}
		return nil
	})

	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		Credits:   result.Refund.Credits,
		Balance:   result.Balance,
		Error:     operationError,
	})
	if operationError != nil {
		endSpan(span, operationError)
		return RefundResult{}, operationError
	}
	effects := result.PendingEffects
	if resetEvent != nil {
		effects = append([]SideEffect{resetSideEffect(userID, *resetEvent)}, effects...)
	}
	service.dispatch(ctx, userID, effects)
	endSpan(span, nil)
	return result, nil
}

func validateDebit(action ActionType, cost Credits) error {
	if _, ok := knownActionTypes[action]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidActionType, action)
	}
	if cost <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return nil
}

// currentPeriodStart is the moment of the last rollover, or the zero time
// for accounts that have never been reset.
func currentPeriodStart(account Account) time.Time {
	if account.LastResetAt == nil {
		return time.Time{}
	}
	return *account.LastResetAt
}
