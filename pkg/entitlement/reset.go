package entitlement

import (
	"context"
	"time"
)

// addMonths shifts t by whole calendar months, clamping the day to the end
// of the target month so Jan 31 + 1 month is Feb 28/29, not Mar 3.
func addMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, minute, second := t.Clock()
	firstOfTarget := time.Date(year, month+time.Month(months), 1, hour, minute, second, t.Nanosecond(), t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, hour, minute, second, t.Nanosecond(), t.Location())
}

// nextResetAnchor advances anchor by the whole monthly periods elapsed
// between anchor and now, counting at least one once now reaches anchor.
// It returns (anchor, 0) when now precedes anchor.
func nextResetAnchor(anchor time.Time, now time.Time) (time.Time, int) {
	if now.Before(anchor) {
		return anchor, 0
	}
	periods := (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
	for periods > 0 && addMonths(anchor, periods).After(now) {
		periods--
	}
	if periods < 1 {
		periods = 1
	}
	return addMonths(anchor, periods), periods
}

// resetDue returns the boundary whose arrival triggers the next rollover.
// An anchor already covered by the last reset is followed by the first
// monthly boundary after that reset.
func resetDue(account Account) (time.Time, bool) {
	if account.ResetAnchor == nil {
		return time.Time{}, false
	}
	anchor := *account.ResetAnchor
	if account.LastResetAt == nil || account.LastResetAt.Before(anchor) {
		return anchor, true
	}
	months := 1
	for !addMonths(anchor, months).After(*account.LastResetAt) {
		months++
	}
	return addMonths(anchor, months), true
}

// NextResetAt is when the next rollover will apply, or nil before the first
// redemption.
func (account Account) NextResetAt() *time.Time {
	due, scheduled := resetDue(account)
	if !scheduled {
		return nil
	}
	return &due
}

// catchUp applies a pending rollover to an account whose row lock is held.
// A single rollover is applied no matter how many periods were skipped.
func (service *Service) catchUp(ctx context.Context, txStore Store, account Account, now time.Time) (Account, *ResetEvent, error) {
	due, scheduled := resetDue(account)
	if !scheduled || now.Before(due) {
		return account, nil, nil
	}
	previousAnchor := *account.ResetAnchor
	newAnchor, periods := nextResetAnchor(previousAnchor, now)
	balanceBefore := account.Balance
	balanceAfter := account.MonthlyAllotment + service.rollover.carried(balanceBefore, account.MonthlyAllotment)

	account.Balance = balanceAfter
	account.ResetAnchor = &newAnchor
	account.LastResetAt = &now
	account.UpdatedAt = now
	if err := txStore.UpdateAccount(ctx, account); err != nil {
		return Account{}, nil, err
	}
	event := ResetEvent{
		AccountID:      account.ID,
		PreviousAnchor: previousAnchor,
		NewAnchor:      newAnchor,
		Periods:        periods,
		BalanceBefore:  balanceBefore,
		BalanceAfter:   balanceAfter,
		CreatedAt:      now,
	}
	if err := txStore.InsertResetEvent(ctx, event); err != nil {
		return Account{}, nil, err
	}
	return account, &event, nil
}

// CatchUp rolls the account into its current period if the reset anchor has
// passed. Repeated calls within one period are no-ops.
func (service *Service) CatchUp(ctx context.Context, userID UserID) error {
	_, err := service.Stats(ctx, userID)
	return err
}

// Stats returns the entitlement record after applying any pending rollover.
func (service *Service) Stats(ctx context.Context, userID UserID) (Account, error) {
	var (
		account    Account
		resetEvent *ResetEvent
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		now := service.now()
		locked, err := service.lockAccount(ctx, txStore, userID, now)
		if err != nil {
			return err
		}
		account, resetEvent, err = service.catchUp(ctx, txStore, locked, now)
		return err
	})
	if operationError != nil {
		return Account{}, operationError
	}
	if resetEvent != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationReset,
			UserID:    userID,
			Balance:   account.Balance,
		})
		service.dispatch(ctx, userID, []SideEffect{resetSideEffect(userID, *resetEvent)})
	}
	return account, nil
}
