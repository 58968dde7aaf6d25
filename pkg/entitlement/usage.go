package entitlement

import (
	"context"
	"errors"
	"sort"
)

// ActionTotal is one row of an aggregate-by-action report.
type ActionTotal struct {
	Action  ActionType
	Credits Credits
}

// Reconciliation compares the cached balance with a ledger replay.
type Reconciliation struct {
	AccountID       AccountID
	CachedBalance   Credits
	ExpectedBalance int64
	Totals          LedgerTotals
}

// Drift is the cached balance minus the replayed balance.
func (reconciliation Reconciliation) Drift() int64 {
	return reconciliation.CachedBalance.Int64() - reconciliation.ExpectedBalance
}

// Consistent reports whether the cached balance matches the ledger.
func (reconciliation Reconciliation) Consistent() bool {
	return reconciliation.Drift() == 0
}

// History lists usage entries inside the window, oldest first.
// It is a reporting read and never informs spend decisions.
func (service *Service) History(ctx context.Context, userID UserID, window Window) ([]UsageEntry, error) {
	account, err := service.store.FindAccount(ctx, userID)
	if errors.Is(err, ErrUnknownAccount) {
		return []UsageEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	return service.store.ListUsageEntries(ctx, account.ID, window)
}

// AggregateByAction totals debited credits per action inside the window.
func (service *Service) AggregateByAction(ctx context.Context, userID UserID, window Window) (map[ActionType]Credits, error) {
	account, err := service.store.FindAccount(ctx, userID)
	if errors.Is(err, ErrUnknownAccount) {
		return map[ActionType]Credits{}, nil
	}
	if err != nil {
		return nil, err
	}
	return service.store.SumUsageByAction(ctx, account.ID, window)
}

// SortedTotals orders an aggregate by descending credits, then action name.
func SortedTotals(totals map[ActionType]Credits) []ActionTotal {
	rows := make([]ActionTotal, 0, len(totals))
	for action, credits := range totals {
		rows = append(rows, ActionTotal{Action: action, Credits: credits})
	}
	sort.Slice(rows, func(left, right int) bool {
		if rows[left].Credits != rows[right].Credits {
			return rows[left].Credits > rows[right].Credits
		}
		return rows[left].Action < rows[right].Action
	})
	return rows
}

// Reconcile replays grants, debits, refunds, and reset adjustments and
// compares the result with the cached balance. It never writes.
func (service *Service) Reconcile(ctx context.Context, userID UserID) (Reconciliation, error) {
	var reconciliation Reconciliation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := service.lockAccount(ctx, txStore, userID, service.now())
		if err != nil {
			return err
		}
		totals, err := txStore.LedgerTotals(ctx, account.ID)
		if err != nil {
			return err
		}
		reconciliation = Reconciliation{
			AccountID:       account.ID,
			CachedBalance:   account.Balance,
			ExpectedBalance: totals.ExpectedBalance(),
			Totals:          totals,
		}
		return nil
	})
	if operationError != nil {
		return Reconciliation{}, operationError
	}
	return reconciliation, nil
}
