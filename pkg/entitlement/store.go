package entitlement

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service.
//
// Lock methods must take a row lock that is held until the enclosing
// transaction ends. Conditional writes (IncrementCodeRedemptions and
// DebitBalance) must check and update in one statement. FindAccount never
// creates a row and returns ErrUnknownAccount for users it has not seen.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateAccount(ctx context.Context, userID UserID, at time.Time) (Account, error)
	FindAccount(ctx context.Context, userID UserID) (Account, error)
	LockAccount(ctx context.Context, accountID AccountID) (Account, error)
	UpdateAccount(ctx context.Context, account Account) error
	DebitBalance(ctx context.Context, accountID AccountID, cost Credits, at time.Time) (Credits, error)
	CreditBalance(ctx context.Context, accountID AccountID, amount Credits, at time.Time) (Credits, error)

	FindCode(ctx context.Context, value CodeValue) (Code, error)
	LockCode(ctx context.Context, value CodeValue) (Code, error)
	IncrementCodeRedemptions(ctx context.Context, codeID CodeID, at time.Time) error
	InsertCodes(ctx context.Context, codes []Code) error

	HasRedemption(ctx context.Context, accountID AccountID, codeID CodeID) (bool, error)
	InsertRedemption(ctx context.Context, redemption Redemption) (Redemption, error)

	InsertUsageEntry(ctx context.Context, entry UsageEntry) (UsageEntry, error)
	GetUsageEntry(ctx context.Context, accountID AccountID, entryID EntryID) (UsageEntry, error)
	ListUsageEntries(ctx context.Context, accountID AccountID, window Window) ([]UsageEntry, error)
	SumUsageByAction(ctx context.Context, accountID AccountID, window Window) (map[ActionType]Credits, error)

	InsertRefund(ctx context.Context, refund Refund) (Refund, error)
	InsertResetEvent(ctx context.Context, event ResetEvent) error
	LedgerTotals(ctx context.Context, accountID AccountID) (LedgerTotals, error)
}
