package entitlement

import (
	"context"
	"time"
)

// SideEffectKind names a post-commit action.
type SideEffectKind string

const (
	SideEffectFirstActivation SideEffectKind = "redemption.first_activation"
	SideEffectStacked         SideEffectKind = "redemption.stacked"
	SideEffectUsageRecorded   SideEffectKind = "usage.recorded"
	SideEffectUsageRefunded   SideEffectKind = "usage.refunded"
	SideEffectPeriodReset     SideEffectKind = "period.reset"
)

// String returns the wire representation.
func (kind SideEffectKind) String() string {
	return string(kind)
}

// SideEffect is produced only after the owning transaction commits.
// Executing it never changes ledger state.
type SideEffect struct {
	Kind       SideEffectKind
	UserID     string
	AccountID  string
	OccurredAt time.Time
	Payload    map[string]any
}

// SideEffectSink accepts side effects for asynchronous execution.
type SideEffectSink interface {
	Enqueue(ctx context.Context, effect SideEffect) error
}

func (service *Service) dispatch(ctx context.Context, userID UserID, effects []SideEffect) {
	if service.sink == nil {
		return
	}
	for _, effect := range effects {
		if err := service.sink.Enqueue(ctx, effect); err != nil {
			service.logOperation(ctx, OperationLog{
				Operation: "dispatch." + effect.Kind.String(),
				UserID:    userID,
				Error:     err,
			})
		}
	}
}

func resetSideEffect(userID UserID, event ResetEvent) SideEffect {
	return SideEffect{
		Kind:       SideEffectPeriodReset,
		UserID:     userID.String(),
		AccountID:  event.AccountID.String(),
		OccurredAt: event.CreatedAt,
		Payload: map[string]any{
			"periods":       event.Periods,
			"previousReset": event.PreviousAnchor,
			"nextReset":     event.NewAnchor,
			"balance":       event.BalanceAfter.Int64(),
		},
	}
}
