package entitlement

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Service contains the domain logic over a Store.
type Service struct {
	store    Store
	nowFn    func() time.Time
	tiers    TierTable
	rollover RolloverPolicy
	logger   OperationLogger
	sink     SideEffectSink
	tracer   trace.Tracer
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:  store,
		nowFn:  now,
		tiers:  DefaultTierTable(),
		tracer: noop.NewTracerProvider().Tracer(tracerName),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if len(service.tiers.allotments) == 0 {
		return nil, fmt.Errorf("%w: tier table is empty", ErrInvalidServiceConfig)
	}
	if service.rollover.MaxRolloverMonths < 0 {
		return nil, fmt.Errorf("%w: rollover months must not be negative", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Tiers exposes the configured allotment table.
func (service *Service) Tiers() TierTable {
	return service.tiers
}

func (service *Service) now() time.Time {
	return service.nowFn().UTC()
}

// lockAccount resolves the user's account and takes its row lock.
func (service *Service) lockAccount(ctx context.Context, txStore Store, userID UserID, now time.Time) (Account, error) {
	account, err := txStore.GetOrCreateAccount(ctx, userID, now)
	if err != nil {
		return Account{}, err
	}
	return txStore.LockAccount(ctx, account.ID)
}

func (service *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return service.tracer.Start(ctx, name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
