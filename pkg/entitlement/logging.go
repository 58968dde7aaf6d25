package entitlement

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing entitlement operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	Code      CodeValue
	Action    ActionType
	Credits   Credits
	Balance   Credits
	Outcome   string
	Count     int
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithSideEffectSink wires the dispatcher that receives post-commit side effects.
func WithSideEffectSink(sink SideEffectSink) ServiceOption {
	return func(service *Service) {
		service.sink = sink
	}
}

// WithTierTable overrides the default tier allotments.
func WithTierTable(table TierTable) ServiceOption {
	return func(service *Service) {
		service.tiers = table
	}
}

// WithRolloverPolicy overrides the default discard-all rollover policy.
func WithRolloverPolicy(policy RolloverPolicy) ServiceOption {
	return func(service *Service) {
		service.rollover = policy
	}
}

// WithTracer wires an OpenTelemetry tracer for operation spans.
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(service *Service) {
		if tracer != nil {
			service.tracer = tracer
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
