package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	"go.uber.org/zap"
)

// OperationLogger writes entitlement operations to zap and, when configured,
// counts them in Prometheus.
type OperationLogger struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewOperationLogger builds a logger. metrics may be nil.
func NewOperationLogger(logger *zap.Logger, metrics *Metrics) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger, metrics: metrics}
}

func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry entitlement.OperationLog) {
	if operationLogger.metrics != nil {
		operationLogger.metrics.ObserveOperation(entry)
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if userID := entry.UserID.String(); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if code := entry.Code.String(); code != "" {
		fields = append(fields, zap.String("code", code))
	}
	if entry.Action != "" {
		fields = append(fields, zap.String("action", entry.Action.String()))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", entry.Outcome))
	}
	if entry.Count > 0 {
		fields = append(fields, zap.Int("count", entry.Count))
	}
	fields = append(fields,
		zap.Int64("credits", entry.Credits.Int64()),
		zap.Int64("balance", entry.Balance.Int64()),
	)
	switch {
	case entry.Error == nil:
		operationLogger.logger.Info("entitlement operation", fields...)
	case entitlement.IsValidationError(entry.Error):
		fields = append(fields, zap.String("error_kind", entitlement.ErrorKind(entry.Error)), zap.Error(entry.Error))
		operationLogger.logger.Warn("entitlement operation rejected", fields...)
	default:
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Error("entitlement operation failed", fields...)
	}
}
