package httpapi

import (
	"context"

	"github.com/HarborMintLab/opwallet/pkg/wallet"
	"go.uber.org/zap"
)

// zapOperationLogger bridges wallet operation logs onto zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns a wallet.OperationLogger writing structured
// records to the supplied zap logger.
func NewOperationLogger(logger *zap.Logger) wallet.OperationLogger {
	return &zapOperationLogger{logger: logger}
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
	}
	if entry.Amount != "" {
		fields = append(fields, zap.String("amount", entry.Amount))
	}
	if entry.Currency != "" {
		fields = append(fields, zap.String("currency", entry.Currency))
	}
	if entry.ProviderSessionID != "" {
		fields = append(fields, zap.String("provider_session_id", entry.ProviderSessionID))
	}
	if entry.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID))
	}
	if entry.SagaState != "" {
		fields = append(fields, zap.String("saga_state", entry.SagaState))
	}
	if entry.Error != nil {
		operationLogger.logger.Error("wallet operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("wallet operation", fields...)
}
